package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"writingstudy/pkg/domain"
)

func newTallyCmd(a *app) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "tally",
		Short: "Print the automatic assignment counts per condition",
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := a.openStore()
			if err != nil {
				return err
			}
			defer closeStore(store)
			svc, closer, err := a.newService(store, nil)
			if err != nil {
				return err
			}
			defer func() { _ = closer.Close() }()

			tally, err := svc.Tally(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(tally)
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			for _, c := range domain.Conditions {
				fmt.Fprintf(tw, "%s\t%d\n", c, tally.Count(c))
			}
			fmt.Fprintf(tw, "total\t%d\n", tally.Total())
			fmt.Fprintf(tw, "spread\t%d\n", tally.Spread())
			fmt.Fprintf(tw, "next\t%s\n", tally.Least())
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the tally as JSON")
	return cmd
}
