package main

import (
	"encoding/json"

	"github.com/spf13/cobra"

	"writingstudy/internal/adapters/exports"
	"writingstudy/internal/core"
)

func newExportCmd(a *app) *cobra.Command {
	var (
		formats []string
		reason  string
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write a participant export to the configured blob store",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
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
			artifacts, err := a.openBlob(ctx)
			if err != nil {
				return err
			}

			worker := exports.NewWorker(svc, artifacts, exports.WithLogger(core.NewZapLogger(a.logger)))
			input := exports.Input{RequestedBy: "cli", Reason: reason}
			for _, f := range formats {
				input.Formats = append(input.Formats, exports.Format(f))
			}
			rec, runErr := worker.Run(ctx, input)
			if rec.ID == "" {
				return runErr
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(rec); err != nil {
				return err
			}
			return runErr
		},
	}
	cmd.Flags().StringSliceVarP(&formats, "format", "f", []string{"csv", "json"}, "export formats (csv, json)")
	cmd.Flags().StringVar(&reason, "reason", "", "free-form note stored on the export record")
	return cmd
}
