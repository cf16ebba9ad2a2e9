package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"writingstudy/pkg/domain"
)

// loadReport summarises one loadtest run.
type loadReport struct {
	Requests int          `json:"requests"`
	Failures int          `json:"failures"`
	Split    domain.Tally `json:"split"`
	Tally    domain.Tally `json:"tally"`
	Elapsed  string       `json:"elapsed"`
}

type loadOptions struct {
	baseURL string
	vus     int
	prefix  string
	timeout time.Duration
}

func newLoadtestCmd(a *app) *cobra.Command {
	opts := loadOptions{}
	cmd := &cobra.Command{
		Use:   "loadtest",
		Short: "Fire concurrent auto-assigned registrations at a running server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if opts.vus <= 0 {
				return fmt.Errorf("--vus must be positive")
			}
			if opts.prefix == "" {
				opts.prefix = fmt.Sprintf("load-%d", time.Now().UnixNano())
			}
			client := &http.Client{Timeout: opts.timeout}
			report, err := runLoad(cmd.Context(), client, opts)
			if err != nil {
				return err
			}
			a.logger.Info("loadtest finished",
				zap.Int("requests", report.Requests),
				zap.Int("failures", report.Failures),
				zap.String("elapsed", report.Elapsed))
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(report); err != nil {
				return err
			}
			if report.Failures > 0 {
				return fmt.Errorf("%d of %d registrations failed", report.Failures, report.Requests)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.baseURL, "url", "http://localhost:8080", "server base URL")
	cmd.Flags().IntVar(&opts.vus, "vus", 30, "number of concurrent registrations")
	cmd.Flags().StringVar(&opts.prefix, "prefix", "", "participant id prefix (default load-<unix nanos>)")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 30*time.Second, "per-request timeout")
	return cmd
}

// runLoad registers opts.vus fresh participants concurrently and reports
// the conditions they received alongside the server tally afterwards.
func runLoad(ctx context.Context, client *http.Client, opts loadOptions) (loadReport, error) {
	base := strings.TrimRight(opts.baseURL, "/")
	conditions := make([]domain.Condition, opts.vus)
	var failures atomic.Int64
	start := time.Now()

	g, gctx := errgroup.WithContext(ctx)
	for i := range opts.vus {
		g.Go(func() error {
			c, err := registerOne(gctx, client, base, fmt.Sprintf("%s-%03d", opts.prefix, i))
			if err != nil {
				failures.Add(1)
				return nil
			}
			conditions[i] = c
			return nil
		})
	}
	_ = g.Wait()
	elapsed := time.Since(start)

	report := loadReport{
		Requests: opts.vus,
		Failures: int(failures.Load()),
		Elapsed:  elapsed.Round(time.Millisecond).String(),
	}
	for _, c := range conditions {
		if c != "" {
			_ = report.Split.Increment(c)
		}
	}
	tally, err := fetchTally(ctx, client, base)
	if err != nil {
		return report, err
	}
	report.Tally = tally
	return report, nil
}

func registerOne(ctx context.Context, client *http.Client, base, id string) (domain.Condition, error) {
	body, err := json.Marshal(map[string]any{"studentId": id, "currentStep": 0})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/api/participant", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("register %s: %s: %s", id, resp.Status, bytes.TrimSpace(msg))
	}
	var p domain.Participant
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
		return "", err
	}
	return p.Condition, nil
}

func fetchTally(ctx context.Context, client *http.Client, base string) (domain.Tally, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/api/tally", nil)
	if err != nil {
		return domain.Tally{}, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return domain.Tally{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return domain.Tally{}, fmt.Errorf("tally: %s", resp.Status)
	}
	var out struct {
		Counts domain.Tally `json:"counts"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return domain.Tally{}, err
	}
	return out.Counts, nil
}
