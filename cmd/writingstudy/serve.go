package main

import (
	"context"
	"errors"
	"expvar"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"writingstudy/internal/adapters/exports"
	feedbackhttp "writingstudy/internal/adapters/feedback"
	"writingstudy/internal/adapters/participants"
	"writingstudy/internal/core"
	"writingstudy/internal/feedback"
)

func newServeCmd(a *app) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the participant, export and feedback APIs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if addr != "" {
				a.cfg.Server.Addr = addr
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return a.serve(ctx, nil)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "override server.addr")
	return cmd
}

// server is the assembled HTTP surface plus the resources it owns.
type server struct {
	handler http.Handler
	worker  *exports.Worker
	closers []func()
}

func (s *server) close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

// build wires storage, the registration service, the export worker and the
// feedback reviser into one mux.
func (a *app) build(ctx context.Context) (*server, error) {
	srv := &server{}
	store, err := a.openStore()
	if err != nil {
		return nil, err
	}
	srv.closers = append(srv.closers, func() { closeStore(store) })

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	svc, traceCloser, err := a.newService(store, reg)
	if err != nil {
		srv.close()
		return nil, err
	}
	srv.closers = append(srv.closers, func() { _ = traceCloser.Close() })

	artifacts, err := a.openBlob(ctx)
	if err != nil {
		srv.close()
		return nil, err
	}
	logger := core.NewZapLogger(a.logger)
	srv.worker = exports.NewWorker(svc, artifacts,
		exports.WithLogger(logger),
		exports.WithQueueSize(a.cfg.Exports.QueueSize))

	mux := http.NewServeMux()
	participants.NewHandler(svc).Register(mux)
	exportHandler := exports.NewHandler(srv.worker)
	mux.Handle("/api/exports", exportHandler)
	mux.Handle("/api/exports/", exportHandler)
	mux.Handle("/api/wcf", a.feedbackHandler(ctx, logger))
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	mux.Handle("/debug/vars", expvar.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if _, err := svc.Tally(r.Context()); err != nil {
			http.Error(w, "storage unavailable", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("ok"))
	})
	srv.handler = mux
	return srv, nil
}

func (a *app) feedbackHandler(ctx context.Context, logger core.Logger) *feedbackhttp.Handler {
	gen, err := feedback.NewGeminiGenerator(ctx, a.cfg.Feedback.APIKey, a.cfg.Feedback.Model)
	if err != nil {
		a.logger.Warn("feedback disabled", zap.Error(err))
		return feedbackhttp.NewHandler(nil)
	}
	return feedbackhttp.NewHandler(feedback.NewReviser(gen, feedback.Options{
		Words:           a.cfg.Feedback.RequiredWords,
		MaxAttempts:     a.cfg.Feedback.MaxAttempts,
		Timeout:         a.cfg.FeedbackTimeout(),
		TaskContextPath: a.cfg.Feedback.TaskContextPath,
		TaskPagesDir:    a.cfg.Feedback.TaskPagesDir,
		Logger:          logger,
	}))
}

// serve runs until ctx is cancelled, then drains within the shutdown
// timeout. ready, when non-nil, receives the bound address.
func (a *app) serve(ctx context.Context, ready chan<- string) error {
	srv, err := a.build(ctx)
	if err != nil {
		return err
	}
	defer srv.close()

	ln, err := net.Listen("tcp", a.cfg.Server.Addr)
	if err != nil {
		return err
	}
	httpServer := &http.Server{
		Handler:           srv.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	srv.worker.Start()
	a.logger.Info("listening", zap.String("addr", ln.Addr().String()),
		zap.String("storage", a.cfg.Storage.Driver), zap.String("blob", a.cfg.Blob.Driver))
	if ready != nil {
		ready <- ln.Addr().String()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.ShutdownTimeout())
		defer cancel()
		a.logger.Info("shutting down")
		err := httpServer.Shutdown(shutdownCtx)
		if werr := srv.worker.Stop(shutdownCtx); err == nil {
			err = werr
		}
		return err
	})
	return g.Wait()
}
