package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"ensembled/internal/httpapi"
)

func newServeCmd(opts *options) *cobra.Command {
	var (
		addr        string
		corsOrigins string
		maxBody     int64
		runTimeout  int64
	)
	cmd := &cobra.Command{
		Use:     "serve",
		Short:   "Serve the reporting API and accept rotations over HTTP",
		Example: "  ensembled serve --config ensemble.yaml --addr :8080",
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr != "" {
				opts.cfg.Addr = addr
			}
			a, err := newApp(opts.cfg, opts.log)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			httpapi.SetLogger(opts.log.With().Str("component", "http").Logger())
			httpapi.SetBaseContext(ctx)
			httpapi.SetMaxBodyBytes(maxBody)
			httpapi.SetRunTimeoutSeconds(runTimeout)
			if origins := splitCSV(corsOrigins); len(origins) > 0 {
				httpapi.SetCORSOptions(true, origins, []string{"GET", "POST", "OPTIONS"}, []string{"Content-Type", "X-Log-Level"})
			}
			srv := &http.Server{
				Addr:              opts.cfg.Addr,
				Handler:           httpapi.NewMux(a.svc),
				ReadHeaderTimeout: 10 * time.Second,
			}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				opts.log.Info().Str("addr", srv.Addr).Msg("ensembled listening")
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			g.Go(func() error {
				<-gctx.Done()
				sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := srv.Shutdown(sctx); err != nil {
					opts.log.Warn().Err(err).Msg("graceful shutdown error")
				}
				// waits for a running rotation; the base context cancels it
				a.Close()
				return nil
			})
			return g.Wait()
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "HTTP listen address, e.g. :8080 (overrides config)")
	cmd.Flags().StringVar(&corsOrigins, "cors-origins", "", "Comma-separated allowed CORS origins (empty disables CORS)")
	cmd.Flags().Int64Var(&maxBody, "max-body-bytes", 0, "Maximum request body size (0 uses the default)")
	cmd.Flags().Int64Var(&runTimeout, "run-timeout-seconds", 0, "Timeout for POST /rotations?wait=1 (0 disables)")
	return cmd
}
