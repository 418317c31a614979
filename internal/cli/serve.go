package cli

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"beatsync/internal/api"
	"beatsync/internal/changelog"
	"beatsync/internal/scheduler"
)

func newServeCmd(g *globalFlags) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the sync loop and the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, changes, err := g.openChangeLog()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Addr = addr
			}
			opts, err := cfg.SchedulerOptions()
			if err != nil {
				changes.Close()
				return err
			}

			sched := scheduler.New(changes, opts)
			defer func() {
				if err := sched.Close(); err != nil {
					log.Error().Err(err).Msg("close scheduler")
				}
			}()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := sched.SetupSchedule(ctx); err != nil {
				return err
			}
			log.Info().Str("backend", cfg.Backend).Dur("sync_every", opts.SyncEvery).Msg("beatsync starting")
			log.Info().Msg(sched.Info())

			done := make(chan struct{})
			go func() {
				defer close(done)
				sched.Run(ctx)
			}()

			watched := make(chan struct{})
			if cfg.Watch && changelog.BackendName(cfg.Backend) != changelog.BackendSQL {
				go func() {
					defer close(watched)
					if err := sched.Watch(ctx, cfg.WatchGap); err != nil {
						log.Warn().Err(err).Msg("change log watch disabled")
					}
				}()
			} else {
				close(watched)
			}

			srv := &http.Server{Addr: cfg.Addr, Handler: api.NewServer(changes, sched)}
			errc := make(chan error, 1)
			go func() {
				log.Info().Str("addr", cfg.Addr).Msg("HTTP server starting")
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errc <- err
				}
			}()

			select {
			case <-ctx.Done():
			case err = <-errc:
				log.Error().Err(err).Msg("http server")
			}

			log.Info().Msg("shutting down")
			stop()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
			<-done
			<-watched
			return err
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "HTTP bind address (overrides the config)")
	return cmd
}
