package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/stupiduntilnot/localchat/internal/config"
	"github.com/stupiduntilnot/localchat/internal/httpapi"
)

func newServeCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the chat API over HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, c.cfg, "serve")
			if err != nil {
				return err
			}
			defer a.Close()

			srv := httpapi.New(a.controller, a.metrics, log.Logger, c.cfg.Temperature)
			httpServer := &http.Server{
				Addr:              c.cfg.ListenAddr,
				Handler:           srv.Router(),
				ReadHeaderTimeout: 10 * time.Second,
				BaseContext: func(_ net.Listener) context.Context {
					return a.auditContext(context.Background())
				},
			}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				log.Info().Str("addr", c.cfg.ListenAddr).Str("model", c.cfg.Model).Msg("listening")
				if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
					return errors.Wrap(err, "listen")
				}
				return nil
			})
			g.Go(func() error {
				<-gctx.Done()
				log.Info().Msg("shutting down")
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				return httpServer.Shutdown(shutdownCtx)
			})
			return g.Wait()
		},
	}
	cmd.Flags().String(config.KeyListenAddr, ":7860", "HTTP listen address")
	cobra.CheckErr(c.v.BindPFlag(config.KeyListenAddr, cmd.Flags().Lookup(config.KeyListenAddr)))
	return cmd
}
