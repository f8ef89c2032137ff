package main

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"irbt-go/internal/shadow"
	"irbt-go/internal/web"
)

func serveCmd(g *globalFlags, stderr io.Writer) *cobra.Command {
	var listenFlag string
	var debugMQTT bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the local HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := setup(*g, stderr)
			if err != nil {
				return err
			}
			if listenFlag != "" {
				cfg.Web.Listen = listenFlag
			}
			shadow.ConfigureMQTTLogging(logger, debugMQTT)

			username, password, err := credentials()
			if err != nil {
				return err
			}
			a, err := newApp(cfg, username, password, logger)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			err = a.login(ctx)
			cancel()
			if err != nil {
				return err
			}
			disp, err := a.dispatcher()
			if err != nil {
				return err
			}

			webOpts := []web.ServerOption{web.WithStore(a.store), web.WithVersion(version)}
			if cfg.Web.APIKey != "" {
				webOpts = append(webOpts, web.WithAPIKey(cfg.Web.APIKey))
			}
			if len(cfg.Web.AllowedOrigins) > 0 {
				webOpts = append(webOpts, web.WithAllowedOrigins(cfg.Web.AllowedOrigins))
			}
			webServer := web.NewServer(a.dir, a.client, disp, logger, webOpts...)
			if a.bridgeCommands != nil {
				a.bridgeCommands(func(ctx context.Context, deviceID string, cmd shadow.Command) error {
					_, _, err := webServer.Dispatch(ctx, deviceID, cmd, "")
					return err
				})
			}

			httpServer := &http.Server{
				Addr:         cfg.Web.Listen,
				Handler:      webServer,
				ReadTimeout:  15 * time.Second,
				WriteTimeout: 30 * time.Second,
				IdleTimeout:  120 * time.Second,
			}

			errCh := make(chan error, 1)
			go func() {
				logger.Info("web server starting", "addr", cfg.Web.Listen, "version", version)
				if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
				close(errCh)
			}()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			defer signal.Stop(sigCh)

			var serveErr error
			select {
			case sig := <-sigCh:
				logger.Info("shutting down", "signal", sig)
			case serveErr = <-errCh:
				logger.Error("http server", "err", serveErr)
			}

			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer shutdownCancel()
			if err := httpServer.Shutdown(shutdownCtx); err != nil {
				logger.Error("http server shutdown", "err", err)
			}
			webServer.Stop()
			logger.Info("goodbye")
			return serveErr
		},
	}
	cmd.Flags().StringVar(&listenFlag, "listen", "", "Listen address (overrides web.listen)")
	cmd.Flags().BoolVarP(&debugMQTT, "debug-mqtt", "d", false, "Debug MQTT")
	return cmd
}
