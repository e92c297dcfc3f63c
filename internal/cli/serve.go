package cli

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/hupe1980/researchmail"
	transport "github.com/hupe1980/researchmail/transport/http"
)

func newServeCmd(rt *runtime) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API with server-sent event streams",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signalContext(cmd)
			defer stop()

			cfg, err := rt.loadConfig()
			if err != nil {
				return err
			}

			if addr != "" {
				cfg.HTTPAddr = addr
			}

			logger := cfg.Logger()

			app, err := researchmail.New(cfg, func(o *researchmail.Options) { o.Logger = logger })
			if err != nil {
				return err
			}

			e := transport.NewServer(app, logger)

			errCh := make(chan error, 1)

			go func() {
				logger.Info("http.listening", "addr", cfg.HTTPAddr)
				errCh <- e.Start(cfg.HTTPAddr)
			}()

			select {
			case err := <-errCh:
				closeApp(ctx, app)
				if errors.Is(err, http.ErrServerClosed) {
					return nil
				}
				return err
			case <-ctx.Done():
			}

			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
			defer cancel()

			// Runs are cancelled first so open streams end with an error event.
			if err := app.Close(shutdownCtx); err != nil {
				logger.Warn("app.close_failed", "error", err)
			}

			return e.Shutdown(shutdownCtx)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides HTTP_ADDR)")

	return cmd
}
