package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/quantumauth-io/quantum-go-utils/log"
	"github.com/spf13/cobra"

	"github.com/quantumauth-io/walletlink-client/internal/chains"
	clienthttp "github.com/quantumauth-io/walletlink-client/internal/http"
	"github.com/quantumauth-io/walletlink-client/internal/metrics"
	"github.com/quantumauth-io/walletlink-client/internal/provider"
	"github.com/quantumauth-io/walletlink-client/internal/relay"
	"github.com/quantumauth-io/walletlink-client/internal/relay/connection"
	"github.com/quantumauth-io/walletlink-client/internal/session"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Connect to the relay and serve the local JSON-RPC bridge",
		RunE: func(cmd *cobra.Command, args []string) error {
			log.Info(cmd.Root().Name(),
				"version", Version,
				"commit", Commit,
				"build_date", BuildDate,
			)

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			store, file, err := openStore()
			if err != nil {
				return err
			}
			log.Info("store opened", "path", file.Path())

			m := metrics.New()

			r, err := relay.New(ctx, relay.Options{
				LinkAPIURL: cfg.ClientSettings.LinkAPIURL,
				Storage:    store,
				Connection: connection.Options{
					HeartbeatInterval: cfg.HeartbeatInterval(),
					RequestTimeout:    cfg.RequestTimeout(),
					Reconnect:         cfg.ReconnectPolicy(),
				},
				ReloadOnDisconnect: cfg.Relay.ReloadOnDisconnect,
				Metrics:            m,
			})
			if err != nil {
				return fmt.Errorf("relay: %w", err)
			}

			chain, err := chains.New(ctx, "", chains.Options{})
			if err != nil {
				return fmt.Errorf("chain client: %w", err)
			}
			defer chain.Close()

			p := provider.New(provider.Options{
				Relay:                    r,
				Chain:                    chain,
				ChainID:                  cfg.Chain.ChainID,
				JSONRPCURL:               cfg.Chain.JSONRPCURL,
				SubscriptionPollInterval: cfg.PollInterval(),
				Metrics:                  m,
			})
			p.SetAppInfo(cfg.ClientSettings.AppName, cfg.ClientSettings.AppLogoURL)
			if err := p.Start(ctx); err != nil {
				return fmt.Errorf("provider: %w", err)
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				p.Shutdown(shutdownCtx)
			}()

			log.Info("relay session", "session", session.Hash(r.Session().ID()), "linked", r.IsLinked())
			if !r.IsLinked() {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Open this link with your wallet:\n%s\n", r.LinkingURL())
			}

			router := clienthttp.NewRouter(clienthttp.NewHandler(p, r), clienthttp.RouterOptions{
				AllowedOrigins: cfg.HTTP.AllowedOrigins,
				RateLimit:      cfg.HTTP.RateLimit,
				RateBurst:      cfg.HTTP.RateBurst,
				Metrics:        m.Handler(),
			})
			return clienthttp.NewServer(cfg.ListenAddr(), router).Run(ctx)
		},
	}
}
