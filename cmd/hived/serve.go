// cmd/hived/serve.go
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hexdaemon/cl-hive-sub001/internal/hive"
	"github.com/hexdaemon/cl-hive-sub001/internal/hivecrypto"
	"github.com/hexdaemon/cl-hive-sub001/internal/pprofutil"
	"github.com/hexdaemon/cl-hive-sub001/internal/proto"
	"github.com/hexdaemon/cl-hive-sub001/internal/transport"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the coordination daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			log, err := newLogger(cfg.LogLevel)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			pub, priv, err := hivecrypto.LoadOrCreateKeypair(cfg.DataDir)
			if err != nil {
				return err
			}
			signer, err := hivecrypto.NewSigner(pub, priv)
			if err != nil {
				return err
			}

			node, err := hive.New(cfg.Options(), signer, hivecrypto.NewVerifier(), transport.NewQUIC(log), log)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := pprofutil.StartFromEnv(os.Stderr); err != nil {
				return err
			}

			if cfg.MetricsAddr != "" {
				mux := http.NewServeMux()
				mux.Handle("/metrics", node.Metrics().Handler())
				srv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
				go func() {
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						log.Warn("metrics server", zap.Error(err))
					}
				}()
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
					defer cancel()
					_ = srv.Shutdown(shutdownCtx)
				}()
			}

			if cfg.Alias != "" {
				node.SetPayload(ctx, proto.MemberPayload{Alias: cfg.Alias, Addresses: []string{cfg.ListenAddr}})
			}
			log.Info("hived starting",
				zap.String("node_id", node.ID().Hex()),
				zap.String("listen", cfg.ListenAddr))

			err = node.Run(ctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
}
