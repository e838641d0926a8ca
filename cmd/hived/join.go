// cmd/hived/join.go
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/hexdaemon/cl-hive-sub001/internal/hive"
	"github.com/hexdaemon/cl-hive-sub001/internal/hivecrypto"
	"github.com/hexdaemon/cl-hive-sub001/internal/proto"
	"github.com/hexdaemon/cl-hive-sub001/internal/transport"
)

func newJoinCmd() *cobra.Command {
	var (
		inviteFile  string
		inviterAddr string
	)
	cmd := &cobra.Command{
		Use:   "join",
		Short: "Join a fleet using an invite credential, then keep serving",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			blob, err := os.ReadFile(inviteFile)
			if err != nil {
				return fmt.Errorf("read invite: %w", err)
			}
			invite, err := proto.DecodeInviteCert(blob)
			if err != nil {
				return fmt.Errorf("parse invite: %w", err)
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

			runErr := make(chan error, 1)
			go func() { runErr <- node.Run(ctx) }()
			// Give the listener a moment; the inviter's challenge comes
			// back to our own address.
			time.Sleep(200 * time.Millisecond)

			joinCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			defer cancel()
			if err := node.Join(joinCtx, inviterAddr, invite); err != nil {
				stop()
				return fmt.Errorf("join: %w", err)
			}
			log.Info("joined, serving", zap.String("node_id", node.ID().Hex()))

			if cfg.Alias != "" {
				node.SetPayload(ctx, proto.MemberPayload{Alias: cfg.Alias, Addresses: []string{cfg.ListenAddr}})
			}
			err = <-runErr
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
	cmd.Flags().StringVar(&inviteFile, "invite", "", "Path to the invite credential file")
	cmd.Flags().StringVar(&inviterAddr, "inviter", "", "Inviter's listen address")
	_ = cmd.MarkFlagRequired("invite")
	_ = cmd.MarkFlagRequired("inviter")
	return cmd
}
