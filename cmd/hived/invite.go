// cmd/hived/invite.go
package main

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/hexdaemon/cl-hive-sub001/internal/hivecrypto"
	"github.com/hexdaemon/cl-hive-sub001/internal/proto"
)

func newInviteCmd() *cobra.Command {
	var validFor time.Duration
	cmd := &cobra.Command{
		Use:   "invite <invitee-pubkey-hex>",
		Short: "Issue a single-use join credential for a new member's key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			inviteePub, err := hex.DecodeString(args[0])
			if err != nil || !hivecrypto.IsPublicKey(inviteePub) {
				return fmt.Errorf("argument is not a valid pubkey")
			}
			pub, priv, err := hivecrypto.LoadKeypair(cfg.DataDir)
			if err != nil {
				return fmt.Errorf("no identity in %s (run init first): %w", cfg.DataDir, err)
			}
			signer, err := hivecrypto.NewSigner(pub, priv)
			if err != nil {
				return err
			}
			cert, err := proto.NewInviteCert(signer, inviteePub, proto.InviteScopeAll, validFor)
			if err != nil {
				return err
			}
			blob, err := proto.EncodeInviteCert(cert)
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), string(blob))
			return nil
		},
	}
	cmd.Flags().DurationVar(&validFor, "valid-for", 24*time.Hour, "Credential lifetime")
	return cmd
}
