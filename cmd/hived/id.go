// cmd/hived/id.go
package main

import (
	"encoding/hex"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hexdaemon/cl-hive-sub001/internal/hivecrypto"
	"github.com/hexdaemon/cl-hive-sub001/internal/proto"
)

func newIDCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "id",
		Short: "Print the local node identity",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			pub, _, err := hivecrypto.LoadKeypair(cfg.DataDir)
			if err != nil {
				return fmt.Errorf("no identity in %s (run init first): %w", cfg.DataDir, err)
			}
			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintf(out, "node_id: %s\n", proto.DeriveNodeID(pub).Hex())
			_, _ = fmt.Fprintf(out, "pubkey:  %s\n", hex.EncodeToString(pub))
			return nil
		},
	}
}
