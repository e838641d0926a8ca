// cmd/hived/init.go
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/hexdaemon/cl-hive-sub001/internal/hivecrypto"
	"github.com/hexdaemon/cl-hive-sub001/internal/proto"
)

func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the local identity keypair",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
				return err
			}
			if _, _, err := hivecrypto.LoadKeypair(cfg.DataDir); err == nil {
				return fmt.Errorf("identity already exists in %s", cfg.DataDir)
			}
			pub, priv, err := hivecrypto.GenKeypair()
			if err != nil {
				return err
			}
			if err := hivecrypto.SaveKeypair(cfg.DataDir, pub, priv); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "node_id: %s\n", proto.DeriveNodeID(pub).Hex())
			return nil
		},
	}
}
