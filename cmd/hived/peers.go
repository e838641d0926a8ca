// cmd/hived/peers.go
package main

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/hexdaemon/cl-hive-sub001/internal/peer"
)

func newPeersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "peers",
		Short: "List known fleet members from the local registry",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			registry, err := peer.NewRegistry(filepath.Join(cfg.DataDir, "peers.jsonl"), 0)
			if err != nil {
				return err
			}
			members := registry.List()
			out := cmd.OutOrStdout()
			if len(members) == 0 {
				_, _ = fmt.Fprintln(out, "no known peers")
				return nil
			}
			for _, m := range members {
				state := "active"
				if !m.Active {
					state = "stale"
				}
				_, _ = fmt.Fprintf(out, "%s  %-7s %-22s last_seen=%s\n",
					m.NodeID.Hex(), state, m.Addr, m.LastSeen.UTC().Format(time.RFC3339))
			}
			return nil
		},
	}
}
