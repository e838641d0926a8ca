// cmd/hived/outbox.go
package main

import (
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/hexdaemon/cl-hive-sub001/internal/outbox"
	"github.com/hexdaemon/cl-hive-sub001/internal/proto"
)

func newOutboxCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "outbox",
		Short: "List unresolved critical messages from the local outbox journal",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			noSend := func(proto.NodeID, []byte) error {
				return fmt.Errorf("offline inspection")
			}
			q, err := outbox.New(filepath.Join(cfg.DataDir, "outbox.jsonl"), noSend, nil)
			if err != nil {
				return err
			}
			pending := q.Pending()
			out := cmd.OutOrStdout()
			if len(pending) == 0 {
				_, _ = fmt.Fprintln(out, "outbox empty")
				return nil
			}
			sort.Slice(pending, func(i, j int) bool {
				return pending[i].EnqueuedAt.Before(pending[j].EnqueuedAt)
			})
			for _, e := range pending {
				_, _ = fmt.Fprintf(out, "%s  dest=%s kind=%s attempts=%d enqueued=%s\n",
					e.MsgID.Hex(), e.Dest.Hex(), e.Kind.String(), e.Attempts,
					e.EnqueuedAt.UTC().Format(time.RFC3339))
			}
			return nil
		},
	}
}
