// cmd/hived/locks.go
package main

import (
	"fmt"
	"path/filepath"
	"sort"

	"github.com/spf13/cobra"

	"github.com/hexdaemon/cl-hive-sub001/internal/store"
)

func newLocksCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "locks",
		Short: "Show persisted fencing counters per lock target",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			type record struct {
				Target string `json:"target"`
				Token  uint64 `json:"token"`
			}
			records, err := store.ReadJSONL[record](filepath.Join(cfg.DataDir, "fencing.jsonl"))
			if err != nil {
				return err
			}
			latest := make(map[string]uint64)
			for _, r := range records {
				if r.Token > latest[r.Target] {
					latest[r.Target] = r.Token
				}
			}
			out := cmd.OutOrStdout()
			if len(latest) == 0 {
				_, _ = fmt.Fprintln(out, "no lock history")
				return nil
			}
			targets := make([]string, 0, len(latest))
			for t := range latest {
				targets = append(targets, t)
			}
			sort.Strings(targets)
			for _, t := range targets {
				_, _ = fmt.Fprintf(out, "%-40s token=%d\n", t, latest[t])
			}
			return nil
		},
	}
}
