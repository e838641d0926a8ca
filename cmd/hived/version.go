// cmd/hived/version.go
package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hexdaemon/cl-hive-sub001/internal/proto"
)

var version = "dev"

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version and wire schema range",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "hived %s (schema %d..%d)\n",
				version, proto.SchemaVersion, proto.SchemaVersionMax)
			return nil
		},
	}
}
