package main

import (
	"github.com/spf13/cobra"

	"github.com/chris-regnier/warden/internal/mcpserver"
)

func init() {
	rootCmd.AddCommand(&cobra.Command{
		Use:   "mcp",
		Short: "Serve warden tools over the Model Context Protocol on stdio",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession(cmd.Context())
			if err != nil {
				return err
			}
			defer s.close()
			return mcpserver.ServeStdio(s.engine, version)
		},
	})
}
