package main

import (
	"github.com/spf13/cobra"

	"github.com/TwistrOP/Generative-AI-Pyschologist/internal/chat"
	"github.com/TwistrOP/Generative-AI-Pyschologist/internal/mcpserver"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve read-only operator tools over MCP stdio",
	RunE: func(cmd *cobra.Command, _ []string) error {
		store, err := openStore(cmd.Context(), loadedConfig.Database)
		if err != nil {
			return err
		}
		defer store.Close()

		// No reasoner: the tools only read history.
		svc := chat.NewService(store, nil, 0)
		return mcpserver.Serve(svc, version)
	},
}
