package main

import (
	"errors"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// version 由 -ldflags "-X main.version=..." 注入。
var version = "dev"

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "chat-gateway",
		Short:         "Multi-tenant realtime customer-service chat gateway",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newServeCmd(), newMigrateCmd(), newTenantCmd(), newAdminCmd())
	return root
}

func main() {
	// main 函数负责读取 .env 并分发子命令，默认执行 serve。
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Warn().Err(err).Msg("load .env")
	}
	root := newRootCmd()
	if len(os.Args) == 1 {
		root.SetArgs([]string{"serve"})
	}
	if err := root.Execute(); err != nil {
		log.Fatal().Err(err).Msg("chat-gateway")
	}
}
