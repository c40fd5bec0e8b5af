package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/xkilldash9x/tabrelay/internal/config"
	"github.com/xkilldash9x/tabrelay/internal/observability"
	"github.com/xkilldash9x/tabrelay/internal/server"
)

// serveCmd runs the relay server: the agent WebSocket endpoint plus the
// boundary HTTP API.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the relay server",
	Long: `Starts the relay: accepts the browser agent's control channel on /ws,
monitors its liveness, and exposes the command/capture/state API over HTTP.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		defer observability.Sync()

		cfg, err := config.NewConfigFromViper(viper.GetViper())
		if err != nil {
			return fmt.Errorf("failed to process configuration: %w", err)
		}

		logger := observability.GetLogger()
		srv := server.New(cfg, logger)
		return srv.Start(context.Background())
	},
}

func init() {
	serveCmd.Flags().String("listen", "", "listen address (overrides server.listen_addr)")
	viper.BindPFlag("server.listen_addr", serveCmd.Flags().Lookup("listen"))

	rootCmd.AddCommand(serveCmd)
}
