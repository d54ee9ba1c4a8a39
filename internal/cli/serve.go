package cli

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/roast-network/roastd/internal/daemon"
)

func init() {
	serveCmd.Flags().StringVar(&serveHost, "host", "", "Host to listen on (overrides config)")
	serveCmd.Flags().StringVar(&serveMQTT, "mqtt", "", "MQTT broker URL (overrides config)")
	rootCmd.AddCommand(serveCmd)
}

var (
	serveHost string
	serveMQTT string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the roastd control-plane services",
	Long: `Start the inference, mission, command, and governance HTTP services,
the telemetry bus ingest, and the background governance loops.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := daemon.LoadConfig()
	if err != nil {
		return err
	}
	if serveHost != "" {
		cfg.Services.Host = serveHost
	}
	if serveMQTT != "" {
		cfg.Bus.URL = serveMQTT
	}

	d, err := daemon.NewWithConfig(cfg)
	if err != nil {
		return err
	}
	return d.Serve(context.Background())
}
