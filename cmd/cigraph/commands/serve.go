package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/DrSkyle/cigraph/pkg/engine"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the API, reconciler, health scheduler and ingest sources",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		e, err := engine.New(ctx, engine.WithConfig(cfg))
		if err != nil {
			return err
		}
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := e.Close(closeCtx); err != nil {
				e.Logger.Warn("Shutdown incomplete", "error", err)
			}
		}()
		return e.Run(ctx)
	},
}

func init() {
	serveCmd.Flags().String("api.addr", ":8080", "Listen address of the HTTP API")
	serveCmd.Flags().Bool("kafka.enabled", false, "Consume discovery events from Kafka")
	serveCmd.Flags().Bool("kubernetes.enabled", false, "Scan a Kubernetes cluster for CIs")
	serveCmd.Flags().Bool("federation.enabled", false, "Mirror the graph to Neo4j")
}
