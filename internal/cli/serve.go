package cli

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/cihealer/internal/observability"
	"github.com/lucasnoah/cihealer/internal/web"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the healing HTTP API",
	Long: `Serve the HTTP API: POST /api/run heals a repository and returns the
results document, POST /api/runs starts a run in the background, and
GET /api/runs/:id/stream follows it. A run dashboard is served at /ui and
Prometheus metrics at /metrics.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := validConfig()
		if err != nil {
			return err
		}
		d, cleanup, err := openDeps(cfg)
		if err != nil {
			return err
		}
		defer cleanup()

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		cmd.Printf("healer API: http://localhost%s\n", cfg.Healer.Server.Addr)
		srv := web.NewServer(web.Config{
			Healer:  d.service(cfg, nil),
			Store:   d.store,
			DB:      d.db,
			Addr:    cfg.Healer.Server.Addr,
			Version: version,
			Logger:  observability.GetLogger(),
		})
		return srv.Start(ctx)
	},
}

func init() {
	serveCmd.Flags().String("addr", ":8000", "address to listen on")
	bindFlags(serveCmd.Flags(), map[string]string{"addr": "server.addr"})
}
