package main

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/pior/memtap"
	"github.com/pior/memtap/promexporter"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a binary protocol proxy in front of the servers",
	Long: `Accepts binary protocol connections and forwards GET, GETK, SET, ADD,
REPLACE and DELETE to the servers given with --servers, picking the server
of each key with consistent hashing.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		client, err := newClient()
		if err != nil {
			return err
		}
		defer client.Close()

		ctx, cancel := signalContext(cmd)
		defer cancel()

		if addr := viper.GetString("metrics-addr"); addr != "" {
			exporter := promexporter.NewExporter()
			exporter.RegisterClient(client)
			go serveMetrics(ctx, exporter, addr)
		}

		srv := &memtap.Server{
			Handler: memtap.ClientHandler{Client: client},
			Version: viper.GetString("version-string"),
			Logger:  slog.Default(),
		}

		stop := context.AfterFunc(ctx, func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				slog.Error("shutdown failed", "error", err)
			}
		})
		defer stop()

		listen := viper.GetString("listen")
		slog.Info("proxy started", "addr", listen, "servers", viper.GetString("servers"))

		err = srv.ListenAndServe(listen)
		if errors.Is(err, memtap.ErrServerClosed) {
			return nil
		}
		return err
	},
}

func init() {
	flags := serveCmd.Flags()
	flags.String("listen", "127.0.0.1:11311", "address to accept connections on")
	flags.String("version-string", memtap.DefaultServerVersion, "version reported to clients")
	flags.String("metrics-addr", "", "serve Prometheus metrics on this address")
}
