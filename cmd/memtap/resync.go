package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/pior/memtap"
	"github.com/pior/memtap/promexporter"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var resyncCmd = &cobra.Command{
	Use:   "resync",
	Short: "Copy vbuckets from replicas into a local server",
	Long: `Streams the given vbuckets from the source servers over TAP and applies
them to the local server. Each vbucket is streamed from every source that
holds it; a source that fails is not retried for the rest of the run.

Local keys are only replaced when their flags, which hold a write
timestamp, are older than the copy's.

Unless --full is given, the resync only runs when the local server lacks the
up-to-date tag, which means it restarted or a previous resync was cut short.
A full resync removes the tag first. The tag is written once streaming is
over.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		local := viper.GetString("local")
		if local == "" {
			return errors.New("--local is required")
		}

		var sources []string
		for s := range strings.SplitSeq(viper.GetString("source"), ",") {
			if s = strings.TrimSpace(s); s != "" && s != local {
				sources = append(sources, s)
			}
		}
		if len(sources) == 0 {
			return errors.New("--source is required")
		}

		n := viper.GetInt("vbuckets")
		vbuckets := allVBuckets(n)
		if list := viper.GetString("vbucket"); list != "" {
			var err error
			if vbuckets, err = parseVBuckets(list, n); err != nil {
				return err
			}
		}

		owl := memtap.Worklist{}
		for _, vb := range vbuckets {
			owl[vb] = sources
		}

		ctx, cancel := signalContext(cmd)
		defer cancel()

		resyncer := memtap.NewResyncer(memtap.ResyncConfig{
			Local:      local,
			VBuckets:   n,
			SkipPrefix: viper.GetString("skip-prefix"),
			Logger:     slog.Default(),
		})

		if addr := viper.GetString("metrics-addr"); addr != "" {
			exporter := promexporter.NewExporter()
			exporter.RegisterResync(resyncer)
			go serveMetrics(ctx, exporter, addr)
		}

		ran, remaining, err := resyncer.Run(ctx, owl, viper.GetBool("full"))
		if err != nil {
			return err
		}
		if !ran {
			return nil
		}

		stats := resyncer.Stats()
		slog.Info("resync completed",
			"keys", stats.Keys,
			"bytes", stats.Bytes,
			"discarded", stats.Discarded,
			"vbuckets", stats.Buckets,
			"failed_taps", stats.FailedTaps,
		)

		if len(remaining) > 0 {
			return fmt.Errorf("%d vbuckets could not be streamed: %v", len(remaining), remaining)
		}
		return nil
	},
}

func init() {
	flags := resyncCmd.Flags()
	flags.String("local", "", "address of the server to fill")
	flags.String("source", "", "comma-separated list of servers to stream from")
	flags.String("vbucket", "", "vbuckets to stream, e.g. 0-3,7 (default all)")
	flags.String("skip-prefix", memtap.ResyncKeyPrefix, "keys with this prefix are not copied")
	flags.Bool("full", false, "resync even if the local server is up to date")
	flags.String("metrics-addr", "", "serve Prometheus metrics on this address")
}

func serveMetrics(ctx context.Context, exporter *promexporter.Exporter, addr string) {
	if err := exporter.ListenAndServe(ctx, addr, slog.Default()); err != nil {
		slog.Error("metrics server failed", "error", err)
	}
}
