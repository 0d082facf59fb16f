package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/pior/memtap"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:   "memtap",
	Short: "memcached binary protocol and TAP client",
	Long: fmt.Sprintf(`memtap (v%s)

Key-value operations, TAP dumps and vbucket resync against memcached
compatible servers speaking the binary protocol.

Every flag can be set from the environment as MEMTAP_<FLAG>, e.g.
MEMTAP_SERVERS=10.0.0.1:11211,10.0.0.2:11211. .env and .env.local are loaded
when present.`, version),
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		if err := viper.BindPFlags(cmd.Flags()); err != nil {
			return err
		}
		logger, err := newLogger(viper.GetString("log-level"), viper.GetString("log-format"))
		if err != nil {
			return err
		}
		slog.SetDefault(logger)
		return nil
	},
}

func init() {
	cobra.OnInitialize(initConfig)

	flags := rootCmd.PersistentFlags()
	flags.String("servers", "localhost:11211", "comma-separated list of server addresses")
	flags.Duration("timeout", 5*time.Second, "timeout of each operation")
	flags.Int("vbuckets", 128, "number of vbuckets keys are hashed into")
	flags.String("log-level", "info", "log level (debug, info, warn, error)")
	flags.String("log-format", "text", "log format (text, json)")

	rootCmd.AddCommand(getCmd, setCmd, addCmd, replaceCmd, deleteCmd, versionCmd)
	rootCmd.AddCommand(tapCmd, resyncCmd, serveCmd, benchCmd)
}

func initConfig() {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	viper.SetEnvPrefix("memtap")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func newLogger(level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q", level)
	}
	opts := &slog.HandlerOptions{Level: lvl}

	switch format {
	case "text":
		return slog.New(slog.NewTextHandler(os.Stderr, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stderr, opts)), nil
	}
	return nil, fmt.Errorf("invalid log format %q (expected text or json)", format)
}

// newClient builds a client from the persistent flags.
func newClient() (*memtap.Client, error) {
	servers := memtap.ParseServers(viper.GetString("servers"))
	return memtap.NewClient(servers, memtap.Config{
		Timeout:             viper.GetDuration("timeout"),
		VBuckets:            viper.GetInt("vbuckets"),
		HealthCheckInterval: time.Minute,
		MaxConnIdleTime:     5 * time.Minute,
		NewCircuitBreaker:   memtap.NewCircuitBreakerConfig(3, time.Minute, 10*time.Second, slog.Default()),
	})
}

// signalContext is cancelled on interrupt.
func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
}
