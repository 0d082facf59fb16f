package main

import (
	"context"
	"fmt"

	"github.com/pior/memtap"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var getCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Get the value of a key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newClient()
		if err != nil {
			return err
		}
		defer client.Close()

		get := client.Get
		if viper.GetBool("echo-key") {
			get = client.GetK
		}

		item, err := get(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if !item.Found {
			return fmt.Errorf("key %q not found", args[0])
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "%s\n", item.Value)
		if viper.GetBool("verbose") {
			fmt.Fprintf(out, "key=%s flags=%d cas=%d vbucket=%d\n", item.Key, item.Flags, item.CAS, item.VBucket)
		}
		return nil
	},
}

var (
	setCmd     = newStoreCmd("set", "Store a value", (*memtap.Client).Set)
	addCmd     = newStoreCmd("add", "Store a value if the key does not exist", (*memtap.Client).Add)
	replaceCmd = newStoreCmd("replace", "Store a value if the key exists", (*memtap.Client).Replace)
)

type storeFunc func(c *memtap.Client, ctx context.Context, item memtap.Item) (uint64, error)

func newStoreCmd(name, short string, store storeFunc) *cobra.Command {
	cmd := &cobra.Command{
		Use:   name + " <key> <value>",
		Short: short,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}
			defer client.Close()

			item := memtap.Item{
				Key:    args[0],
				Value:  []byte(args[1]),
				Flags:  viper.GetUint32("flags"),
				Expiry: viper.GetUint32("expiry"),
				CAS:    viper.GetUint64("cas"),
			}

			cas, err := store(client, cmd.Context(), item)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "stored cas=%d\n", cas)
			return nil
		},
	}

	cmd.Flags().Uint32("flags", 0, "opaque flags stored with the value")
	cmd.Flags().Uint32("expiry", 0, "expiry in seconds, or a unix timestamp")
	if name == "replace" {
		cmd.Flags().Uint64("cas", 0, "only replace if the stored CAS matches")
	}
	return cmd
}

var deleteCmd = &cobra.Command{
	Use:   "delete <key>",
	Short: "Delete a key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newClient()
		if err != nil {
			return err
		}
		defer client.Close()

		if err := client.Delete(cmd.Context(), args[0]); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "deleted")
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version of memtap and of each server",
	RunE: func(cmd *cobra.Command, _ []string) error {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "memtap v%s\n", version)

		client, err := newClient()
		if err != nil {
			return err
		}
		defer client.Close()

		for _, addr := range memtap.ParseServers(viper.GetString("servers")).List() {
			v, err := client.Version(cmd.Context(), addr)
			if err != nil {
				fmt.Fprintf(out, "%s: %v\n", addr, err)
				continue
			}
			fmt.Fprintf(out, "%s: %s\n", addr, v)
		}
		return nil
	},
}

func init() {
	getCmd.Flags().Bool("echo-key", false, "use GETK, for which the server echoes the key")
	getCmd.Flags().BoolP("verbose", "v", false, "print the item metadata")
}
