package main

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/pior/memtap"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var tapCmd = &cobra.Command{
	Use:   "tap <server>",
	Short: "Dump vbuckets of a server over TAP",
	Long: `Opens a TAP dump on the server and prints every mutation until the
server closes the stream. Without --vbucket, all vbuckets are dumped.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var vbuckets []uint16
		if list := viper.GetString("vbucket"); list != "" {
			var err error
			if vbuckets, err = parseVBuckets(list, viper.GetInt("vbuckets")); err != nil {
				return err
			}
		}

		ctx, cancel := signalContext(cmd)
		defer cancel()

		conn, err := memtap.Dial(ctx, args[0])
		if err != nil {
			return err
		}

		stream, err := memtap.OpenTapStream(ctx, conn, vbuckets, slog.Default())
		if err != nil {
			return err
		}
		defer stream.Close()

		out := cmd.OutOrStdout()
		showValues := viper.GetBool("values")
		var count int
		for {
			m, err := stream.Next(ctx)
			if err == io.EOF {
				break
			}
			if err != nil {
				return err
			}
			count++

			fmt.Fprintf(out, "vbucket=%d key=%s flags=%d expiry=%d cas=%d bytes=%d\n",
				m.VBucket, m.Key, m.Flags, m.Expiry, m.CAS, len(m.Value))
			if showValues {
				fmt.Fprintf(out, "%s\n", m.Value)
			}
		}

		slog.Info("tap completed", "server", args[0], "mutations", count)
		return nil
	},
}

func init() {
	tapCmd.Flags().String("vbucket", "", "vbuckets to dump, e.g. 0-3,7")
	tapCmd.Flags().Bool("values", false, "print the values")
}
