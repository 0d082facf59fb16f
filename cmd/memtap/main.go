// Command memtap talks to memcached-compatible servers over the binary
// protocol: key-value operations, TAP dumps, vbucket resync and a proxy server.
package main

import (
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
