// Ferry - SFTP client for profiles, sessions and resumable transfers
package main

import (
	"os"

	"github.com/ferrydock/ferry/internal/cli"
)

// Version information, overridden at build time with -ldflags.
var (
	Version   = "v0.3.0-dev"
	BuildTime = "unknown"
)

func main() {
	cli.Version = Version
	cli.BuildTime = BuildTime

	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
