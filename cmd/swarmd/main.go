// swarmd runs a swarm host: a server keeping objects for its clients or a
// client syncing with servers.
package main

import (
	"os"

	"github.com/swarmsync/go-swarm/cmd"
	"github.com/swarmsync/go-swarm/node"
)

var (
	version string
	commit  string
	branch  string
)

func main() { // run the app
	cmd.Version = version
	cmd.Commit = commit
	cmd.Branch = branch
	if err := node.GetCommand().Execute(); err != nil {
		// Do not print error as cmd.SilenceErrors is false
		// and the error was already printed
		os.Exit(1)
	}
}
