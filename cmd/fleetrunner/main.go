// Command fleetrunner is the controller's entrypoint: it delegates
// entirely to the cli/cmd package, which defines the "run", "status",
// "ssh", "delete-all", and "validate-config" subcommands.
package main

import (
	"fmt"
	"os"

	"github.com/pylonhq/fleetrunner/cli/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
