// Command raspimon runs a home telemetry node.
package main

import (
	"fmt"
	"os"
)

var version = "dev"

func main() {
	if err := newCLI(os.Stdout).Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}
