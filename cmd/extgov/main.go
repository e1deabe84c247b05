// Command extgov installs, updates, rolls back and uninstalls host
// extensions, and runs the runtime governor that disables misbehaving ones.
package main

import (
	"context"
	"fmt"
	"os"
)

// version is set via ldflags at build time.
var version = "dev"

func main() {
	if err := execute(context.Background(), os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "extgov:", err)
		os.Exit(1)
	}
}
