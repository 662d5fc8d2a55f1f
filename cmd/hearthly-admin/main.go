// Hearthly admin CLI: inspect and override quotas and session records.
package main

import (
	"fmt"
	"os"

	"github.com/ashureev/hearthly/internal/output"
)

func main() {
	if err := newRootCmd(output.New()).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
