// Command scribectl inspects and drives clinic-scribe state from a shell:
// appointment search, slot listing, the stored sign-in and the audit trail.
package main

import (
	"os"

	"github.com/joho/godotenv"
)

func main() {
	_ = godotenv.Load()
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		os.Stderr.WriteString("Error: " + err.Error() + "\n")
		os.Exit(1)
	}
}
