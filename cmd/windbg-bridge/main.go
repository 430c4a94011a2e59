// Command windbg-bridge talks to the WinDBG analysis backend: it runs
// commands, follows analysis tasks and keeps the event channels open.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
