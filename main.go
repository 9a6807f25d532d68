// The main package for the statcache executable.
package main

import (
	"github.com/JakeFAU/statcache/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
