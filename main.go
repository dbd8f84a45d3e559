// The main package for the trailnotes executable.
package main

import (
	"github.com/JakeFAU/trailnotes/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
