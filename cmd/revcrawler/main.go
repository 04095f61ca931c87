// The main package for the revcrawler executable.
package main

import (
	"github.com/JakeFAU/reverse-image-crawler/cmd"
)

// main defers all execution to the Cobra CLI.
func main() {
	cmd.Execute()
}
