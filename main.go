// The main package for the revcrawler executable, kept at the module root so
// `go install github.com/JakeFAU/reverse-image-crawler@latest` works.
package main

import (
	"github.com/JakeFAU/reverse-image-crawler/cmd"
)

func main() {
	cmd.Execute()
}
