// Command entityctl inspects and maintains the entity documents held by the
// configured storage backend.
package main

import (
	"fmt"
	"os"
)

var exitFunc = os.Exit

func main() {
	if err := newRootCmd(os.Stdout, os.Stderr).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "entityctl:", err)
		exitFunc(1)
	}
}
