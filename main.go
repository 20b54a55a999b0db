// The main package for the campsync executable.
package main

import (
	"github.com/machiya/campsync/cmd"
)

func main() {
	cmd.Execute()
}
