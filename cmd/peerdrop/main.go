package main

import (
	"os"

	"peerdrop/cmd/peerdrop/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
