package main

import (
	"os"

	"github.com/srediag/plugin-dgram/cmd/dgramd/cmd"
)

func main() {
	if err := cmd.Root.Execute(); err != nil {
		os.Exit(1)
	}
}
