package main

import (
	"os"

	"github.com/hkuds/vmpool/cmd/vmpool/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
