package main

import (
	"os"

	"github.com/quantumauth-io/walletlink-client/cmd/walletlink-client/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
