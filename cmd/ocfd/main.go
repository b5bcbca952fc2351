package main

import (
	"fmt"
	"os"

	"onchainflip/apps/coord/cmd/ocfd/cmd"
)

func main() {
	rootCmd := cmd.NewRootCmd()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
