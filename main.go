package main

import (
	"os"

	"github.com/spigell/eor-quoter/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
