package main

import (
	"os"

	"github.com/rflandau/Lockstep/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
