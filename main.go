package main

import (
	"os"

	"github.com/chassisd/chassis/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
