package main

import (
	"os"

	"github.com/tphakala/featherfront/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
