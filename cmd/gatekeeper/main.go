package main

import (
	"os"

	"github.com/msageha/gatekeeper/internal/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
