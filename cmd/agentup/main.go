// Package main provides the agentup command-line application.
// It keeps an installed agent binary in sync with its published releases.
package main

import (
	"log"
	"os"

	"github.com/cloud-agent-project/agentup/internal/cli"
)

func main() {
	app := cli.NewApp()

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
