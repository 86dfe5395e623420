// Package main is the entry point of the orbital binary.
package main

import (
	"log"

	"github.com/orbital-hq/orbital/cli"
)

func main() {
	if err := cli.RootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
