// Package main is the framegrab command itself.
package main

import (
	"log"
	"os"

	"github.com/waypoint-ar/framesource/cli"
)

func main() {
	app := cli.NewApp(os.Stdout, os.Stderr)
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
