//go:build !test

package main

import (
	"log"

	"github.com/bobuhiro11/vioports/cli"
)

func main() {
	if err := cli.Run(); err != nil {
		log.Fatal(err)
	}
}
