package main

import (
	"log"

	"github.com/hvgo/barevisor/flag"
)

func main() {
	if err := flag.Parse(); err != nil {
		log.Fatal(err)
	}
}
