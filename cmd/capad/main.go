package main

import (
	"log"
	"os"

	"github.com/opencapa/capa-engine/internal/cli"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmsgprefix)
	if err := cli.Execute(); err != nil {
		log.Printf("capad: %v", err)
		os.Exit(1)
	}
}
