package main

import (
	"log"
	"os"

	"github.com/Avicted/sigil/internal/securelog"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		securelog.Error("sigil", err)
		log.Printf("fatal: %v", err)
		os.Exit(1)
	}
}
