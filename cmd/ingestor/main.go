package main

import (
	"fmt"
	"os"

	"github.com/Adithya-Monish-Kumar-K/event-ingestion/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "ingestor: %v\n", err)
		os.Exit(1)
	}
}
