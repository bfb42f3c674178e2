package main

import (
	"fmt"
	"os"

	"github.com/umiacs/nexus-status/pkg/collector"
)

// Main entry point for `nexus_collector` app.
func main() {
	// Create a new app
	nexusCollector, err := collector.NewNexusCollector()
	if err != nil {
		panic("Failed to create an instance of Nexus Collector App")
	}

	// Main entrypoint of the app
	if err := nexusCollector.Main(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
