package main

import (
	"fmt"
	"os"

	"github.com/umiacs/nexus-status/pkg/dashboard/cli"
)

// Main entry point for `nexus_dashboard` app.
func main() {
	// Create a new app
	dashboard, err := cli.NewDashboard()
	if err != nil {
		panic("Failed to create an instance of Nexus Dashboard App")
	}

	// Main entrypoint of the app
	if err := dashboard.Main(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
