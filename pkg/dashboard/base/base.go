// Package base defines base variables that will be used in dashboard package
package base

import (
	"github.com/alecthomas/kingpin/v2"
)

// DashboardAppName is kingpin app name.
const DashboardAppName = "nexus_dashboard"

// DashboardApp is kingpin CLI app.
var DashboardApp = *kingpin.New(
	DashboardAppName,
	"Nexus cluster status dashboard server with token and GitHub OAuth logins.",
)
