package main

import (
	"time"

	"github.com/emanuelemazza/exaproxy/internal/flagutil"
)

type config struct {
	debug   bool // Development logging with debug level enabled
	gops    bool
	help    bool
	verbose bool
	version bool

	listenAddress string // Listen address for inbound proxy clients

	webRoot     string
	bind4       string
	bind6       string
	local       flagutil.HostPortValue // Allowlist entries guarding locally-owned destinations
	logDownload string                 // Name of the download log channel

	resolvConf     string // Nameserver source when none given on the command line
	minimumTTL     time.Duration
	statusInterval time.Duration
	sweepInterval  time.Duration

	cpuprofile, memprofile string

	setuidName, setgidName, chrootDir string // Process constraint settings
}
