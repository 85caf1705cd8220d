package main

import (
	"fmt"
	"io"
	"text/template"
	"time"
)

// The "flag" package is not tty aware so we've arbitrarily picked 100 columns as a conservative tty
// width for the usage output.

const usageMessageTemplate = `
NAME
          {{.ProxyProgramName}} -- a forwarding HTTP/HTTPS proxy

SYNOPSIS
          {{.ProxyProgramName}} [options] [nameserver...]

DESCRIPTION
          {{.ProxyProgramName}} accepts proxy requests from clients and drives one outbound origin
          connection per client. Absolute-form requests are forwarded to the origin, CONNECT
          requests become byte tunnels, and policy outcomes such as redirects, rewritten pages and
          static files are fabricated locally from the web root.

          Origin hostnames are resolved against the nameservers given on the command line
          (host[:port] form) or, when none are given, against the nameservers found in the
          resolv.conf file. The first nameserver is preferred until it fails.

          All origin sockets are non-blocking and multiplexed onto a single epoll instance, so a
          single process handles many concurrent clients without a thread per connection.

SIGNALS
          SIGUSR1 prints a status report. SIGINT, SIGHUP and SIGTERM cause a clean shutdown.

OPTIONS
`

// usage prints the usage message to the designated output. Then flags print to their designated
// output which may well be a different output writer.
func usage(out io.Writer) {
	tmpl, err := template.New("usage").Parse(usageMessageTemplate)
	if err != nil {
		fmt.Fprintln(out, "Damn: Internal error:", err) // Never expected to happen
		return
	}
	err = tmpl.Execute(out, consts)
	if err != nil {
		fmt.Fprintln(out, "Damn: Internal error:", err)
		return
	}
	flagSet.SetOutput(out)
	flagSet.PrintDefaults()
}

// parseCommandLine sets up the flag definitions and parses the supplied arguments.
func parseCommandLine(args []string) error {
	flagSet.BoolVar(&cfg.help, "h", false, "Print usage message to Stdout then exit(0)")
	flagSet.BoolVar(&cfg.help, "help", false, "Print usage message to Stdout then exit(0)")
	flagSet.BoolVar(&cfg.verbose, "v", false, "Verbose status reporting to Stdout")
	flagSet.BoolVar(&cfg.debug, "debug", false, "Development logging with debug level enabled")

	flagSet.StringVar(&cfg.listenAddress, "A", ":3128", "Listen `address` for inbound proxy clients")

	flagSet.StringVar(&cfg.webRoot, "web-root", "html", "`Directory` holding locally served pages")
	flagSet.StringVar(&cfg.bind4, "bind4", "", "Local `address` to bind IPv4 origin sockets to")
	flagSet.StringVar(&cfg.bind6, "bind6", "", "Local `address` to bind IPv6 origin sockets to")
	flagSet.Var(&cfg.local, "L", "`host:port` allowed to reach this machine's own addresses ('*' wildcards, repeatable)")
	flagSet.StringVar(&cfg.logDownload, "log-download", "download", "`Name` of the download log channel")

	flagSet.StringVar(&cfg.resolvConf, "c", "/etc/resolv.conf",
		"resolv.conf `file` supplying nameservers when none are on the command line")
	flagSet.DurationVar(&cfg.minimumTTL, "min-ttl", time.Minute, "Floor applied to DNS cache lifetimes")
	flagSet.DurationVar(&cfg.statusInterval, "i", time.Minute*15, "Periodic status report `interval`")
	flagSet.DurationVar(&cfg.sweepInterval, "sweep", time.Minute, "DNS cache expiry sweep `interval`")

	// gops and go pprof settings

	flagSet.BoolVar(&cfg.gops, "gops", false, "Start github.com/google/gops agent")
	flagSet.StringVar(&cfg.cpuprofile, "cpu-profile", "", "write cpu profile to `file`")
	flagSet.StringVar(&cfg.memprofile, "mem-profile", "", "write mem profile to `file`")

	// Process Constraint parameters

	flagSet.StringVar(&cfg.setuidName, "user", "", "setuid `username` to constrain process after start-up (disabled for Linux)")
	flagSet.StringVar(&cfg.setgidName, "group", "", "setgid `groupname` to constrain process after start-up (disabled for Linux)")
	flagSet.StringVar(&cfg.chrootDir, "chroot", "", "chroot `directory` to constrain process after start-up")

	flagSet.BoolVar(&cfg.version, "version", false, "Print version and exit")

	return flagSet.Parse(args[1:])
}
