// accept proxy clients and drive their origin connections through one epoll-driven event loop
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"runtime"
	"runtime/pprof"
	"strings"
	"time"

	"github.com/google/gops/agent"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/emanuelemazza/exaproxy/internal/constants"
	"github.com/emanuelemazza/exaproxy/internal/content"
	"github.com/emanuelemazza/exaproxy/internal/frontend"
	"github.com/emanuelemazza/exaproxy/internal/osutil"
	"github.com/emanuelemazza/exaproxy/internal/poller"
	"github.com/emanuelemazza/exaproxy/internal/reactor"
	"github.com/emanuelemazza/exaproxy/internal/reporter"
	"github.com/emanuelemazza/exaproxy/internal/resolver"
	"github.com/emanuelemazza/exaproxy/internal/webpage"
)

// Program-wide variables
var (
	consts = constants.Get()
	cfg    *config

	stdout io.Writer // All I/O goes via these writers
	stderr io.Writer

	startTime                = time.Now()
	mainStarted, mainStopped bool // Record state transitions thru main (used by tests)
	stopChannel              chan os.Signal
	flagSet                  *flag.FlagSet
)

//////////////////////////////////////////////////////////////////////

func fatal(args ...interface{}) int {
	fmt.Fprint(stderr, "Fatal: ", consts.ProxyProgramName, ": ")
	fmt.Fprintln(stderr, args...)

	return 1
}

func stopMain() {
	stopChannel <- os.Interrupt
}

//////////////////////////////////////////////////////////////////////
// main wrappers make it easy for test programs
//////////////////////////////////////////////////////////////////////

// mainInit resets everything such that mainExecute() can be called multiple times in one program
// execution. stopChannel is buffered as the reader may disappear if there is a fatal error and
// multiple writers may try and write to the channel and we don't want those writers to stall
// forever.
func mainInit(out io.Writer, err io.Writer) {
	cfg = &config{}
	stdout = out
	stderr = err
	mainStarted = false
	mainStopped = false
	stopChannel = make(chan os.Signal, 4) // All reasonable signals cause us to quit or stats report
	osutil.NotifySignals(stopChannel)
}

func main() {
	mainInit(os.Stdout, os.Stderr)
	os.Exit(mainExecute(os.Args))
}

func mainExecute(args []string) int {
	flagSet = flag.NewFlagSet(args[0], flag.ContinueOnError)
	flagSet.SetOutput(stderr)
	err := parseCommandLine(args)
	if err != nil {
		return 1 // Error already printed by the flag package
	}
	if cfg.help {
		usage(stdout)
		return 0
	}
	if cfg.version {
		fmt.Fprintln(stdout, consts.ProxyProgramName, "Version:", consts.Version)
		return 0
	}

	// Validate nameserver settings. Positional arguments are nameservers in host[:port] form;
	// without any we fall back to the resolv.conf file.

	var servers []string
	for _, ns := range flagSet.Args() {
		if ip := net.ParseIP(ns); ip != nil && strings.Contains(ns, ":") {
			ns = "[" + ns + "]" // Naked ipv6, wrap it so the port can be appended
		}
		if !(strings.LastIndex(ns, ":") > strings.LastIndex(ns, "]")) {
			ns = fmt.Sprintf("%s:%s", ns, consts.DNSDefaultPort)
		}
		servers = append(servers, ns)
	}
	if len(servers) == 0 && len(cfg.resolvConf) == 0 {
		return fatal("Must supply nameservers or a resolv.conf path (-c)")
	}

	log, closeLog, err := newLogger(cfg.debug)
	if err != nil {
		return fatal(err)
	}
	defer closeLog()

	if cfg.gops {
		if err := agent.Listen(agent.Options{}); err != nil {
			return fatal(err)
		}
		defer agent.Close()
	}

	// Start CPU profiling now that most error checking is complete

	if len(cfg.cpuprofile) > 0 {
		f, err := os.Create(cfg.cpuprofile)
		if err != nil {
			return fatal(err)
		}
		defer f.Close()
		if err := pprof.StartCPUProfile(f); err != nil {
			return fatal(err)
		}
		defer pprof.StopCPUProfile()
	}

	// Memory profile is triggered at the end of the program but we open the output file and
	// hold it open prior to any possible chroot/setuid/setgid action.

	var memProfileFile *os.File
	if len(cfg.memprofile) > 0 {
		memProfileFile, err = os.Create(cfg.memprofile)
		if err != nil {
			return fatal(err)
		}
		defer memProfileFile.Close()
	}

	// Construct the upstream machinery: poller, content manager, resolver, reactor, frontend.

	ep, err := poller.NewEpoll()
	if err != nil {
		return fatal(err)
	}
	defer ep.Close()

	// The web root must be expressed as the process will see it after any chroot; a web root
	// outside the chroot is a configuration error caught here.

	webRoot, err := osutil.ChrootRelative(cfg.webRoot, cfg.chrootDir)
	if err != nil {
		return fatal(err)
	}

	manager, err := content.New(content.Config{
		WebRoot:     webRoot,
		Bind4:       cfg.bind4,
		Bind6:       cfg.bind6,
		Local:       cfg.local.Pairs(),
		LogName:     cfg.logDownload,
		IsLocalAddr: isLocalAddr,
	}, ep, nil, log)
	if err != nil {
		return fatal(err)
	}

	res, err := resolver.New(resolver.Config{
		ResolvConfPath: cfg.resolvConf,
		Servers:        servers,
		MinimumTTL:     cfg.minimumTTL,
	}, log)
	if err != nil {
		return fatal(err)
	}

	react, err := reactor.New(manager, ep, log)
	if err != nil {
		return fatal(err)
	}
	fe := frontend.New(manager, res, react, log)
	react.Attach(fe)

	reporters := []reporter.Reporter{manager, res, ep, react, fe}
	manager.SetPages(webpage.New(consts.ProxyProgramName, startTime, reporters))

	listener, err := net.Listen("tcp", cfg.listenAddress)
	if err != nil {
		return fatal(err)
	}

	// Constrain the process via setuid/setgid/chroot now that the listen socket is open. This
	// is a no-op call if all parameters are empty strings.

	err = osutil.Constrain(cfg.setuidName, cfg.setgidName, cfg.chrootDir)
	if err != nil {
		return fatal(err)
	}
	if cfg.verbose {
		fmt.Fprintln(stdout, consts.ProxyProgramName, consts.Version, "Starting on", listener.Addr())
		fmt.Fprintf(stdout, "Constraints: %s\n", osutil.ConstraintReport())
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	group, gctx := errgroup.WithContext(ctx)

	group.Go(func() error { return react.Run(gctx) })
	group.Go(func() error { return fe.Serve(gctx, listener) })
	group.Go(func() error { return sweeper(gctx, res, cfg.sweepInterval) })

	// Loop forever giving periodic status reports and checking for a termination event.

	mainStarted = true // Tell testers that we're up and running
	nextStatusIn := nextInterval(time.Now(), cfg.statusInterval)

Running:
	for {
		select {
		case s := <-stopChannel:
			if osutil.IsStatusSignal(s) {
				statusReport("User1", false, reporters)
				break
			}
			if cfg.verbose {
				fmt.Fprintln(stdout, "\nSignal", s)
			}
			break Running // All signals bar USR1 cause loop exit

		case <-gctx.Done():
			cancel()
			return fatal(group.Wait()) // A server component failed

		case <-time.After(nextStatusIn):
			if cfg.verbose {
				statusReport("Status", true, reporters)
			}
			nextStatusIn = nextInterval(time.Now(), cfg.statusInterval)
		}
	}

	cancel()
	mainStopped = true
	if err := group.Wait(); err != nil {
		return fatal(err)
	}

	if cfg.verbose {
		statusReport("Status", true, reporters) // One last report prior to exiting
		fmt.Fprintln(stdout, consts.ProxyProgramName, consts.Version, "Exiting after", uptime())
	}

	// Memory profile is written at the end of the program

	if memProfileFile != nil {
		runtime.GC() // get up-to-date statistics
		err := pprof.WriteHeapProfile(memProfileFile)
		if err != nil {
			return fatal(err)
		}
	}

	return 0
}

// newLogger builds the zap logger all packages share. Production encoding unless --debug asked
// for the development flavor.
func newLogger(debug bool) (*zap.Logger, func(), error) {
	zcfg := zap.NewProductionConfig()
	if debug {
		zcfg = zap.NewDevelopmentConfig()
		zcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	zcfg.OutputPaths = []string{"stderr"}
	zcfg.ErrorOutputPaths = []string{"stderr"}

	log, err := zcfg.Build()
	if err != nil {
		return nil, nil, err
	}

	return log, func() { log.Sync() }, nil
}

// sweeper periodically expires resolver cache entries.
func sweeper(ctx context.Context, res *resolver.Resolver, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			res.Sweep(now)
		}
	}
}

// isLocalAddr reports whether host is one of this machine's own interface addresses. The
// interface set changes at runtime so it is queried per call, never cached.
func isLocalAddr(host string) bool {
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}

	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return false
	}
	for _, addr := range addrs {
		if ipNet, ok := addr.(*net.IPNet); ok && ipNet.IP.Equal(ip) {
			return true
		}
	}

	return false
}

// nextInterval calculates the duration to the modulo interval next time. If now is 00:01:17 and
// interval is 30s then return is 13s which is the duration to the next modulo of 00:01:30.
func nextInterval(now time.Time, interval time.Duration) time.Duration {
	return now.Truncate(interval).Add(interval).Sub(now)
}

// uptime calculates how long this server has been running and returns a print-friendly and
// granularity-appropriate representation of that duration.
func uptime() string {
	return time.Since(startTime).Truncate(time.Second).String()
}

// statusReport prints stats about the server and all known reporters
func statusReport(what string, resetCounters bool, reporters []reporter.Reporter) {
	fmt.Fprintln(stdout, "Status Up:", consts.ProxyProgramName, consts.Version, uptime())
	for _, r := range reporters {
		reps := strings.Split(r.Report(resetCounters), "\n")
		for _, s := range reps {
			if len(s) > 0 {
				fmt.Fprintf(stdout, "%s %s: %s\n", what, r.Name(), s)
			}
		}
	}
}
