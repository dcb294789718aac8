// Package main is the entry point for keyforge.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/dshills/keyforge/internal/app"
	"github.com/dshills/keyforge/internal/console"
	"github.com/dshills/keyforge/internal/event"
	"github.com/dshills/keyforge/internal/modules/envcheck"
)

// Version information (set via ldflags during build).
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

type cliOptions struct {
	app.Options
	logFile string
	timeout time.Duration
}

func main() {
	os.Exit(run())
}

func run() int {
	opts, args := parseFlags()

	cmd := "console"
	if len(args) > 0 {
		cmd, args = args[0], args[1:]
	}

	var logOut io.WriteCloser
	switch {
	case opts.logFile != "":
		f, err := os.OpenFile(opts.logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		logOut = f
		opts.LogOutput = f
	case cmd == "console":
		opts.LogOutput = io.Discard
	}
	if logOut != nil {
		defer logOut.Close()
	}

	application, err := app.New(opts.Options)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to initialize: %v\n", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := application.Shutdown(sctx); err != nil {
			fmt.Fprintf(os.Stderr, "Error: shutdown: %v\n", err)
		}
	}()

	if err := application.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to start: %v\n", err)
		return 1
	}

	switch cmd {
	case "console":
		err = runConsole(ctx, application)
	case "list":
		err = runList(os.Stdout, application)
	case "check":
		err = runCheck(ctx, os.Stdout, application, opts.timeout)
	case "trigger":
		err = runTrigger(ctx, os.Stdout, application, args, opts.timeout)
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command %q\n", cmd)
		flag.Usage()
		return 2
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func runConsole(ctx context.Context, a *app.Application) error {
	c, err := console.NewTerminal(a.Modules(),
		console.WithSettings(a.Settings()),
		console.WithLogger(a.Logger()),
	)
	if err != nil {
		return err
	}
	return c.Run(ctx)
}

func runList(w io.Writer, a *app.Application) error {
	fmt.Fprintf(w, "%-34s %-11s %-10s %-3s %-10s %s\n", "ID", "STATE", "KIND", "CH", "VERSION", "AUTO")
	for _, m := range a.Modules().ListModules() {
		kind := "external"
		if m.Integrated {
			kind = "integrated"
		}
		auto := "-"
		if s, ok := a.Settings().Get(m.ID); ok {
			auto = "off"
			if s.AutoActivate {
				auto = "on"
			}
		}
		fmt.Fprintf(w, "%-34s %-11s %-10s %-3d %-10s %s\n", m.ID, m.State, kind, m.Channel, m.Metadata.Version, auto)
	}
	for _, f := range a.LoadFailures() {
		fmt.Fprintf(w, "failed: %v\n", f)
	}
	return nil
}

func runCheck(ctx context.Context, w io.Writer, a *app.Application, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	reply, err := request(ctx, a, event.EnvironmentCheckRequest, nil)
	if err != nil {
		return err
	}
	rt := a.Modules().RTValues()
	fmt.Fprintf(w, "environment ready: %v\n", reply["state"] == "1")
	keys := rt.Keys(envcheck.Namespace)
	sort.Strings(keys)
	for _, k := range keys {
		v, _ := rt.Lookup(envcheck.Namespace, k)
		fmt.Fprintf(w, "  %s = %v\n", k, v)
	}
	return nil
}

func runTrigger(ctx context.Context, w io.Writer, a *app.Application, args []string, timeout time.Duration) error {
	if len(args) == 0 {
		return errors.New("trigger: event id required")
	}
	params := make(event.Params)
	for _, kv := range args[1:] {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return fmt.Errorf("trigger: bad param %q, want key=value", kv)
		}
		params[k] = v
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	reply, err := request(ctx, a, args[0], params)
	if err != nil {
		return err
	}
	keys := make([]string, 0, len(reply))
	for k := range reply {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(w, "%s=%s\n", k, reply[k])
	}
	return nil
}

// request triggers id and waits for the first reply.
func request(ctx context.Context, a *app.Application, id string, params event.Params) (event.Params, error) {
	replies := make(chan event.Params, 1)
	_, heard := a.Modules().Trigger(id, params, func(_, _ string, p event.Params) {
		select {
		case replies <- p:
		default:
		}
	})
	if !heard {
		return nil, fmt.Errorf("%s: no module listens to this event", id)
	}
	select {
	case p := <-replies:
		return p, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%s: no reply: %w", id, ctx.Err())
	}
}

func parseFlags() (cliOptions, []string) {
	var opts cliOptions
	var showVersion bool
	var showHelp bool
	var noModules bool

	flag.StringVar(&opts.ConfigPath, "config", "", "Path to configuration file")
	flag.StringVar(&opts.ConfigPath, "c", "", "Path to configuration file (shorthand)")
	flag.StringVar(&opts.LogLevel, "log-level", "", "Log level (debug, info, warn, error)")
	flag.StringVar(&opts.logFile, "log-file", "", "Write logs to this file")
	flag.DurationVar(&opts.timeout, "timeout", 10*time.Second, "Reply timeout for check and trigger")
	flag.DurationVar(&opts.PassphraseTTL, "passphrase-ttl", 0, "Expire cached passphrases after this long")
	flag.BoolVar(&noModules, "no-modules", false, "Do not load external modules")
	flag.BoolVar(&showVersion, "version", false, "Show version information")
	flag.BoolVar(&showVersion, "v", false, "Show version information (shorthand)")
	flag.BoolVar(&showHelp, "help", false, "Show help message")
	flag.BoolVar(&showHelp, "h", false, "Show help message (shorthand)")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "keyforge - OpenPGP module runtime\n\n")
		fmt.Fprintf(os.Stderr, "Usage: keyforge [options] [command] [args...]\n\n")
		fmt.Fprintf(os.Stderr, "Commands:\n")
		fmt.Fprintf(os.Stderr, "  console                      Module controller (default)\n")
		fmt.Fprintf(os.Stderr, "  list                         List registered modules\n")
		fmt.Fprintf(os.Stderr, "  check                        Run the environment check\n")
		fmt.Fprintf(os.Stderr, "  trigger ID [key=value...]    Trigger an event and print the reply\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
	}

	flag.Parse()

	if showHelp {
		flag.Usage()
		os.Exit(0)
	}

	if showVersion {
		fmt.Printf("keyforge %s\n", version)
		fmt.Printf("Commit: %s\n", commit)
		fmt.Printf("Built: %s\n", date)
		os.Exit(0)
	}

	switch opts.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		fmt.Fprintf(os.Stderr, "Error: invalid log level %q (must be debug, info, warn, or error)\n", opts.LogLevel)
		os.Exit(1)
	}

	if noModules {
		_ = os.Setenv("KEYFORGE_NO_MODULES", "true")
	}
	return opts, flag.Args()
}
