package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"git.sr.ht/~jakintosh/apisession/internal/config"
	"git.sr.ht/~jakintosh/apisession/internal/metrics"
	"github.com/juju/gnuflag"
	"github.com/juju/loggo"
)

var logger = loggo.GetLogger("apisession.cmd")

const (
	exitOK        = 0
	exitError     = 1
	exitAnonymous = 2
)

const usage = `usage: apisession [flags] <command> [args]

commands:
  login <email> <password>
  register <name> <email> <password>
  logout
  status
  get <path>
  delete <path>
  watch

flags:
`

var errUsage = errors.New("usage")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func run(
	ctx context.Context,
	args []string,
	stdout io.Writer,
	stderr io.Writer,
) int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitError
	}

	f := gnuflag.NewFlagSet("apisession", gnuflag.ContinueOnError)
	f.SetOutput(stderr)
	f.Usage = func() {
		fmt.Fprint(stderr, usage)
		f.PrintDefaults()
	}
	cfg.RegisterFlags(f)
	dumpMetrics := f.Bool("metrics", false, "print renewal metrics on exit")
	if err := f.Parse(true, args); err != nil {
		return exitError
	}
	if f.NArg() == 0 {
		f.Usage()
		return exitError
	}

	if err := loggo.ConfigureLoggers(cfg.LogLevel); err != nil {
		fmt.Fprintf(stderr, "invalid logging config %q: %v\n", cfg.LogLevel, err)
		return exitError
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(stderr, err)
		return exitError
	}

	a, err := newApp(cfg)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitError
	}
	defer func() {
		if *dumpMetrics {
			if err := metrics.WriteText(stderr, a.registry); err != nil {
				logger.Warningf("couldn't write metrics: %v", err)
			}
		}
		if err := a.close(); err != nil {
			logger.Warningf("couldn't close session: %v", err)
		}
	}()

	code, err := a.dispatch(ctx, f.Arg(0), f.Args()[1:], stdout)
	if errors.Is(err, errUsage) {
		f.Usage()
		return exitError
	}
	if err != nil {
		fmt.Fprintln(stderr, err)
		return exitError
	}
	return code
}
