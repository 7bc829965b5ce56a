// Command rtsp2tcp relays elementary video frames from an RTSP source
// to plain-TCP fan-out clients, per the CLI surface described in
// internal/config: flag.NewFlagSet, a custom Usage func, logger-from-
// flags, then hand off to the Supervisor that owns the rest of the
// process lifetime.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/relaylabs/rtsp2tcp/internal/config"
	"github.com/relaylabs/rtsp2tcp/internal/logging"
	"github.com/relaylabs/rtsp2tcp/internal/reactor"
	"github.com/relaylabs/rtsp2tcp/internal/supervisor"
)

func main() {
	os.Exit(run())
}

func run() int {
	fs := flag.NewFlagSet("rtsp2tcp", flag.ContinueOnError)
	flags := config.RegisterFlags(fs)
	fs.Usage = config.Usage(fs, os.Args[0])

	if err := fs.Parse(os.Args[1:]); err != nil {
		return 1
	}

	rest, err := flags.ParseUserCredentials(fs.Args())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		fs.Usage()
		return 1
	}
	if len(rest) == 0 {
		fmt.Fprintln(os.Stderr, "Error: missing required <rtsp-url> argument")
		fs.Usage()
		return 1
	}
	flags.URL = rest[len(rest)-1]

	logConfig, err := flags.Logging.ToConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error configuring logger: %v\n", err)
		return 1
	}
	lgr, err := logging.New(logConfig)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating logger: %v\n", err)
		return 1
	}
	defer lgr.Close()
	logging.SetDefault(lgr)

	lgr.Info("starting rtsp2tcp relay", "log_config", flags.Logging.String())

	svCfg, err := flags.ToSupervisorConfig()
	if err != nil {
		lgr.Error("invalid configuration", "error", err)
		fs.Usage()
		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	r := reactor.New()

	go func() {
		sig := <-sigChan
		lgr.Info("received shutdown signal", "signal", sig)
		cancel()
		r.Watch().Trip()
	}()

	sv := supervisor.New(svCfg, r, lgr.Logger)
	return sv.Run(ctx)
}
