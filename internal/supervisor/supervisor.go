// Package supervisor glues the RTSP client engine to the TCP fan-out
// Sinks and owns process-lifetime exit gating: cyclic subsession<->
// client back-pointers and module-level globals (Authenticator, RTSP
// client handle, session, CLI flags, shutdown flags) collapse into one
// struct instantiated in main and threaded through callbacks instead.
//
// Adapted from a struct gluing an RTSP client to a downstream sink
// with Start/Stop lifecycle, reworked from goroutine+context.Context+
// sync.WaitGroup lifecycle management to reactor-task lifecycle: there
// are no independent goroutines here besides the reactor's own fd
// pumps, and shutdown happens by tripping the reactor's watch variable
// rather than cancelling a context.
package supervisor

import (
	"context"
	"log/slog"

	"github.com/relaylabs/rtsp2tcp/internal/reactor"
	"github.com/relaylabs/rtsp2tcp/internal/rtsp"
	"github.com/relaylabs/rtsp2tcp/internal/sink"
)

// Config is the fully-validated, ready-to-run configuration the
// Supervisor needs - assembled by internal/config from CLI flags.
type Config struct {
	RTSP rtsp.Config
	Port int

	// MaxPayloadSize bounds every Sink's reusable output buffer
	// (1 MiB by default).
	MaxPayloadSize int
}

// Supervisor is the single struct main constructs and holds for the
// life of the process.
type Supervisor struct {
	cfg     Config
	reactor *reactor.Reactor
	logger  *slog.Logger

	client *rtsp.Client

	sinks      map[int]*sink.Sink // keyed by subsession index
	clientDone int

	exitCode int
}

// New constructs a Supervisor. Call Run to start it.
func New(cfg Config, reactor *reactor.Reactor, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		cfg:     cfg,
		reactor: reactor,
		logger:  logger,
		sinks:   make(map[int]*sink.Sink),
	}
}

// Run opens the RTSP session and blocks until the reactor's watch
// variable is tripped (which the Supervisor itself does once the
// session fully shuts down). It returns the process exit code: 0 for
// an orderly end-of-stream, 1 for an unrecoverable error.
func (sv *Supervisor) Run(ctx context.Context) int {
	sv.client = rtsp.NewClient(sv.cfg.RTSP, rtsp.Callbacks{
		OnSubsessionReady:  sv.onSubsessionReady,
		OnSubsessionClosed: sv.onSubsessionClosed,
		OnShutdown:         sv.onShutdown,
	}, sv.reactor, sv.logger)

	if err := sv.client.Open(ctx); err != nil {
		sv.logger.Error("supervisor: failed to open RTSP session", "error", err)
		return 1
	}

	sv.reactor.Run()
	return sv.exitCode
}

// onSubsessionReady attaches a Sink to a newly-SETUP video subsession
// whose codec this relay can fan out.
func (sv *Supervisor) onSubsessionReady(ss *rtsp.Subsession) {
	s, err := sink.NewSink(sv.cfg.Port, sv.cfg.MaxPayloadSize, ss.Source, sv.reactor, sv.logger)
	if err != nil {
		sv.logger.Error("supervisor: failed to create sink", "subsession", ss.Index, "error", err)
		return
	}
	s.SetH264Framing(ss.Codec == "H264")
	sv.sinks[ss.Index] = s

	sv.logger.Info("supervisor: fan-out sink attached", "subsession", ss.Index, "codec", ss.Codec, "port", s.Port())
	s.StartPlaying()
}

// onSubsessionClosed closes the Sink bound to a subsession once its
// source ends.
func (sv *Supervisor) onSubsessionClosed(ss *rtsp.Subsession) {
	s, ok := sv.sinks[ss.Index]
	if !ok {
		return
	}
	delete(sv.sinks, ss.Index)
	if err := s.Close(); err != nil {
		sv.logger.Warn("supervisor: error closing sink", "subsession", ss.Index, "error", err)
	}
}

// onShutdown is the RTSP engine's terminal callback: the session has
// fully torn down and the process can exit. There is exactly one
// RTSP engine per process in this relay, so its shutdown is always
// the process's shutdown.
func (sv *Supervisor) onShutdown(exitCode int) {
	for idx, s := range sv.sinks {
		if err := s.Close(); err != nil {
			sv.logger.Warn("supervisor: error closing sink during shutdown", "subsession", idx, "error", err)
		}
	}
	sv.sinks = make(map[int]*sink.Sink)

	sv.exitCode = exitCode
	sv.logger.Info("supervisor: session ended", "exit_code", exitCode)
	sv.reactor.Watch().Trip()
}
