package logging

import (
	"flag"
	"fmt"
	"strings"
)

// Flags holds the logging-related command-line flags: level, format,
// output file, and one bool per debug category.
type Flags struct {
	LogLevel     string
	LogFormat    string
	LogFile      string
	DebugRTP     bool
	DebugNAL     bool
	DebugReactor bool
	DebugRTSP    bool
	DebugSink    bool
	DebugAll     bool
}

// RegisterFlags registers the logging flags on fs.
func RegisterFlags(fs *flag.FlagSet) *Flags {
	f := &Flags{}

	fs.StringVar(&f.LogLevel, "log-level", "info", "Log level: debug, info, warn, error")
	fs.StringVar(&f.LogFormat, "log-format", "text", "Log output format: text, json")
	fs.StringVar(&f.LogFile, "log-file", "", "Log output file path (default: stdout, with error-level records on stderr)")

	fs.BoolVar(&f.DebugRTP, "debug-rtp", false, "Enable detailed RTP packet debugging")
	fs.BoolVar(&f.DebugNAL, "debug-nal", false, "Enable detailed NAL unit debugging")
	fs.BoolVar(&f.DebugReactor, "debug-reactor", false, "Enable reactor dispatch debugging")
	fs.BoolVar(&f.DebugRTSP, "debug-rtsp", false, "Enable RTSP protocol debugging")
	fs.BoolVar(&f.DebugSink, "debug-sink", false, "Enable fan-out sink debugging")
	fs.BoolVar(&f.DebugAll, "debug-all", false, "Enable all debug categories")

	return f
}

// ToConfig converts Flags into a logging Config.
func (f *Flags) ToConfig() (*Config, error) {
	cfg := NewConfig()

	level, err := ParseLevel(f.LogLevel)
	if err != nil {
		return nil, err
	}
	cfg.Level = level

	format, err := ParseFormat(f.LogFormat)
	if err != nil {
		return nil, err
	}
	cfg.Format = format
	cfg.OutputFile = f.LogFile

	if f.DebugAll {
		cfg.EnableCategory(CategoryAll)
		cfg.Level = LevelDebug
	} else {
		for cat, enabled := range map[Category]bool{
			CategoryRTP:     f.DebugRTP,
			CategoryNAL:     f.DebugNAL,
			CategoryReactor: f.DebugReactor,
			CategoryRTSP:    f.DebugRTSP,
			CategorySink:    f.DebugSink,
		} {
			if enabled {
				cfg.EnableCategory(cat)
				cfg.Level = LevelDebug
			}
		}
	}

	return cfg, nil
}

// String renders the enabled flags for a one-line startup log entry.
func (f *Flags) String() string {
	parts := []string{
		fmt.Sprintf("level=%s", f.LogLevel),
		fmt.Sprintf("format=%s", f.LogFormat),
	}
	if f.LogFile != "" {
		parts = append(parts, fmt.Sprintf("output=%s", f.LogFile))
	} else {
		parts = append(parts, "output=stdout")
	}

	var debug []string
	if f.DebugAll {
		debug = append(debug, "all")
	} else {
		if f.DebugRTP {
			debug = append(debug, "rtp")
		}
		if f.DebugNAL {
			debug = append(debug, "nal")
		}
		if f.DebugReactor {
			debug = append(debug, "reactor")
		}
		if f.DebugRTSP {
			debug = append(debug, "rtsp")
		}
		if f.DebugSink {
			debug = append(debug, "sink")
		}
	}
	if len(debug) > 0 {
		parts = append(parts, fmt.Sprintf("debug=[%s]", strings.Join(debug, ",")))
	}

	return strings.Join(parts, " ")
}
