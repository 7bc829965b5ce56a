// Package config parses this relay's command-line surface into a
// ready-to-run supervisor.Config using flag.NewFlagSet, a custom
// Usage func, and a Flags-to-Config validation step. Unlike a typical
// .env-backed configuration loader, there is no file-based credential
// store here: every setting for this relay comes from the command
// line.
package config

import (
	"flag"
	"fmt"
	"net/url"
	"os"

	"github.com/relaylabs/rtsp2tcp/internal/logging"
	"github.com/relaylabs/rtsp2tcp/internal/rtsp"
	"github.com/relaylabs/rtsp2tcp/internal/supervisor"
)

const defaultPort = 9001

// Flags mirrors this relay's CLI surface:
// progName [-t] [-u user pass] [-g user-agent] [-p tcp-server-port] [-K] <rtsp-url>
type Flags struct {
	Tunnel    bool
	Username  string
	Password  string
	UserAgent string
	Port      int
	KeepAlive bool
	URL       string

	Logging *logging.Flags

	// userFlag records a "-u" seen by fs.Parse, which stops at the
	// username that follows it.
	userFlag bool
	fs       *flag.FlagSet
}

// RegisterFlags registers this relay's flags (plus the logging flags)
// on fs and returns the Flags that fs.Parse will populate.
func RegisterFlags(fs *flag.FlagSet) *Flags {
	f := &Flags{fs: fs}

	fs.BoolVar(&f.Tunnel, "t", false, "Tunnel RTP/RTCP over the TCP control connection instead of UDP")
	fs.BoolVar(&f.userFlag, "u", false, "Install Basic/Digest credentials from the next two arguments: user pass")
	fs.StringVar(&f.UserAgent, "g", "", "User-Agent header for outbound RTSP requests")
	fs.IntVar(&f.Port, "p", defaultPort, "Listening TCP port for fan-out")
	fs.BoolVar(&f.KeepAlive, "K", false, "Enable keep-alive OPTIONS probing for broken servers")

	f.Logging = logging.RegisterFlags(fs)

	return f
}

// ParseUserCredentials consumes the "-u user pass" two-token flag by
// hand, since the flag package has no native two-argument flag form.
// It must be called after fs.Parse with fs.Args(), and returns the
// remaining arguments (with "user pass" stripped if -u was present).
// Flags that follow "-u user pass" are parsed here, since fs.Parse
// stopped at the username.
func (f *Flags) ParseUserCredentials(args []string) ([]string, error) {
	if f.userFlag {
		if len(args) < 2 {
			return nil, fmt.Errorf("config: -u requires a username and password")
		}
		f.Username, f.Password = args[0], args[1]
		if err := f.fs.Parse(args[2:]); err != nil {
			return nil, err
		}
		args = f.fs.Args()
	}
	out := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		if args[i] == "-u" || args[i] == "--u" {
			if i+2 >= len(args) {
				return nil, fmt.Errorf("config: -u requires a username and password")
			}
			f.Username = args[i+1]
			f.Password = args[i+2]
			i += 2
			continue
		}
		out = append(out, args[i])
	}
	return out, nil
}

// Usage prints the CLI's usage block: a one-line synopsis followed
// by the flag defaults.
func Usage(fs *flag.FlagSet, progName string) func() {
	return func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [-t] [-u user pass] [-g user-agent] [-p tcp-server-port] [-K] <rtsp-url>\n\n", progName)
		fmt.Fprintf(os.Stderr, "Relays RTP/RTCP media from an RTSP source to plain-TCP fan-out clients.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		fs.PrintDefaults()
	}
}

// ToSupervisorConfig validates the parsed Flags and builds a ready-to-
// run supervisor.Config. A validation failure here is a usage error.
func (f *Flags) ToSupervisorConfig() (supervisor.Config, error) {
	if f.URL == "" {
		return supervisor.Config{}, fmt.Errorf("config: missing required <rtsp-url> argument")
	}
	parsed, err := url.Parse(f.URL)
	if err != nil {
		return supervisor.Config{}, fmt.Errorf("config: invalid rtsp-url %q: %w", f.URL, err)
	}
	if parsed.Scheme != "rtsp" && parsed.Scheme != "rtsps" {
		return supervisor.Config{}, fmt.Errorf("config: rtsp-url must use the rtsp:// or rtsps:// scheme, got %q", f.URL)
	}

	if f.Port <= 0 || f.Port > 65535 {
		return supervisor.Config{}, fmt.Errorf("config: -p port %d out of range (must be >0 and fit in 16 bits)", f.Port)
	}

	transport := rtsp.TransportUDP
	if f.Tunnel {
		transport = rtsp.TransportTCP
	}

	userAgent := f.UserAgent
	if userAgent == "" {
		userAgent = "rtsp2tcp/1.0"
	}

	return supervisor.Config{
		RTSP: rtsp.Config{
			URL:       f.URL,
			Username:  f.Username,
			Password:  f.Password,
			UserAgent: userAgent,
			Transport: transport,
			KeepAlive: f.KeepAlive,
		},
		Port:           f.Port,
		MaxPayloadSize: 1 << 20, // 1 MiB
	}, nil
}
