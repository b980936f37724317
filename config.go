package coordd

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"pkt.systems/coordd/internal/archive"
	"pkt.systems/coordd/internal/core"
)

const (
	// DefaultPort is the TCP port the coordinator listens on when neither
	// --port nor --listen is given.
	DefaultPort = 8080
	// DefaultListen is DefaultPort on every interface.
	DefaultListen = ":8080"
	// DefaultListenProto is the network passed to net.Listen.
	DefaultListenProto = "tcp"
	// DefaultLogFile is the event log path, relative to the working directory.
	DefaultLogFile = "coordd.log"
	// DefaultReleasePolicy accepts any release once a grant is outstanding.
	DefaultReleasePolicy = string(core.ReleaseLenient)
	// DefaultShutdownTimeout bounds graceful shutdown, including archiving.
	DefaultShutdownTimeout = 10 * time.Second
	// DefaultConnguardFailureThreshold is the number of protocol violations
	// within the window that blocks a host.
	DefaultConnguardFailureThreshold = 5
	// DefaultConnguardFailureWindow is the violation counting window.
	DefaultConnguardFailureWindow = 10 * time.Second
	// DefaultConnguardBlockDuration is how long a host stays blocked.
	DefaultConnguardBlockDuration = 5 * time.Minute
	// DefaultConfigFileName is the file looked up in DefaultConfigDir.
	DefaultConfigFileName = "config.yaml"
)

// Config captures the tunables for a coordd server.
type Config struct {
	// Listen is the address passed to net.Listen, e.g. ":8080".
	Listen string
	// ListenProto is tcp, tcp4, tcp6 or unix.
	ListenProto string

	// LogFile is the append-only event log.
	LogFile string
	// LogNoSync skips the fsync after every event line.
	LogNoSync bool

	// ReleasePolicy is "lenient" (any release ends the hold) or "strict"
	// (only a release carrying the holder's id does).
	ReleasePolicy string

	// Console enables the operator commands on stdin.
	Console bool

	MetricsListen          string
	PprofListen            string
	EnableProfilingMetrics bool
	OTLPEndpoint           string

	ConnguardEnabled          bool
	ConnguardFailureThreshold int
	ConnguardFailureWindow    time.Duration
	ConnguardBlockDuration    time.Duration

	// ArchiveStore, when set, is an s3:// URL the event log is uploaded to
	// after shutdown.
	ArchiveStore string

	ShutdownTimeout time.Duration
}

// ListenForPort returns the listen address for a bare port number.
func ListenForPort(port int) string {
	return fmt.Sprintf(":%d", port)
}

// Validate fills defaults and rejects unusable settings.
func (c *Config) Validate() error {
	c.Listen = strings.TrimSpace(c.Listen)
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	c.ListenProto = strings.ToLower(strings.TrimSpace(c.ListenProto))
	if c.ListenProto == "" {
		c.ListenProto = DefaultListenProto
	}
	switch c.ListenProto {
	case "tcp", "tcp4", "tcp6":
		if _, port, err := net.SplitHostPort(c.Listen); err != nil {
			return fmt.Errorf("config: listen %q: %w", c.Listen, err)
		} else if port == "" {
			return fmt.Errorf("config: listen %q is missing a port", c.Listen)
		}
	case "unix":
	default:
		return fmt.Errorf("config: listen proto must be tcp, tcp4, tcp6 or unix (got %q)", c.ListenProto)
	}

	c.LogFile = strings.TrimSpace(c.LogFile)
	if c.LogFile == "" {
		c.LogFile = DefaultLogFile
	}

	policy, ok := core.ParseReleasePolicy(strings.ToLower(strings.TrimSpace(c.ReleasePolicy)))
	if !ok {
		return fmt.Errorf("config: release policy must be %q or %q (got %q)", core.ReleaseLenient, core.ReleaseStrict, c.ReleasePolicy)
	}
	c.ReleasePolicy = string(policy)

	if c.EnableProfilingMetrics && strings.TrimSpace(c.MetricsListen) == "" {
		return fmt.Errorf("config: profiling metrics require metrics-listen")
	}

	if c.ConnguardFailureThreshold < 0 {
		return fmt.Errorf("config: connguard failure threshold must be >= 0")
	}
	if c.ConnguardFailureThreshold == 0 {
		c.ConnguardFailureThreshold = DefaultConnguardFailureThreshold
	}
	if c.ConnguardFailureWindow < 0 || c.ConnguardBlockDuration < 0 {
		return fmt.Errorf("config: connguard durations must be >= 0")
	}
	if c.ConnguardFailureWindow == 0 {
		c.ConnguardFailureWindow = DefaultConnguardFailureWindow
	}
	if c.ConnguardBlockDuration == 0 {
		c.ConnguardBlockDuration = DefaultConnguardBlockDuration
	}

	c.ArchiveStore = strings.TrimSpace(c.ArchiveStore)
	if c.ArchiveStore != "" {
		if _, err := archive.ParseURL(c.ArchiveStore); err != nil {
			return fmt.Errorf("config: archive store: %w", err)
		}
	}

	if c.ShutdownTimeout < 0 {
		return fmt.Errorf("config: shutdown timeout must be >= 0")
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	return nil
}

// DefaultConfigDir returns the default configuration directory ($HOME/.coordd),
// overridable with COORDD_CONFIG_DIR.
func DefaultConfigDir() (string, error) {
	if override := strings.TrimSpace(os.Getenv("COORDD_CONFIG_DIR")); override != "" {
		return filepath.Abs(override)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".coordd"), nil
}
