// Package config holds the session-wide settings a tickmeshd process is
// launched with.
package config

import "github.com/corvidgames/tickmesh/internal/eventlog"

// Config is the flat, defaulted settings struct a tickmeshd process is
// launched with.
type Config struct {
	// ListenPort is the local UDP port the session binds to.
	ListenPort uint16

	// MaxPeers bounds the lobby's roster size.
	MaxPeers int

	// TickRate is the fixed simulation rate in ticks per second.
	TickRate int

	// LogDir is where the event log's per-run SQLite databases are
	// created.
	LogDir string

	// DisableLog turns off event logging entirely for this process.
	DisableLog bool
}

// Default returns the settings a tickmeshd process uses unless overridden
// by its command-line arguments.
func Default() Config {
	return Config{
		ListenPort: 7777,
		MaxPeers:   8,
		TickRate:   60,
		LogDir:     eventlog.DefaultDir(),
		DisableLog: false,
	}
}
