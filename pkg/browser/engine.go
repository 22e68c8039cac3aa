package browser

import (
	"context"
)

// Page is a single execution context (tab) inside a worker.
type Page interface {
	Navigate(ctx context.Context, target string) error
	Close(ctx context.Context) error
}

// RequestCollector is implemented by pages able to report every network
// request issued while navigating.
type RequestCollector interface {
	NavigateAndCollect(ctx context.Context, target string) ([]string, error)
}

// Handle is the owned connection to one automation-engine process.
type Handle interface {
	// PID returns the process id of the primary engine process, if known.
	PID() (int, bool)
	Pages(ctx context.Context) ([]Page, error)
	NewPage(ctx context.Context) (Page, error)
	IsConnected() bool
	// Disconnect releases the transport without asking the engine to exit.
	Disconnect() error
	// Shutdown asks the engine to exit cleanly.
	Shutdown(ctx context.Context) error
	// Version returns the engine product string, e.g. "HeadlessChrome/126.0.6478.126".
	Version(ctx context.Context) (string, error)
}

// LaunchOptions are the process level settings applied on spawn.
type LaunchOptions struct {
	Bin             string
	Headless        bool
	NoSandbox       bool
	Proxy           string
	DiskCacheBytes  int
	MediaCacheBytes int
	// Marker is appended to the engine command line so the worker processes
	// can be found by signature later on.
	Marker string
	// Flags are extra command line switches, name to value ("" for bare switches).
	Flags map[string]string
}

// Engine spawns automation-engine processes.
type Engine interface {
	Spawn(ctx context.Context, scratchDir string, opts LaunchOptions) (Handle, error)
}
