// Package browsertest provides an in-memory automation engine for tests.
package browsertest

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pyneda/rodwarden/pkg/browser"
)

// Engine is a fake browser.Engine handing out Handles.
type Engine struct {
	mu       sync.Mutex
	nextPID  int
	SpawnErr error
	// Product is reported by every spawned handle's Version.
	Product string
	Spawned []*Handle
}

// NewEngine returns a fake engine whose handles get pids from firstPID upwards.
func NewEngine(firstPID int) *Engine {
	return &Engine{nextPID: firstPID, Product: "HeadlessChrome/120.0.6099.109"}
}

// Spawn creates the scratch directory marker file and returns a new Handle.
func (e *Engine) Spawn(ctx context.Context, scratchDir string, opts browser.LaunchOptions) (browser.Handle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.SpawnErr != nil {
		return nil, e.SpawnErr
	}
	if err := os.WriteFile(filepath.Join(scratchDir, "Local State"), []byte("{}"), 0o600); err != nil {
		return nil, err
	}
	h := NewHandle(e.nextPID)
	h.Product = e.Product
	e.nextPID++
	e.Spawned = append(e.Spawned, h)
	return h, nil
}

// Handle is a fake browser.Handle. Exported knobs must be set before use.
type Handle struct {
	mu sync.Mutex

	Pid     int
	Product string

	ListDelay     time.Duration
	ListErr       error
	NewPageDelay  time.Duration
	NewPageErr    error
	// NewPageIgnoresCancel makes NewPage finish its delay even after its
	// context is done, like an engine call stuck past its deadline.
	NewPageIgnoresCancel bool
	NavigateDelay time.Duration
	NavigateErr   error
	CloseErr      error
	ShutdownDelay time.Duration
	ShutdownErr   error
	VersionErr    error
	// OnShutdown runs after a successful Shutdown, e.g. to drop the pid from a
	// fake process table.
	OnShutdown func()

	pages          []*Page
	pagesCreated   int
	connected      bool
	shutdownCalls  int
	disconnectCall int
}

// NewHandle returns a connected handle for pid (0 means no process).
func NewHandle(pid int) *Handle {
	return &Handle{Pid: pid, connected: true, Product: "HeadlessChrome/120.0.6099.109"}
}

// AddPages opens n idle pages.
func (h *Handle) AddPages(n int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i := 0; i < n; i++ {
		h.pages = append(h.pages, &Page{handle: h})
	}
}

// OpenPages returns how many pages are currently open.
func (h *Handle) OpenPages() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.pages)
}

// PagesCreated returns how many pages NewPage has opened.
func (h *Handle) PagesCreated() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.pagesCreated
}

// ShutdownCalls returns how many times Shutdown was invoked.
func (h *Handle) ShutdownCalls() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.shutdownCalls
}

// DisconnectCalls returns how many times Disconnect was invoked.
func (h *Handle) DisconnectCalls() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.disconnectCall
}

func (h *Handle) PID() (int, bool) {
	return h.Pid, h.Pid > 0
}

func (h *Handle) Pages(ctx context.Context) ([]browser.Page, error) {
	if err := sleep(ctx, h.ListDelay); err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.connected {
		return nil, browser.ErrConnectionClosed
	}
	if h.ListErr != nil {
		return nil, h.ListErr
	}
	pages := make([]browser.Page, 0, len(h.pages))
	for _, p := range h.pages {
		pages = append(pages, p)
	}
	return pages, nil
}

func (h *Handle) NewPage(ctx context.Context) (browser.Page, error) {
	h.mu.Lock()
	ignoreCancel := h.NewPageIgnoresCancel
	h.mu.Unlock()
	if ignoreCancel {
		time.Sleep(h.NewPageDelay)
	} else if err := sleep(ctx, h.NewPageDelay); err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.connected {
		return nil, browser.ErrConnectionClosed
	}
	if h.NewPageErr != nil {
		return nil, h.NewPageErr
	}
	p := &Page{handle: h}
	h.pages = append(h.pages, p)
	h.pagesCreated++
	return p, nil
}

func (h *Handle) IsConnected() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.connected
}

func (h *Handle) Disconnect() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.disconnectCall++
	h.connected = false
	return nil
}

func (h *Handle) Shutdown(ctx context.Context) error {
	h.mu.Lock()
	h.shutdownCalls++
	h.mu.Unlock()
	if err := sleep(ctx, h.ShutdownDelay); err != nil {
		return err
	}
	h.mu.Lock()
	if !h.connected {
		h.mu.Unlock()
		return browser.ErrConnectionClosed
	}
	if h.ShutdownErr != nil {
		h.mu.Unlock()
		return h.ShutdownErr
	}
	h.pages = nil
	h.connected = false
	h.mu.Unlock()
	if h.OnShutdown != nil {
		h.OnShutdown()
	}
	return nil
}

func (h *Handle) Version(ctx context.Context) (string, error) {
	if h.VersionErr != nil {
		return "", h.VersionErr
	}
	return h.Product, nil
}

func (h *Handle) removePage(p *Page) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, candidate := range h.pages {
		if candidate == p {
			h.pages = append(h.pages[:i], h.pages[i+1:]...)
			return
		}
	}
}

// Page is a fake browser.Page.
type Page struct {
	handle  *Handle
	Visited []string
}

func (p *Page) Navigate(ctx context.Context, target string) error {
	if err := sleep(ctx, p.handle.NavigateDelay); err != nil {
		return err
	}
	p.handle.mu.Lock()
	err := p.handle.NavigateErr
	p.handle.mu.Unlock()
	if err != nil {
		return err
	}
	p.Visited = append(p.Visited, target)
	return nil
}

func (p *Page) Close(ctx context.Context) error {
	p.handle.mu.Lock()
	err := p.handle.CloseErr
	p.handle.mu.Unlock()
	if err != nil {
		return err
	}
	p.handle.removePage(p)
	return nil
}

// NavigateAndCollect reports the target itself as the only request.
func (p *Page) NavigateAndCollect(ctx context.Context, target string) ([]string, error) {
	if err := p.Navigate(ctx, target); err != nil {
		return nil, err
	}
	return []string{target}, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

var _ browser.Handle = (*Handle)(nil)
var _ browser.Engine = (*Engine)(nil)
var _ browser.RequestCollector = (*Page)(nil)

// ErrBoom is a generic non-critical failure for tests.
var ErrBoom = errors.New("boom")
