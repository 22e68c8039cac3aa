package browser

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/rs/zerolog/log"
)

// RodEngine spawns Chromium processes through the rod launcher.
type RodEngine struct {
	// LaunchTimeout bounds process start plus CDP connection.
	LaunchTimeout time.Duration
}

// NewRodEngine creates a rod backed engine.
func NewRodEngine(launchTimeout time.Duration) *RodEngine {
	if launchTimeout <= 0 {
		launchTimeout = 2 * time.Minute
	}
	return &RodEngine{LaunchTimeout: launchTimeout}
}

// Spawn launches a browser using scratchDir as its user data directory.
func (e *RodEngine) Spawn(ctx context.Context, scratchDir string, opts LaunchOptions) (Handle, error) {
	l := GetBrowserLauncher(scratchDir, opts)

	resultChan := make(chan launchResult, 1)
	go func() {
		controlURL, err := l.Launch()
		resultChan <- launchResult{controlURL, err}
	}()

	var controlURL string
	select {
	case res := <-resultChan:
		if res.err != nil {
			return nil, fmt.Errorf("launching browser: %w", res.err)
		}
		controlURL = res.controlURL
	case <-time.After(e.LaunchTimeout):
		go killWhenLaunched(l, resultChan)
		return nil, fmt.Errorf("timeout reached while trying to launch a browser")
	case <-ctx.Done():
		go killWhenLaunched(l, resultChan)
		return nil, ctx.Err()
	}

	connCtx, cancel := context.WithCancel(context.Background())
	b := rod.New().ControlURL(controlURL).Context(connCtx)
	if err := b.Connect(); err != nil {
		cancel()
		l.Kill()
		return nil, fmt.Errorf("connecting to browser: %w", err)
	}

	log.Debug().Int("pid", l.PID()).Str("scratch_dir", scratchDir).Msg("Browser launched")
	return &rodHandle{
		launcher: l,
		browser:  b,
		pid:      l.PID(),
		connCtx:  connCtx,
		cancel:   cancel,
	}, nil
}

type launchResult struct {
	controlURL string
	err        error
}

// killWhenLaunched reaps a browser whose launch outlived its caller.
func killWhenLaunched(l *launcher.Launcher, resultChan <-chan launchResult) {
	<-resultChan
	l.Kill()
}

type rodHandle struct {
	launcher     *launcher.Launcher
	browser      *rod.Browser
	pid          int
	connCtx      context.Context
	cancel       context.CancelFunc
	disconnected atomic.Bool
}

func (h *rodHandle) PID() (int, bool) {
	return h.pid, h.pid > 0
}

func (h *rodHandle) Pages(ctx context.Context) ([]Page, error) {
	if h.disconnected.Load() {
		return nil, ErrConnectionClosed
	}
	pages, err := h.browser.Context(ctx).Pages()
	if err != nil {
		return nil, err
	}
	result := make([]Page, 0, len(pages))
	for _, p := range pages {
		result = append(result, &rodPage{page: p})
	}
	return result, nil
}

func (h *rodHandle) NewPage(ctx context.Context) (Page, error) {
	if h.disconnected.Load() {
		return nil, ErrConnectionClosed
	}
	p, err := h.browser.Context(ctx).Page(proto.TargetCreateTarget{})
	if err != nil {
		return nil, err
	}
	dialogCtx, stop := context.WithCancel(h.connCtx)
	dismissDialogs(dialogCtx, p)
	return &rodPage{page: p, stop: stop}, nil
}

func (h *rodHandle) IsConnected() bool {
	return !h.disconnected.Load()
}

func (h *rodHandle) Disconnect() error {
	if h.disconnected.Swap(true) {
		return nil
	}
	h.cancel()
	return nil
}

func (h *rodHandle) Shutdown(ctx context.Context) error {
	if h.disconnected.Load() {
		return ErrConnectionClosed
	}
	return h.browser.Context(ctx).Close()
}

func (h *rodHandle) Version(ctx context.Context) (string, error) {
	if h.disconnected.Load() {
		return "", ErrConnectionClosed
	}
	v, err := h.browser.Context(ctx).Version()
	if err != nil {
		return "", err
	}
	return v.Product, nil
}

type rodPage struct {
	page *rod.Page
	// stop ends page scoped listeners, nil for pages not created by us.
	stop context.CancelFunc
}

func (p *rodPage) Navigate(ctx context.Context, target string) error {
	return p.page.Context(ctx).Navigate(target)
}

func (p *rodPage) Close(ctx context.Context) error {
	if p.stop != nil {
		defer p.stop()
	}
	return p.page.Context(ctx).Close()
}

// NavigateAndCollect navigates to target, waits for the load event and
// returns the URL of every request the page issued meanwhile.
func (p *rodPage) NavigateAndCollect(ctx context.Context, target string) ([]string, error) {
	listenCtx, stop := context.WithCancel(ctx)
	defer stop()

	var (
		mu       sync.Mutex
		requests []string
	)
	wait := p.page.Context(listenCtx).EachEvent(func(e *proto.NetworkRequestWillBeSent) {
		if e.Request == nil {
			return
		}
		mu.Lock()
		requests = append(requests, e.Request.URL)
		mu.Unlock()
	})
	done := make(chan struct{})
	go func() {
		defer close(done)
		wait()
	}()

	page := p.page.Context(ctx)
	err := page.Navigate(target)
	if err == nil {
		err = page.WaitLoad()
	}
	stop()
	<-done

	mu.Lock()
	defer mu.Unlock()
	return requests, err
}
