package browser

import (
	"context"
	"errors"
	"strings"

	"github.com/go-rod/rod/lib/cdp"
)

var (
	ErrProtocol         = errors.New("protocol error")
	ErrTargetClosed     = errors.New("target closed")
	ErrSessionClosed    = errors.New("session closed")
	ErrConnectionClosed = errors.New("connection closed")
	ErrSocketNotOpen    = errors.New("socket is not open")
	ErrNoProcess        = errors.New("engine process not found")
)

// criticalSignatures are lower-cased fragments of transport failures that
// mean the engine itself is compromised, not just the current page.
var criticalSignatures = []string{
	"protocol error",
	"target closed",
	"session closed",
	"connection closed",
	"websocket: close",
	"use of closed network connection",
	"socket is not open",
	"socket not open",
	"broken pipe",
	"connection reset by peer",
	"cannot find context with specified id",
	"no target with given id",
}

// IsCritical reports whether err belongs to the transport-level failure class:
// cdp protocol errors, closed target/session/connection, or a dead socket.
func IsCritical(err error) bool {
	if err == nil {
		return false
	}
	for _, sentinel := range []error{ErrProtocol, ErrTargetClosed, ErrSessionClosed, ErrConnectionClosed, ErrSocketNotOpen, ErrNoProcess} {
		if errors.Is(err, sentinel) {
			return true
		}
	}
	var cdpErr *cdp.Error
	if errors.As(err, &cdpErr) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, signature := range criticalSignatures {
		if strings.Contains(msg, signature) {
			return true
		}
	}
	return false
}

// IsCanceled reports whether err only reflects a cancelled caller context.
func IsCanceled(err error) bool {
	return errors.Is(err, context.Canceled)
}
