// Package driver defines the boundary to the browser automation side and a
// websocket bridge that a page-side sidecar dials into.
package driver

import (
	"context"
	"time"
)

// Frame is one raw upstream frame captured from the venue page.
type Frame struct {
	Data       []byte
	Binary     bool
	ReceivedAt time.Time
}

// Page sends messages into the hosted page's socket.
type Page interface {
	// SendIntoPage is best effort. false or an error means the page-side hook is not armed.
	SendIntoPage(ctx context.Context, message string) (bool, error)
}

// HeapSample is the page script heap as reported by the driver.
type HeapSample struct {
	UsedBytes  uint64 `json:"usedBytes"`
	TotalBytes uint64 `json:"totalBytes"`
}

// UsedMB returns the used heap in mebibytes.
func (h HeapSample) UsedMB() float64 { return float64(h.UsedBytes) / (1 << 20) }

// Script is one piece of page instrumentation re-armed after a reload.
type Script struct {
	Name   string `json:"name"`
	Source string `json:"source"`
}

// Diagnostics exposes page maintenance operations.
type Diagnostics interface {
	HeapUsage(ctx context.Context) (HeapSample, error)
	Reload(ctx context.Context) error
	Arm(ctx context.Context, script Script) error
	ClearNetworkCache(ctx context.Context) error
	CollectGarbage(ctx context.Context) error
}

// Driver is the full automation surface used by the relay.
type Driver interface {
	Page
	Diagnostics
}
