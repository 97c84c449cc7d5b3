package control

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"time"

	"github.com/google/uuid"

	"github.com/coachpo/tickrelay/internal/schema"
)

const maxCommandBytes = 1 << 20

// Reader turns newline-delimited JSON commands into bus messages.
type Reader struct {
	bus     Bus
	timeout time.Duration
	logger  *log.Logger
	metrics *controlMetrics
}

// NewReader constructs a reader. timeout bounds each command's round trip;
// zero means no bound.
func NewReader(bus Bus, timeout time.Duration, logger *log.Logger) *Reader {
	if logger == nil {
		logger = log.Default()
	}
	return &Reader{bus: bus, timeout: timeout, logger: logger, metrics: newControlMetrics()}
}

// Serve reads commands from r until EOF or ctx is done. When r is also an
// io.Closer it is closed on cancellation so a blocked read returns.
func (rd *Reader) Serve(ctx context.Context, r io.Reader) error {
	if closer, ok := r.(io.Closer); ok {
		stop := context.AfterFunc(ctx, func() { _ = closer.Close() })
		defer stop()
	}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 4096), maxCommandBytes)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		rd.dispatch(ctx, line)
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("read commands: %w", err)
	}
	return nil
}

func (rd *Reader) dispatch(ctx context.Context, line []byte) {
	cmd, err := schema.ParseCommand(line)
	if err != nil {
		rd.metrics.recordCommand("malformed", "ignored")
		rd.logger.Printf("control: malformed command ignored: %v", err)
		return
	}
	if cmd.ID == "" {
		cmd.ID = uuid.NewString()
	}
	cmd.ReceivedAt = time.Now()

	sendCtx := ctx
	if rd.timeout > 0 {
		var cancel context.CancelFunc
		sendCtx, cancel = context.WithTimeout(ctx, rd.timeout)
		defer cancel()
	}
	ack, err := rd.bus.Send(sendCtx, cmd)
	if err != nil {
		rd.logger.Printf("control: %s (%s) not delivered: %v", cmd.Action, cmd.ID, err)
		return
	}
	if ack.Success {
		rd.logger.Printf("control: %s (%s) done in %s", cmd.Action, cmd.ID, time.Since(cmd.ReceivedAt).Round(time.Millisecond))
		return
	}
	rd.logger.Printf("control: %s (%s) rejected: %s", cmd.Action, cmd.ID, ack.Error)
}
