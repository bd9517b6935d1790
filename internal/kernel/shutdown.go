package kernel

import (
	"context"
	"log/slog"
	"strings"
	"time"

	sdaemon "github.com/coreos/go-systemd/v22/daemon"

	"github.com/chassisd/chassis/internal/container"
	"github.com/chassisd/chassis/internal/events"
	"github.com/chassisd/chassis/internal/fault"
)

// ShutdownSummary reports the coordinator's final tally.
type ShutdownSummary struct {
	HandlersRun int           `json:"handlers_run"`
	Timeouts    int           `json:"timeouts"`
	Errors      int           `json:"errors"`
	Duration    time.Duration `json:"duration"`
}

// coordinator drains the process: graceful handlers in priority order,
// force handlers for whatever timed out, then the databases.
type coordinator struct {
	c              *container.Container
	logger         *slog.Logger
	bus            events.Bus
	closeDatabases func() error
	deadline       time.Duration
	handlerTimeout time.Duration
}

// Shutdown runs the full sequence under the global deadline. The returned
// error is non-nil only when the deadline was overshot.
func (co *coordinator) Shutdown() (*ShutdownSummary, error) {
	started := time.Now()
	summary := &ShutdownSummary{}

	_, _ = sdaemon.SdNotify(false, sdaemon.SdNotifyStopping)
	if co.bus != nil {
		bctx, bcancel := context.WithTimeout(context.Background(), time.Second)
		_ = co.bus.Publish(bctx, events.NewEvent(events.KernelStopping, nil))
		bcancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), co.deadline)
	defer cancel()

	// Graceful handlers run sequentially; an error or timeout in one never
	// stops the rest. Modules whose graceful handler timed out get their
	// force handler afterwards.
	timedOut := make(map[string]bool)
	for _, h := range co.c.ShutdownHandlers(container.ShutdownGraceful) {
		if ctx.Err() != nil {
			break
		}
		summary.HandlersRun++
		switch err := co.runHandler(ctx, h); {
		case err == nil:
		case fault.HasCode(err, fault.ShutdownTimeout):
			summary.Timeouts++
			timedOut[ownerOf(h.Name)] = true
			co.logger.Warn("shutdown handler timed out", "handler", h.Name)
		default:
			summary.Errors++
			co.logger.Error("shutdown handler failed", "handler", h.Name, "error", err)
		}
	}

	for _, h := range co.c.ShutdownHandlers(container.ShutdownForce) {
		if ctx.Err() != nil {
			break
		}
		if !timedOut[ownerOf(h.Name)] {
			continue
		}
		summary.HandlersRun++
		if err := co.runHandler(ctx, h); err != nil {
			summary.Errors++
			co.logger.Error("force shutdown handler failed", "handler", h.Name, "error", err)
		}
	}

	if err := co.closeDatabases(); err != nil {
		summary.Errors++
		co.logger.Error("failed to close databases", "error", err)
	}

	summary.Duration = time.Since(started)
	co.logger.Info("shutdown complete",
		"handlers_run", summary.HandlersRun,
		"timeouts", summary.Timeouts,
		"errors", summary.Errors,
		"duration", summary.Duration.Round(time.Millisecond),
	)

	if ctx.Err() != nil {
		return summary, fault.New(fault.ShutdownTimeout, "shutdown deadline exceeded")
	}
	return summary, nil
}

// runHandler executes one handler bounded by its declared timeout, or the
// configured default when it declared none.
func (co *coordinator) runHandler(ctx context.Context, h container.ShutdownHandler) error {
	timeout := h.Timeout
	if timeout <= 0 {
		timeout = co.handlerTimeout
	}
	hctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fault.Newf(fault.HandlerError, "shutdown handler panicked: %v", r)
			}
		}()
		done <- h.Func(hctx)
	}()

	select {
	case err := <-done:
		return err
	case <-hctx.Done():
		return fault.Newf(fault.ShutdownTimeout, "handler %q exceeded %s", h.Name, timeout)
	}
}

// ownerOf maps a handler name back to its module prefix. Handler names
// are module_id.method; the module ID itself may contain dots.
func ownerOf(name string) string {
	idx := strings.LastIndex(name, ".")
	if idx <= 0 {
		return name
	}
	return name[:idx]
}
