// Package logging wires this core's structured logging onto dlog/dgroup,
// giving every supervised goroutine a logger carried on its context.
package logging

import (
	"context"

	"github.com/datawire/dlib/dgroup"
	"github.com/datawire/dlib/dlog"
	"github.com/sirupsen/logrus"
)

// InitContext returns a context with a logrus-backed dlog logger installed,
// named after the given component for log-line attribution.
func InitContext(ctx context.Context, component string, level logrus.Level) context.Context {
	logger := logrus.New()
	logger.SetLevel(level)
	ctx = dlog.WithLogger(ctx, dlog.WrapLogrus(logger))
	return dlog.WithField(ctx, "component", component)
}

// NewSupervisor returns a dgroup.Group suitable for the orchestrator's
// fan-out work (StopAll's per-handle teardown). A failure in one goroutine never cancels its siblings,
// since teardown must run to completion for every handle.
func NewSupervisor(ctx context.Context) (context.Context, *dgroup.Group) {
	g := dgroup.NewGroup(ctx, dgroup.GroupConfig{
		ShutdownOnNonError: false,
	})
	return ctx, g
}
