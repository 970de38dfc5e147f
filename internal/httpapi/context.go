package httpapi

import (
	"context"
	"errors"
)

// errShuttingDown is the cancel cause of runs cut short by server shutdown.
var errShuttingDown = errors.New("server shutting down")

// serverBaseCtx bounds every rotation started over HTTP. serve cancels it
// on shutdown.
var serverBaseCtx = context.Background()

// SetBaseContext sets the context that bounds rotations started by the
// API. A nil ctx resets it to Background.
func SetBaseContext(ctx context.Context) {
	if ctx == nil {
		serverBaseCtx = context.Background()
		return
	}
	serverBaseCtx = ctx
}

// rotationContext derives the context of a waited-on rotation. It keeps
// the request's values (request id) and ends when the server shuts down or
// the client goes away, whichever is first. The cancel func must be called
// once the handler returns.
func rotationContext(base, req context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancelCause(context.WithoutCancel(req))
	stopBase := context.AfterFunc(base, func() { cancel(errShuttingDown) })
	stopReq := context.AfterFunc(req, func() { cancel(context.Cause(req)) })
	return ctx, func() {
		stopBase()
		stopReq()
		cancel(context.Canceled)
	}
}
