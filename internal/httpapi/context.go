package httpapi

import (
	"context"
	"net/http"
)

// baseCtx is canceled when the daemon begins shutting down.
var baseCtx = context.Background()

// SetBaseContext ties long-running handlers (event streams, installs,
// refreshes) to the daemon lifetime. A nil ctx restores Background.
func SetBaseContext(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	baseCtx = ctx
}

// requestContext returns a context that ends with the request or with the
// daemon, whichever comes first.
func requestContext(r *http.Request) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(r.Context())
	stop := context.AfterFunc(baseCtx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}
