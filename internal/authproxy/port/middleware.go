package port

import (
	"context"
	"net/http"

	"github.com/careportal/prescription-auth/internal/authproxy/app"
	"github.com/careportal/prescription-auth/internal/errmap"
	"github.com/careportal/prescription-auth/internal/observability"
)

type contextKey struct{ name string }

var identityKey = contextKey{"identity"}

// IdentityFromContext returns the authenticated identity stored by the
// Authenticated middleware, or nil if the request was not authenticated.
func IdentityFromContext(ctx context.Context) *app.Identity {
	identity, _ := ctx.Value(identityKey).(*app.Identity)
	return identity
}

// Authenticated resolves the caller's identity before the wrapped handler
// runs, refreshing the downstream API credential when it is stale. A request
// without a resolvable identity fails closed with a generic error.
func (h *Handler) Authenticated(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), "port.authenticate")
		defer span.End()
		logger := observability.WithTraceID(ctx, h.logger)

		identity, err := h.svc.Authenticate(ctx, r.Header.Get(headerUsername))
		if err != nil {
			errmap.WriteError(w, logger, err)
			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(ctx, identityKey, identity)))
	})
}
