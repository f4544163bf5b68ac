package controller

import (
	"context"
	"net/http"
	"strings"

	ctypes "github.com/canopy-network/custodyx/app/custodian/controller/types"
	"go.uber.org/zap"
)

type identityKey struct{}

// IdentityFrom returns the authenticated identity RequireAuth put on the context.
func IdentityFrom(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(identityKey{}).(string)
	return id, ok && id != ""
}

// WithIdentity returns ctx carrying identity.
func WithIdentity(ctx context.Context, identity string) context.Context {
	return context.WithValue(ctx, identityKey{}, identity)
}

// bearerToken reads x-access-token, falling back to "Authorization: Bearer <token>".
func bearerToken(r *http.Request) string {
	if tok := strings.TrimSpace(r.Header.Get("x-access-token")); tok != "" {
		return tok
	}
	authHeader := r.Header.Get("Authorization")
	if strings.HasPrefix(authHeader, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	}
	return ""
}

// RequireAuth middleware
func (c *Controller) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tok := bearerToken(r)
		if tok == "" {
			writeJSON(w, http.StatusForbidden, ctypes.MessageResponse{Message: "Token is missing!"})
			return
		}
		identity, err := c.App.Sessions.Verify(tok)
		if err != nil {
			c.App.Logger.Debug("Rejected session token", zap.Error(err))
			writeJSON(w, http.StatusForbidden, ctypes.MessageResponse{Message: "Token is invalid!"})
			return
		}
		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), identity)))
	})
}
