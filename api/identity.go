package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/warp/points-engine/points"
)

// Identity is the caller as established by the identity provider.
type Identity struct {
	ParticipantID points.ParticipantID
	Role          points.Role
}

func (id Identity) IsOperator() bool { return id.Role == points.RoleOperator }

// IdentityProvider resolves the caller of a request. Session handling lives
// outside this service.
type IdentityProvider interface {
	Identify(r *http.Request) (Identity, bool)
}

// Headers set by the upstream gateway after it authenticates the caller.
const (
	HeaderParticipantID   = "X-Participant-ID"
	HeaderParticipantRole = "X-Participant-Role"
)

// GatewayHeaders trusts identity headers injected by a gateway in front of
// this service. A missing role means participant.
type GatewayHeaders struct{}

func (GatewayHeaders) Identify(r *http.Request) (Identity, bool) {
	id := strings.TrimSpace(r.Header.Get(HeaderParticipantID))
	if id == "" {
		return Identity{}, false
	}
	role := points.Role(strings.ToLower(strings.TrimSpace(r.Header.Get(HeaderParticipantRole))))
	if role == "" {
		role = points.RoleParticipant
	}
	if !role.Valid() {
		return Identity{}, false
	}
	return Identity{ParticipantID: points.ParticipantID(id), Role: role}, true
}

type identityKey struct{}

// IdentityFrom returns the identity stored by RequireIdentity.
func IdentityFrom(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok
}

// RequireIdentity rejects requests the provider cannot identify with 401.
func RequireIdentity(p IdentityProvider) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, ok := p.Identify(r)
			if !ok {
				writeError(w, http.StatusUnauthorized, "Unauthorized", nil)
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), identityKey{}, id)))
		})
	}
}

// RequireOperator rejects identified callers without the operator role
// with 403. It must run after RequireIdentity.
func RequireOperator(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := IdentityFrom(r.Context())
		if !ok {
			writeError(w, http.StatusUnauthorized, "Unauthorized", nil)
			return
		}
		if !id.IsOperator() {
			writeError(w, http.StatusForbidden, "Operator role required", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}
