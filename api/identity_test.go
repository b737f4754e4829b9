package api_test

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/warp/points-engine/api"
	"github.com/warp/points-engine/points"
)

func TestGatewayHeaders_Identify(t *testing.T) {
	tests := []struct {
		name     string
		id, role string
		wantOK   bool
		wantRole points.Role
	}{
		{"missing id", "", "operator", false, ""},
		{"blank id", "   ", "", false, ""},
		{"default role", "p-1", "", true, points.RoleParticipant},
		{"operator", "p-1", "operator", true, points.RoleOperator},
		{"case insensitive", "p-1", " Operator ", true, points.RoleOperator},
		{"unknown role", "p-1", "admin", false, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.Header.Set(api.HeaderParticipantID, tt.id)
			req.Header.Set(api.HeaderParticipantRole, tt.role)

			got, ok := api.GatewayHeaders{}.Identify(req)
			assert.Equal(t, tt.wantOK, ok)
			if tt.wantOK {
				assert.Equal(t, points.ParticipantID("p-1"), got.ParticipantID)
				assert.Equal(t, tt.wantRole, got.Role)
			}
		})
	}
}

// staticIdentity always resolves to the same caller.
type staticIdentity struct{ id api.Identity }

func (s staticIdentity) Identify(*http.Request) (api.Identity, bool) { return s.id, true }

func TestRequireIdentity_CustomProvider(t *testing.T) {
	// GIVEN: A provider that ignores headers
	// WHEN: A request without gateway headers passes through the middleware
	// THEN: The handler sees the provider's identity

	want := api.Identity{ParticipantID: "p-9", Role: points.RoleOperator}
	var seen api.Identity
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = api.IdentityFrom(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})

	h := api.RequireIdentity(staticIdentity{id: want})(api.RequireOperator(next))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, want, seen)
}

func TestRequireOperator_WithoutIdentity(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run")
	})
	rec := httptest.NewRecorder()
	api.RequireOperator(next).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
