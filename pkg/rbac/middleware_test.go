package rbac

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/warden/pkg/contextkeys"
	"github.com/platinummonkey/warden/pkg/httputil"
)

// guardedRouter serves /docs/{id} behind guard and echoes the id of the
// permission that admitted the request.
func guardedRouter(guard func(http.Handler) http.Handler) *mux.Router {
	router := mux.NewRouter()
	router.Handle("/docs/{id}", guard(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		dec := DecisionFromContext(r.Context())
		if dec == nil {
			httputil.WriteInternalError(w, assert.AnError)
			return
		}
		httputil.WriteSuccess(w, map[string]string{"permission": dec.MatchedPermissionID})
	})))
	return router
}

func serveAs(router http.Handler, userID, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if userID != "" {
		req = req.WithContext(contextkeys.WithUserID(req.Context(), userID))
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func middlewareFixture(t *testing.T) *fixture {
	f := newFixture(t)
	f.role("reader", 1)
	f.role("writer", 2)
	f.perm("read-docs", "reader", "doc", ActionRead)
	f.perm("write-docs", "writer", "doc", ActionUpdate)
	f.assign("u1", "reader")
	f.assign("u2", "reader")
	f.assign("u2", "writer")
	return f
}

func TestPermissionMiddleware_Require(t *testing.T) {
	f := middlewareFixture(t)
	router := guardedRouter(f.m.Middleware().Require("doc", ActionRead))

	rec := serveAs(router, "u1", "/docs/d1")
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "read-docs", body["permission"])

	rec = serveAs(router, "u3", "/docs/d1")
	require.Equal(t, http.StatusForbidden, rec.Code)
	var resp httputil.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "insufficient permissions: "+ReasonNoEffectiveRole, resp.Error)

	rec = serveAs(router, "", "/docs/d1")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestPermissionMiddleware_PassesResourceID(t *testing.T) {
	f := newFixture(t)
	f.role("r", 1)
	_, err := f.m.Permissions.CreatePermission(f.ctx, CreatePermissionInput{
		ID:              "one-doc",
		RoleID:          "r",
		ResourceType:    "doc",
		Actions:         []Action{ActionRead},
		ResourceFilters: json.RawMessage(`{"resource_ids":["d1"]}`),
	})
	require.NoError(t, err)
	f.assign("u1", "r")

	router := guardedRouter(f.m.Middleware().Require("doc", ActionRead))
	assert.Equal(t, http.StatusOK, serveAs(router, "u1", "/docs/d1").Code)
	assert.Equal(t, http.StatusForbidden, serveAs(router, "u1", "/docs/d2").Code)
}

func TestPermissionMiddleware_RequireAny(t *testing.T) {
	f := middlewareFixture(t)
	router := guardedRouter(f.m.Middleware().RequireAny(
		Requirement{ResourceType: "doc", Action: ActionUpdate},
		Requirement{ResourceType: "doc", Action: ActionRead},
	))

	rec := serveAs(router, "u1", "/docs/d1")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "read-docs")

	rec = serveAs(router, "u2", "/docs/d1")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "write-docs", "the first satisfied requirement wins")

	assert.Equal(t, http.StatusForbidden, serveAs(router, "u3", "/docs/d1").Code)
}

func TestPermissionMiddleware_RequireAll(t *testing.T) {
	f := middlewareFixture(t)
	router := guardedRouter(f.m.Middleware().RequireAll(
		Requirement{ResourceType: "doc", Action: ActionRead},
		Requirement{ResourceType: "doc", Action: ActionUpdate},
	))

	rec := serveAs(router, "u1", "/docs/d1")
	require.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Body.String(), ReasonNoMatchingPermission)

	assert.Equal(t, http.StatusOK, serveAs(router, "u2", "/docs/d1").Code)
}

func TestPermissionMiddleware_InvalidRequirement(t *testing.T) {
	f := middlewareFixture(t)
	router := guardedRouter(f.m.Middleware().Require("doc", Action("teleport")))

	rec := serveAs(router, "u1", "/docs/d1")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDecisionFromContext(t *testing.T) {
	assert.Nil(t, DecisionFromContext(context.Background()))

	dec := &Decision{Allowed: true, Reason: ReasonGranted}
	ctx := contextkeys.WithDecision(context.Background(), dec)
	assert.Same(t, dec, DecisionFromContext(ctx))
}
