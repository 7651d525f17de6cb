package rbac

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/warden/pkg/contextkeys"
	"github.com/platinummonkey/warden/pkg/httputil"
	"github.com/platinummonkey/warden/pkg/observability"
)

// PermissionMiddleware provides middleware for permission checking
type PermissionMiddleware struct {
	resolver PermissionResolver
	logger   *observability.Logger
}

// NewPermissionMiddleware creates a new permission middleware
func NewPermissionMiddleware(resolver PermissionResolver, logger *observability.Logger) *PermissionMiddleware {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &PermissionMiddleware{
		resolver: resolver,
		logger:   logger,
	}
}

// Requirement is one resource type and action pair.
type Requirement struct {
	ResourceType string
	Action       Action
}

// Require creates middleware that admits the caller only when they may
// perform action on resourceType. The route's {id} variable, when present,
// is passed as the resource id. The admitting decision is stored in the
// request context.
func (pm *PermissionMiddleware) Require(resourceType string, action Action) func(http.Handler) http.Handler {
	return pm.RequireAny(Requirement{ResourceType: resourceType, Action: action})
}

// RequireAny creates middleware that admits the caller when any requirement
// is met.
func (pm *PermissionMiddleware) RequireAny(reqs ...Requirement) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID := contextkeys.GetUserID(r.Context())
			if userID == "" {
				httputil.WriteUnauthorized(w, "authentication required")
				return
			}

			var last *Decision
			for _, req := range reqs {
				dec, err := pm.resolver.Resolve(r.Context(), Request{
					UserID:       userID,
					ResourceType: req.ResourceType,
					Action:       req.Action,
					ResourceID:   mux.Vars(r)["id"],
				})
				if err != nil {
					pm.logger.WithError(err).WithField("resource_type", req.ResourceType).Error("permission check failed")
					writeServiceError(w, err)
					return
				}
				if dec.Allowed {
					next.ServeHTTP(w, r.WithContext(contextkeys.WithDecision(r.Context(), dec)))
					return
				}
				last = dec
			}

			reason := "insufficient permissions"
			if last != nil {
				reason = "insufficient permissions: " + last.Reason
			}
			httputil.WriteForbidden(w, reason)
		})
	}
}

// RequireAll creates middleware that admits the caller only when every
// requirement is met.
func (pm *PermissionMiddleware) RequireAll(reqs ...Requirement) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		guarded := next
		for i := len(reqs) - 1; i >= 0; i-- {
			guarded = pm.Require(reqs[i].ResourceType, reqs[i].Action)(guarded)
		}
		return guarded
	}
}

// DecisionFromContext returns the decision that admitted the request, if
// any.
func DecisionFromContext(ctx context.Context) *Decision {
	dec, _ := ctx.Value(contextkeys.DecisionKey).(*Decision)
	return dec
}
