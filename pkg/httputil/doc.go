// Package httputil provides JSON request and response helpers shared by the
// warden HTTP handlers.
//
// Responses:
//
//	httputil.WriteSuccess(w, role)
//	httputil.WriteCreated(w, assignment)
//	httputil.WriteDetailedError(w, http.StatusBadRequest, err, "invalid_window", fields)
//
// Requests:
//
//	var req AssignRoleRequest
//	if !httputil.ParseJSONOrError(w, r, &req) {
//		return // Error response already written
//	}
//	id, ok := httputil.ParsePathStringOrError(w, r, "id")
//	at, err := httputil.ParseQueryTime(r, "at")
//
// Middleware:
//
//	handler := httputil.Chain(
//		httputil.RecoveryMiddleware,
//		httputil.ContentTypeMiddleware,
//		httputil.MaxBytesMiddleware(1<<20),
//	)(router)
package httputil
