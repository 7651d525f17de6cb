// Package middleware provides the HTTP middleware in front of the warden API:
// request ids, trusted caller identity, request logging and rate limiting.
//
// warden does not authenticate callers. An upstream authenticator verifies
// the caller and forwards the user id in X-User-ID; TrustedIdentity copies it
// into the request context for the handlers and the permission middleware.
//
//	router.Use(middleware.RequestID)
//	router.Use(middleware.NewTrustedIdentity("", false).Handler)
//	router.Use(middleware.RequestLogger(logger))
//
// Rate limiting is keyed by caller user id, falling back to the client
// address. RateLimiter is an in-process token bucket; DistributedRateLimiter
// keeps a fixed window counter in Redis shared by all instances.
//
//	limiter := middleware.NewDistributedRateLimiter(redisClient, nil, "")
//	resolve.Use(middleware.NewRateLimitMiddleware(limiter, true).Handler)
package middleware
