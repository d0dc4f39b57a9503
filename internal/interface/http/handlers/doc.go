// Package handlers contains HTTP middleware and health check components
// shared by the course capacity API.
//
// # Health Checks
//
// CompositeHealthChecker runs named checks in parallel:
//
//	checker := handlers.NewCompositeHealthChecker("v1.0.0")
//	checker.AddCheck("database", handlers.NewPingCheck(conn))
//	checker.AddOptionalCheck("redis", handlers.NewPingCheck(cache))
//
//	status := checker.Check(ctx)
//	if !status.Ready {
//	    log.Printf("not ready: %s", status.Message)
//	}
//
// # Authentication
//
// API keys are configured as bcrypt hashes, never in plain text:
//
//	auth, err := handlers.NewAPIKeyAuth("X-API-Key", hashes)
//	mux.Handle("/api/", auth.Middleware(api))
//
// # Middleware
//
// Middleware components compose with Chain:
//
//	h := handlers.ChainHandler(api,
//	    handlers.SecurityHeadersMiddleware,
//	    handlers.RequestSizeLimitMiddleware(64<<10),
//	)
package handlers
