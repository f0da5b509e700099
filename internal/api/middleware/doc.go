// Package middleware provides the HTTP middleware of the proxy server.
//
// Middleware stack includes:
//   - CORS: for the proxy's own endpoints (/healthz, /metrics)
//   - RateLimit: per-IP token bucket with idle client cleanup
//   - GlobalRateLimit: one bucket shared by all clients
//
// Example Usage:
//
//	router.Use(middleware.RateLimit(middleware.DefaultRateLimitConfig()))
//	ops := router.Group("/", middleware.CORS(middleware.DefaultCORSConfig()))
package middleware
