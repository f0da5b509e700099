// Package main is the entry point for the webproxy server.
//
// The server is an intercepting, content-rewriting proxy. Pages are
// loaded through proxied URLs of the form /-----<absolute url>; the
// server forwards each request to a gateway node, follows or rewrites
// redirects, injects a helper into HTML documents and rewrites scripts
// on the way back.
//
// Configuration:
//   - Environment variables (12-factor)
//   - CLI flags (override env vars)
//   - Defaults for development
//
// Usage:
//
//	# Production mode
//	./server --port 8080 --conf-script https://example.com/conf.js
//
//	# Development mode (colored logs, debug level)
//	./server --dev --conf-bootstrap ./conf.yaml --storage memory
//
// Signals:
//   - SIGINT, SIGTERM: Graceful shutdown
package main
