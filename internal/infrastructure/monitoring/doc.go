/*
Package monitoring provides Prometheus metrics for the proxy.

# Overview

Metrics cover the HTTP surface, the forwarding pipeline (classification
branches, redirect hops, gateway errors, page rendezvous outcomes), the
configuration manager (loads per source, active version) and the page
message bus.

Each Metrics value owns its registry instead of using the global default,
so independent server instances can coexist in one process.

# Usage

	metrics := monitoring.NewMetrics()
	router.Use(monitoring.Middleware(metrics))
	router.GET("/metrics", gin.WrapH(monitoring.Handler(metrics)))

	metrics.RecordForward("html")
	metrics.RecordPageWait("timeout", 2*time.Second)
*/
package monitoring
