// Package bus is the websocket channel between the proxy and the page
// contexts it has injected.
//
// Every injected page opens one connection to the hub. The proxy pushes
// cookie batches, configuration changes and readiness pings; pages push
// cookie writes, pull cookies and configuration, and report their init
// progress so the HTML stream that carried them can resume.
//
// Connections identify themselves with query parameters:
//
//	/__sys__/bus?frame=top-level&url=<page url>
//
// Only top-level pages receive broadcasts. Nested frames and workers may
// still send and pull.
//
// Example Usage:
//
//	hub := bus.NewHub(bus.Options{Jar: jar, Conf: manager, Pages: pages, Logger: log})
//	router.GET(bus.Path, hub.HandleConnection)
//	manager.SetNotifier(hub)
package bus
