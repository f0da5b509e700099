// Package inject generates the bootstrap code placed at the start of
// proxied HTML documents and scripts.
package inject

import (
	_ "embed"
	"fmt"
	"html"
	"net/url"
	"strconv"
	"sync/atomic"

	"github.com/GriffinCanCode/webproxy/internal/conf"
)

// Fixed paths served by the proxy itself.
const (
	HelperPath = "/__sys__/helper.js"
	BusPath    = "/__sys__/bus"
)

//go:embed assets/helper.js
var helperJS []byte

// Helper returns the page helper script.
func Helper() []byte {
	return helperJS
}

// workerCode loads the helper when evaluated inside a worker and does
// nothing in a window context.
var workerCode = []byte("if(typeof importScripts==='function'&&typeof window==='undefined'&&!self.__webproxy__)" +
	"{try{importScripts('" + HelperPath + "')}catch(e){}}\n")

// Injector produces bootstrap payloads. It tracks the active config
// version so pages can tell when their copy is stale.
type Injector struct {
	ver atomic.Int64
}

// New creates an Injector.
func New() *Injector {
	return &Injector{}
}

// SetConf records the active configuration.
func (i *Injector) SetConf(c *conf.Config) {
	if c != nil {
		i.ver.Store(int64(c.Ver))
	}
}

// HTMLCode is the payload emitted before the first byte of a proxied
// document. The helper reports back on the bus under pageID.
func (i *Injector) HTMLCode(target *url.URL, pageID int) []byte {
	return []byte(fmt.Sprintf(
		`<script data-page="%d" data-url="%s" data-conf="%s" src="%s"></script>`+"\n",
		pageID,
		html.EscapeString(target.String()),
		strconv.FormatInt(i.ver.Load(), 10),
		HelperPath,
	))
}

// WorkerCode is prepended to every proxied script.
func (i *Injector) WorkerCode() []byte {
	return workerCode
}
