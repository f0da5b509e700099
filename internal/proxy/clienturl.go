package proxy

import (
	"sync"

	"github.com/GriffinCanCode/webproxy/internal/urlx"
)

// PageLocator reports the current URL of a connected page.
type PageLocator interface {
	PageURL(clientID string) (string, bool)
}

// ClientURLs remembers the document URL of each page context, so a
// sub-resource request can be attributed to the page that made it.
type ClientURLs struct {
	mu      sync.RWMutex
	urls    map[string]string
	locator PageLocator
}

// NewClientURLs creates an empty map backed by locator, which may be nil.
func NewClientURLs(locator PageLocator) *ClientURLs {
	return &ClientURLs{urls: make(map[string]string), locator: locator}
}

// Resolve returns the document URL for a request: the page registry's
// current URL for clientID, else the last one remembered for it, else the
// decoded referer, else fallback. Every registry hit overwrites the
// remembered URL, so a page that navigated is attributed to its new
// document.
func (c *ClientURLs) Resolve(clientID, referer, fallback string) string {
	if clientID != "" {
		if c.locator != nil {
			if raw, ok := c.locator.PageURL(clientID); ok {
				if u := decodeAbs(raw); u != "" {
					c.mu.Lock()
					c.urls[clientID] = u
					c.mu.Unlock()
					return u
				}
			}
		}

		c.mu.RLock()
		u, ok := c.urls[clientID]
		c.mu.RUnlock()
		if ok {
			return u
		}
	}

	if u := decodeAbs(referer); u != "" {
		return u
	}
	return fallback
}

// decodeAbs returns the absolute http(s) URL behind raw, or "".
func decodeAbs(raw string) string {
	dec, ok := urlx.DecodeAbs(raw)
	if !ok {
		return ""
	}
	u, err := urlx.Parse(dec)
	if err != nil {
		return ""
	}
	return u.String()
}
