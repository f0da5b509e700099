// Package cookie keeps the cookie jar for proxied sites.
//
// Browsers only ever see the proxy origin, so cookies set by target sites
// are stored here and attached to gateway requests by the proxy. Pages get
// the non-HttpOnly subset over the message bus so document.cookie keeps
// working.
package cookie

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"golang.org/x/net/publicsuffix"

	"github.com/GriffinCanCode/webproxy/internal/storage"
)

// StoreKey is where the jar is persisted.
const StoreKey = "/cookies.json"

// Item is one stored cookie. Expires is unix milliseconds, zero for a
// session cookie.
type Item struct {
	Name     string `json:"name"`
	Value    string `json:"value"`
	Domain   string `json:"domain"`
	HostOnly bool   `json:"hostOnly"`
	Path     string `json:"path"`
	Expires  int64  `json:"expires,omitempty"`
	Secure   bool   `json:"secure"`
	HTTPOnly bool   `json:"httpOnly"`
}

func (it Item) key() string {
	return it.Domain + ";" + it.Path + ";" + it.Name
}

func (it Item) expired(now time.Time) bool {
	return it.Expires > 0 && it.Expires <= now.UnixMilli()
}

// Jar is a concurrency-safe cookie store.
type Jar struct {
	store storage.KV
	now   func() time.Time

	mu    sync.RWMutex
	items map[string]Item
}

// NewJar creates a jar persisted in store. A nil store keeps the jar in
// memory only.
func NewJar(store storage.KV) *Jar {
	return &Jar{
		store: store,
		now:   time.Now,
		items: make(map[string]Item),
	}
}

// Load restores the jar from its store.
func (j *Jar) Load(ctx context.Context) error {
	if j.store == nil {
		return nil
	}
	data, err := j.store.Get(ctx, StoreKey)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load cookies: %w", err)
	}

	var items []Item
	if err := sonic.Unmarshal(data, &items); err != nil {
		return fmt.Errorf("decode cookies: %w", err)
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	now := j.now()
	for _, it := range items {
		if !it.expired(now) {
			j.items[it.key()] = it
		}
	}
	return nil
}

// Set upserts a batch. Expired items delete their stored counterpart.
func (j *Jar) Set(ctx context.Context, items ...Item) error {
	if len(items) == 0 {
		return nil
	}

	j.mu.Lock()
	now := j.now()
	for _, it := range items {
		if it.Path == "" {
			it.Path = "/"
		}
		it.Domain = strings.ToLower(strings.TrimPrefix(it.Domain, "."))
		if it.expired(now) {
			delete(j.items, it.key())
			continue
		}
		j.items[it.key()] = it
	}
	snapshot := j.snapshotLocked(now)
	j.mu.Unlock()

	return j.persist(ctx, snapshot)
}

// NonHTTPOnly returns every live cookie scripts may read.
func (j *Jar) NonHTTPOnly() []Item {
	j.mu.RLock()
	defer j.mu.RUnlock()

	now := j.now()
	out := make([]Item, 0, len(j.items))
	for _, it := range j.items {
		if !it.HTTPOnly && !it.expired(now) {
			out = append(out, it)
		}
	}
	sortItems(out)
	return out
}

// Header builds the Cookie header value for a request to u.
func (j *Jar) Header(u *url.URL) string {
	host := strings.ToLower(u.Hostname())
	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}

	j.mu.RLock()
	now := j.now()
	var match []Item
	for _, it := range j.items {
		if it.expired(now) || (it.Secure && u.Scheme != "https") {
			continue
		}
		if !domainMatch(host, it) || !pathMatch(path, it.Path) {
			continue
		}
		match = append(match, it)
	}
	j.mu.RUnlock()

	// Longer paths first, as browsers do.
	sort.SliceStable(match, func(a, b int) bool {
		return len(match[a].Path) > len(match[b].Path)
	})

	parts := make([]string, len(match))
	for i, it := range match {
		parts[i] = it.Name + "=" + it.Value
	}
	return strings.Join(parts, "; ")
}

// FromResponse parses Set-Cookie values received for u into items,
// applying the host and path defaults a browser would. Cookies whose
// Domain attribute does not cover u's host, or names a public suffix,
// are dropped.
func FromResponse(u *url.URL, lines []string, now time.Time) []Item {
	host := strings.ToLower(u.Hostname())
	items := make([]Item, 0, len(lines))
	for _, line := range lines {
		c, err := http.ParseSetCookie(line)
		if err != nil {
			continue
		}
		domain, hostOnly, ok := cookieDomain(host, c.Domain)
		if !ok {
			continue
		}

		it := Item{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   domain,
			HostOnly: hostOnly,
			Path:     c.Path,
			Secure:   c.Secure,
			HTTPOnly: c.HttpOnly,
		}
		if it.Path == "" || !strings.HasPrefix(it.Path, "/") {
			it.Path = defaultPath(u.EscapedPath())
		}
		switch {
		case c.MaxAge < 0:
			it.Expires = 1
		case c.MaxAge > 0:
			it.Expires = now.Add(time.Duration(c.MaxAge) * time.Second).UnixMilli()
		case !c.Expires.IsZero():
			it.Expires = c.Expires.UnixMilli()
		}
		items = append(items, it)
	}
	return items
}

// ScriptVisible returns the items page scripts may see, dropping
// HttpOnly ones. Expired items are kept so pages can delete them.
func ScriptVisible(items []Item) []Item {
	out := make([]Item, 0, len(items))
	for _, it := range items {
		if !it.HTTPOnly {
			out = append(out, it)
		}
	}
	return out
}

// cookieDomain resolves the Domain attribute attr of a cookie set by
// host, following RFC 6265 section 5.3.
func cookieDomain(host, attr string) (domain string, hostOnly, ok bool) {
	d := strings.ToLower(strings.TrimPrefix(attr, "."))
	if d == "" {
		return host, true, true
	}
	if net.ParseIP(host) != nil {
		return host, true, d == host
	}
	if d != host && !strings.HasSuffix(host, "."+d) {
		return "", false, false
	}
	if ps, _ := publicsuffix.PublicSuffix(d); ps == d {
		return host, true, d == host
	}
	return d, false, true
}

func (j *Jar) snapshotLocked(now time.Time) []Item {
	out := make([]Item, 0, len(j.items))
	for _, it := range j.items {
		if !it.expired(now) {
			out = append(out, it)
		}
	}
	sortItems(out)
	return out
}

func (j *Jar) persist(ctx context.Context, items []Item) error {
	if j.store == nil {
		return nil
	}
	data, err := sonic.Marshal(items)
	if err != nil {
		return fmt.Errorf("encode cookies: %w", err)
	}
	if err := j.store.Put(ctx, StoreKey, data); err != nil {
		return fmt.Errorf("save cookies: %w", err)
	}
	return nil
}

func domainMatch(host string, it Item) bool {
	if it.HostOnly {
		return host == it.Domain
	}
	return host == it.Domain || strings.HasSuffix(host, "."+it.Domain)
}

func pathMatch(reqPath, cookiePath string) bool {
	if reqPath == cookiePath {
		return true
	}
	if !strings.HasPrefix(reqPath, cookiePath) {
		return false
	}
	return strings.HasSuffix(cookiePath, "/") || reqPath[len(cookiePath)] == '/'
}

func defaultPath(p string) string {
	i := strings.LastIndexByte(p, '/')
	if i <= 0 {
		return "/"
	}
	return p[:i]
}

func sortItems(items []Item) {
	sort.Slice(items, func(a, b int) bool {
		return items[a].key() < items[b].key()
	})
}
