// Package urlx converts between absolute URLs and their proxied form.
//
// A proxied URL is the absolute target appended to a fixed path prefix
// on the proxy origin:
//
//	https://example.com/a?b=1  <->  /-----https://example.com/a?b=1
package urlx

import (
	"errors"
	"net/url"
	"strings"
)

// Prefix marks a request path carrying an absolute target URL.
const Prefix = "/-----"

var (
	ErrUnsupportedScheme = errors.New("unsupported url scheme")
	ErrMissingHost       = errors.New("url has no host")
)

// Encode returns the proxy-relative form of u.
func Encode(u *url.URL) string {
	return Prefix + u.String()
}

// EncodeString returns the proxy-relative form of an absolute URL string.
func EncodeString(raw string) string {
	return Prefix + raw
}

// Decode extracts the target from a proxied request URI.
func Decode(requestURI string) (string, bool) {
	if !strings.HasPrefix(requestURI, Prefix) {
		return "", false
	}
	return requestURI[len(Prefix):], true
}

// DecodeAbs is Decode for values that may carry the proxy origin, such
// as Referer headers or page URLs reported by a page context.
func DecodeAbs(raw string) (string, bool) {
	if strings.HasPrefix(raw, Prefix) {
		return Decode(raw)
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", false
	}
	return Decode(u.RequestURI())
}

// Parse parses an absolute http(s) URL.
func Parse(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	default:
		return nil, ErrUnsupportedScheme
	}
	if u.Host == "" {
		return nil, ErrMissingHost
	}
	return u, nil
}

// Resolve resolves ref against base. Non-navigable references such as
// data: or javascript: are rejected.
func Resolve(ref string, base *url.URL) (*url.URL, error) {
	lower := strings.ToLower(strings.TrimSpace(ref))
	for _, scheme := range []string{"data:", "javascript:", "mailto:", "tel:", "vbscript:"} {
		if strings.HasPrefix(lower, scheme) {
			return nil, ErrUnsupportedScheme
		}
	}

	parsed, err := url.Parse(strings.TrimSpace(ref))
	if err != nil {
		return nil, err
	}
	resolved := base.ResolveReference(parsed)
	if resolved.Scheme != "http" && resolved.Scheme != "https" {
		return nil, ErrUnsupportedScheme
	}
	return resolved, nil
}

// StripFragment removes a trailing #fragment.
func StripFragment(raw string) string {
	if i := strings.IndexByte(raw, '#'); i >= 0 {
		return raw[:i]
	}
	return raw
}

// AdjustNav returns the canonical proxied path for a navigation to a
// legacy or malformed path, or "" when the path needs no adjustment.
//
//	/https://a.com/x        -> /-----https://a.com/x
//	/-----a.com/x           -> /-----https://a.com/x
//	/-----https:/a.com/x    -> /-----https://a.com/x
func AdjustNav(requestURI string) string {
	if rest, ok := Decode(requestURI); ok {
		fixed := fixScheme(rest)
		if fixed == rest {
			return ""
		}
		return Prefix + fixed
	}

	rest := strings.TrimPrefix(requestURI, "/")
	lower := strings.ToLower(rest)
	if strings.HasPrefix(lower, "http://") || strings.HasPrefix(lower, "https://") ||
		strings.HasPrefix(lower, "http:/") || strings.HasPrefix(lower, "https:/") {
		return Prefix + fixScheme(rest)
	}
	return ""
}

func fixScheme(rest string) string {
	lower := strings.ToLower(rest)
	for _, scheme := range []string{"https:", "http:"} {
		if !strings.HasPrefix(lower, scheme) {
			continue
		}
		tail := strings.TrimLeft(rest[len(scheme):], "/")
		return scheme + "//" + tail
	}
	if rest == "" {
		return rest
	}
	// Bare host: the first path segment must look like a hostname.
	host := rest
	if i := strings.IndexAny(host, "/?"); i >= 0 {
		host = host[:i]
	}
	if !strings.Contains(host, ".") {
		return rest
	}
	return "https://" + rest
}
