package proxy

import "strings"

// ParseContentType splits a Content-Type value into its lowercased MIME
// type and charset. Parameters may appear in any order and the charset
// may be quoted; the first charset parameter wins.
func ParseContentType(v string) (mime, charset string) {
	parts := strings.Split(strings.ToLower(v), ";")
	mime = strings.TrimSpace(parts[0])

	for _, p := range parts[1:] {
		name, value, ok := strings.Cut(p, "=")
		if !ok || strings.TrimSpace(name) != "charset" {
			continue
		}
		charset = strings.Trim(strings.TrimSpace(value), `"'`)
		if charset != "" {
			break
		}
	}
	return mime, charset
}
