package conf

import (
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"go.uber.org/zap"
)

// Handler overrides how one URL is served.
type Handler struct {
	Redir   string `json:"redir,omitempty"`
	Content string `json:"content,omitempty"`
	Replace string `json:"replace,omitempty"`
}

// HandlerTable is the read-only lookup projection of url_handler.
// Keys containing glob metacharacters match with doublestar semantics.
type HandlerTable struct {
	exact map[string]Handler
	globs []globHandler
}

type globHandler struct {
	pattern string
	handler Handler
}

// NewHandlerTable builds a table. Invalid glob keys are skipped.
func NewHandlerTable(m map[string]Handler, logger *zap.Logger) *HandlerTable {
	if logger == nil {
		logger = zap.NewNop()
	}

	t := &HandlerTable{exact: make(map[string]Handler, len(m))}
	for key, h := range m {
		if !strings.ContainsAny(key, "*?[{") {
			t.exact[key] = h
			continue
		}
		if !doublestar.ValidatePattern(key) {
			logger.Warn("Skipping invalid url_handler pattern", zap.String("pattern", key))
			continue
		}
		t.globs = append(t.globs, globHandler{pattern: key, handler: h})
	}
	sort.Slice(t.globs, func(i, j int) bool {
		return t.globs[i].pattern < t.globs[j].pattern
	})
	return t
}

// Lookup finds the handler for target. Exact keys win over patterns;
// patterns are tried in lexical order.
func (t *HandlerTable) Lookup(target string) (Handler, bool) {
	if t == nil {
		return Handler{}, false
	}
	if h, ok := t.exact[target]; ok {
		return h, true
	}
	for _, g := range t.globs {
		if ok, _ := doublestar.Match(g.pattern, target); ok {
			return g.handler, true
		}
	}
	return Handler{}, false
}

// Len returns the number of entries.
func (t *HandlerTable) Len() int {
	if t == nil {
		return 0
	}
	return len(t.exact) + len(t.globs)
}
