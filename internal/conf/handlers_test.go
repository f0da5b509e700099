package conf

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHandlerTable(t *testing.T) {
	table := NewHandlerTable(map[string]Handler{
		"https://example.com/":          {Redir: "https://example.org/"},
		"https://example.com/**":        {Content: "<p>blocked</p>"},
		"https://*.example.net/**":      {Replace: "https://mirror.example/"},
		"https://a.example.net/special": {Content: "exact"},
		"https://bad.example/[":         {Content: "never"},
	}, nil)

	assert.Equal(t, 4, table.Len())

	tests := []struct {
		target string
		want   Handler
		found  bool
	}{
		{"https://example.com/", Handler{Redir: "https://example.org/"}, true},
		{"https://example.com/a/b", Handler{Content: "<p>blocked</p>"}, true},
		{"https://a.example.net/special", Handler{Content: "exact"}, true},
		{"https://b.example.net/x", Handler{Replace: "https://mirror.example/"}, true},
		{"https://other.example/", Handler{}, false},
		{"https://bad.example/[", Handler{}, false},
	}

	for _, tt := range tests {
		t.Run(tt.target, func(t *testing.T) {
			h, ok := table.Lookup(tt.target)
			assert.Equal(t, tt.found, ok)
			assert.Equal(t, tt.want, h)
		})
	}
}

func TestHandlerTableLexicalOrder(t *testing.T) {
	table := NewHandlerTable(map[string]Handler{
		"https://x.example/b*": {Content: "b"},
		"https://x.example/*":  {Content: "star"},
	}, nil)

	// "https://x.example/*" sorts before "https://x.example/b*".
	h, ok := table.Lookup("https://x.example/bar")
	assert.True(t, ok)
	assert.Equal(t, "star", h.Content)
}

func TestNilHandlerTable(t *testing.T) {
	var table *HandlerTable
	_, ok := table.Lookup("https://example.com/")
	assert.False(t, ok)
	assert.Zero(t, table.Len())
}
