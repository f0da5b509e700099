// Package conf distributes the proxy's routing configuration.
//
// A Config is replaced wholesale on update and versioned by its ver
// field. The Manager loads it from persisted storage, a bootstrap file
// or a remote script, coalesces concurrent loads, persists accepted
// versions and fans the result out to subscribers and open pages.
package conf

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/goccy/go-yaml"
	"github.com/pelletier/go-toml/v2"
	"github.com/tidwall/sjson"
)

var (
	ErrUnavailable = errors.New("configuration unavailable")
	ErrInvalid     = errors.New("invalid configuration")
)

// Node is a gateway node. Lines maps a gateway base URL to its weight.
type Node struct {
	Label string         `json:"label,omitempty"`
	Lines map[string]int `json:"lines,omitempty"`
}

// Config is the routing configuration. Fields the proxy does not use
// are preserved and handed back verbatim to pages.
type Config struct {
	Ver         int                `json:"ver"`
	NodeDefault string             `json:"node_default"`
	NodeMap     map[string]Node    `json:"node_map"`
	URLHandler  map[string]Handler `json:"url_handler,omitempty"`
	AssetsCDN   string             `json:"assets_cdn,omitempty"`
	IndexPath   string             `json:"index_path,omitempty"`

	raw []byte
}

type plain Config

// Parse decodes a JSON configuration blob.
func Parse(data []byte) (*Config, error) {
	var p plain
	if err := sonic.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	c := Config(p)
	c.raw = append([]byte(nil), data...)
	return &c, nil
}

// FromMap builds a Config from a decoded generic value, as produced by
// the script runtime or a YAML/TOML decoder.
func FromMap(v any) (*Config, error) {
	if _, ok := v.(map[string]any); !ok {
		return nil, fmt.Errorf("%w: expected object, got %T", ErrInvalid, v)
	}
	data, err := sonic.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return Parse(data)
}

// MarshalJSON returns the original blob including unknown fields.
func (c *Config) MarshalJSON() ([]byte, error) {
	if len(c.raw) > 0 {
		return c.raw, nil
	}
	return sonic.Marshal((*plain)(c))
}

var _ json.Marshaler = (*Config)(nil)

// HasNode reports whether name is a key of NodeMap.
func (c *Config) HasNode(name string) bool {
	_, ok := c.NodeMap[name]
	return ok
}

// withNodeDefault returns a copy of c whose node_default is name, in
// both the typed fields and the raw blob.
func (c *Config) withNodeDefault(name string) (*Config, error) {
	out := *c
	out.NodeDefault = name
	if len(c.raw) > 0 {
		raw, err := sjson.SetBytes(append([]byte(nil), c.raw...), "node_default", name)
		if err != nil {
			return nil, err
		}
		out.raw = raw
	}
	return &out, nil
}

// LoadFile reads a configuration file. The format follows the extension:
// .json, .yaml, .yml or .toml.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".json", "":
		return Parse(data)
	case ".yaml", ".yml":
		var m map[string]any
		if err := yaml.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
		}
		return FromMap(m)
	case ".toml":
		var m map[string]any
		if err := toml.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
		}
		return FromMap(m)
	default:
		return nil, fmt.Errorf("unsupported config format %q", ext)
	}
}
