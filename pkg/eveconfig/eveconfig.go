// Package eveconfig loads the runtime's boot configuration from YAML,
// TOML, or JSON, with a layered-extends resolution mirrored on the
// original ProtocolConfig.decorate capability-config idiom: a document may
// name other documents to extend, and its own keys win over anything it
// extends.
package eveconfig

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Raw is a generically decoded config document, keyed by field name as it
// appears on the wire (YAML/TOML/JSON all decode into the same shape).
type Raw map[string]any

// extendsKey is the field every format uses to name documents to layer
// underneath this one, resolved before Decode ever sees the result.
const extendsKey = "extends"

// Load reads path, resolves its extends chain (each named file merged in
// as a base layer, earliest-listed first, with path's own keys always
// winning), and returns the flattened document.
func Load(path string) (Raw, error) {
	return load(path, make(map[string]bool))
}

func load(path string, seen map[string]bool) (Raw, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve path %s: %w", path, err)
	}
	if seen[abs] {
		return nil, fmt.Errorf("circular extends chain at %s", path)
	}
	seen[abs] = true

	doc, err := decodeFile(path)
	if err != nil {
		return nil, err
	}

	extends, _ := stringSlice(doc[extendsKey])
	delete(doc, extendsKey)

	merged := Raw{}
	dir := filepath.Dir(path)
	for _, ext := range extends {
		extPath := ext
		if !filepath.IsAbs(extPath) {
			extPath = filepath.Join(dir, extPath)
		}
		base, err := load(extPath, seen)
		if err != nil {
			return nil, fmt.Errorf("extend %s: %w", ext, err)
		}
		for k, v := range base {
			merged[k] = v
		}
	}
	for k, v := range doc {
		merged[k] = v
	}
	return merged, nil
}

func decodeFile(path string) (Raw, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	doc := Raw{}
	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("decode yaml %s: %w", path, err)
		}
	case ".toml":
		if err := toml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("decode toml %s: %w", path, err)
		}
	case ".json":
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("decode json %s: %w", path, err)
		}
	default:
		return nil, fmt.Errorf("unsupported config extension %q", filepath.Ext(path))
	}
	return doc, nil
}

// Decode re-marshals raw through YAML and decodes it into target, giving
// callers a typed struct while still benefiting from the extends
// resolution that only operates on the generic map shape.
func Decode(raw Raw, target any) error {
	data, err := yaml.Marshal(raw)
	if err != nil {
		return fmt.Errorf("remarshal config: %w", err)
	}
	if err := yaml.Unmarshal(data, target); err != nil {
		return fmt.Errorf("decode config into target: %w", err)
	}
	return nil
}

// GetString is the Raw analogue of AgentDef.GetString: look up key,
// returning def if it is absent or not a string.
func (r Raw) GetString(key, def string) string {
	v, ok := r[key]
	if !ok {
		return def
	}
	s, ok := v.(string)
	if !ok {
		return def
	}
	return s
}

// UnmarshalKey decodes the value under key into target, the Raw analogue
// of AgentDef.UnmarshalKey for a single nested config section (e.g. an
// agent's own "params" object).
func (r Raw) UnmarshalKey(key string, target any) error {
	v, ok := r[key]
	if !ok {
		return fmt.Errorf("key %q not present", key)
	}
	data, err := yaml.Marshal(v)
	if err != nil {
		return fmt.Errorf("remarshal key %q: %w", key, err)
	}
	return yaml.Unmarshal(data, target)
}

func stringSlice(v any) ([]string, bool) {
	items, ok := v.([]any)
	if !ok {
		return nil, false
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		s, ok := item.(string)
		if !ok {
			return nil, false
		}
		out = append(out, s)
	}
	return out, true
}
