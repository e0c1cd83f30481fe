// Package secrets resolves named credentials injected by the hosting
// environment. Values are read once and never mutated afterwards.
package secrets

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Value is either a structured mapping, a plain string, or both when a string
// entry holds a JSON object.
type Value struct {
	fields map[string]any
	text   string
	isText bool
}

func MappingValue(fields map[string]any) Value {
	return Value{fields: maps.Clone(fields)}
}

func StringValue(text string) Value {
	v := Value{text: text, isText: true}
	trimmed := strings.TrimSpace(text)
	if strings.HasPrefix(trimmed, "{") {
		var fields map[string]any
		if err := json.Unmarshal([]byte(trimmed), &fields); err == nil {
			v.fields = fields
		}
	}
	return v
}

// Mapping returns a copy of the structured fields.
func (v Value) Mapping() (map[string]any, bool) {
	if v.fields == nil {
		return nil, false
	}
	return maps.Clone(v.fields), true
}

// Text returns the raw string form of a string secret.
func (v Value) Text() (string, bool) {
	return v.text, v.isText
}

type Store interface {
	Lookup(name string) (Value, bool)
}

// MapStore is an in-memory store, used for file contents and tests.
type MapStore map[string]Value

func (m MapStore) Lookup(name string) (Value, bool) {
	v, ok := m[name]
	return v, ok
}

// LoadFile reads a YAML document whose top-level keys are secret names.
// A missing file yields an empty store so absent credentials surface at
// bootstrap time rather than at startup.
func LoadFile(path string) (MapStore, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return MapStore{}, nil
		}
		return nil, fmt.Errorf("read secrets file: %w", err)
	}
	return Parse(raw)
}

func Parse(raw []byte) (MapStore, error) {
	var doc map[string]any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse secrets file: %w", err)
	}

	store := make(MapStore, len(doc))
	for name, entry := range doc {
		switch typed := entry.(type) {
		case string:
			store[name] = StringValue(typed)
		case map[string]any:
			store[name] = MappingValue(typed)
		case nil:
			// declared but empty; treat as missing
		default:
			return nil, fmt.Errorf("secret %q: unsupported value type %T", name, entry)
		}
	}
	return store, nil
}

// EnvStore resolves NAME as the upper-cased environment variable of the same name.
type EnvStore struct {
	lookup func(string) (string, bool)
}

func NewEnvStore() EnvStore {
	return EnvStore{lookup: os.LookupEnv}
}

func (e EnvStore) Lookup(name string) (Value, bool) {
	lookup := e.lookup
	if lookup == nil {
		lookup = os.LookupEnv
	}
	raw, ok := lookup(strings.ToUpper(name))
	if !ok || strings.TrimSpace(raw) == "" {
		return Value{}, false
	}
	return StringValue(raw), true
}

// Chain returns the first hit across stores in order.
type Chain []Store

func (c Chain) Lookup(name string) (Value, bool) {
	for _, store := range c {
		if store == nil {
			continue
		}
		if v, ok := store.Lookup(name); ok {
			return v, true
		}
	}
	return Value{}, false
}
