package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"path/filepath"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

// decode strictly decodes a config file. YAML (".yaml", ".yml") is first
// converted to JSON, so both formats reject unknown fields the same way.
func decode(path string, data []byte) (*Config, error) {
	if isYAML(path) {
		var err error
		if data, err = yamlToJSON(data); err != nil {
			return nil, err
		}
	}

	var cfg Config
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return nil, fmt.Errorf("decode %s: trailing data", filepath.Base(path))
		}
		return nil, err
	}
	return &cfg, nil
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

func yamlToJSON(data []byte) ([]byte, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("yaml: %w", err)
	}
	if doc == nil {
		return []byte("{}"), nil
	}
	out, err := json.Marshal(stringKeys(doc))
	if err != nil {
		return nil, fmt.Errorf("yaml to json: %w", err)
	}
	return out, nil
}

// stringKeys rewrites map[any]any nodes so encoding/json accepts them.
func stringKeys(node any) any {
	switch n := node.(type) {
	case map[any]any:
		out := make(map[string]any, len(n))
		for k, v := range n {
			out[fmt.Sprint(k)] = stringKeys(v)
		}
		return out
	case map[string]any:
		for k, v := range n {
			n[k] = stringKeys(v)
		}
		return n
	case []any:
		for i, v := range n {
			n[i] = stringKeys(v)
		}
		return n
	}
	return node
}

// fingerprint identifies a decoded config so no-op reloads are skipped.
// It is 0 when the config cannot be encoded.
func fingerprint(cfg *Config) uint64 {
	if cfg == nil {
		return 0
	}
	b, err := json.Marshal(cfg)
	if err != nil || len(b) == 0 {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}
