// Package theme merges CSS custom-property overrides over the default palette.
package theme

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"sigs.k8s.io/yaml"
)

var defaults = map[string]string{
	"--aip-primary":       "#2563eb",
	"--aip-text":          "#0f172a",
	"--aip-bg":            "#ffffff",
	"--aip-border":        "#e2e8f0",
	"--aip-border-radius": "12px",
	"--aip-radius":        "12px",
}

// Theme maps CSS custom-property names to values.
type Theme map[string]string

// Default returns a copy of the built-in palette.
func Default() Theme {
	out := make(Theme, len(defaults))
	for k, v := range defaults {
		out[k] = v
	}
	return out
}

// Merge layers overrides over the default palette. Values are stringified.
func Merge(overrides map[string]interface{}) Theme {
	out := Default()
	for k, v := range overrides {
		if strings.TrimSpace(k) == "" || v == nil {
			continue
		}
		out[k] = stringify(v)
	}
	return out
}

// Parse decodes a YAML or JSON object of overrides.
func Parse(data []byte) (map[string]interface{}, error) {
	overrides := map[string]interface{}{}
	if len(strings.TrimSpace(string(data))) == 0 {
		return overrides, nil
	}
	if err := yaml.Unmarshal(data, &overrides); err != nil {
		return nil, fmt.Errorf("parse theme: %w", err)
	}
	return overrides, nil
}

// LoadFile reads overrides from a YAML or JSON file.
func LoadFile(path string) (map[string]interface{}, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("read theme file: %w", err)
	}
	return Parse(data)
}

// Style renders the theme as an inline CSS declaration list.
func (t Theme) Style() string {
	keys := make([]string, 0, len(t))
	for k := range t {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(' ')
		}
		fmt.Fprintf(&b, "%s: %s;", k, t[k])
	}
	return b.String()
}

func stringify(v interface{}) string {
	switch val := v.(type) {
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case bool:
		return strconv.FormatBool(val)
	default:
		return fmt.Sprint(val)
	}
}
