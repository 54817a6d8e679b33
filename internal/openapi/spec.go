// Package openapi embeds the gateway's OpenAPI document.
package openapi

import (
	_ "embed"
	"sync"

	"sigs.k8s.io/yaml"
)

//go:embed spec.yaml
var document []byte

var (
	jsonOnce sync.Once
	jsonDoc  []byte
	jsonErr  error
)

// JSON returns the document converted to JSON. The conversion runs once.
func JSON() ([]byte, error) {
	jsonOnce.Do(func() {
		jsonDoc, jsonErr = yaml.YAMLToJSON(document)
	})
	return jsonDoc, jsonErr
}

// YAML returns the document as embedded.
func YAML() []byte {
	return document
}
