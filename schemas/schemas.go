// Package schemas embeds the JSON Schemas that request bodies are validated
// against.
package schemas

import (
	"embed"
	"fmt"
)

// Schema names.
const (
	Select  = "select"
	RunStep = "run_step"
)

//go:embed *.schema.json
var files embed.FS

// Get returns the schema document for name.
func Get(name string) (string, error) {
	data, err := files.ReadFile(name + ".schema.json")
	if err != nil {
		return "", fmt.Errorf("unknown schema %q: %w", name, err)
	}
	return string(data), nil
}

// All returns every embedded schema keyed by name.
func All() (map[string]string, error) {
	out := make(map[string]string)
	for _, name := range []string{Select, RunStep} {
		doc, err := Get(name)
		if err != nil {
			return nil, err
		}
		out[name] = doc
	}
	return out, nil
}
