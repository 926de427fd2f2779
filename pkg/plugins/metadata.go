package plugins

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"
)

const (
	// ManifestFile is the manifest name at the package root
	ManifestFile = "META_INF"

	// DefaultVersion is used when the manifest declares none
	DefaultVersion = "1.0.0"

	manifestSchemaURL = "https://yufanbot.dev/schemas/meta-inf.json"
)

const manifestSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://yufanbot.dev/schemas/meta-inf.json",
  "type": "object",
  "required": ["id"],
  "properties": {
    "id": { "type": "string", "pattern": "\\S" },
    "name": { "type": "string" },
    "description": { "type": "string" },
    "version": { "type": "string" },
    "authors": { "type": "array", "items": { "type": "string" } },
    "dependencies": { "type": "array", "items": { "type": "string" } },
    "nuget_dependencies": { "type": "array", "items": { "type": "string" } }
  }
}`

var (
	manifestSchemaOnce sync.Once
	manifestSchema     *jsonschema.Schema
	manifestSchemaErr  error
)

func compiledManifestSchema() (*jsonschema.Schema, error) {
	manifestSchemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(strings.NewReader(manifestSchemaJSON))
		if err != nil {
			manifestSchemaErr = fmt.Errorf("unmarshal manifest schema: %w", err)
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource(manifestSchemaURL, doc); err != nil {
			manifestSchemaErr = fmt.Errorf("add manifest schema resource: %w", err)
			return
		}
		manifestSchema, manifestSchemaErr = c.Compile(manifestSchemaURL)
	})
	return manifestSchema, manifestSchemaErr
}

// Metadata is the plugin manifest read from META_INF
type Metadata struct {
	ID           string   `json:"id"`
	Name         string   `json:"name,omitempty"`
	Description  string   `json:"description,omitempty"`
	Version      string   `json:"version"`
	Authors      []string `json:"authors,omitempty"`
	Dependencies []string `json:"dependencies,omitempty"`

	// ProjectFile is the go.mod the package was built from
	ProjectFile string `json:"-"`
}

// DisplayName returns the name, falling back to the id
func (m *Metadata) DisplayName() string {
	if m.Name != "" {
		return m.Name
	}
	return m.ID
}

type rawMetadata struct {
	ID                string   `json:"id"`
	Name              string   `json:"name"`
	Description       string   `json:"description"`
	Version           string   `json:"version"`
	Authors           []string `json:"authors"`
	Dependencies      []string `json:"dependencies"`
	NugetDependencies []string `json:"nuget_dependencies"`
}

// ReadMetadata reads <dir>/META_INF. A missing file is ErrManifestMissing;
// malformed JSON, a schema violation or a blank id is ErrManifestInvalid.
func ReadMetadata(dir string) (*Metadata, error) {
	data, err := os.ReadFile(filepath.Join(dir, ManifestFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrManifestMissing
		}
		return nil, fmt.Errorf("%w: %v", ErrManifestInvalid, err)
	}
	return ParseMetadata(data)
}

// ParseMetadata validates and decodes manifest content
func ParseMetadata(data []byte) (*Metadata, error) {
	schema, err := compiledManifestSchema()
	if err != nil {
		return nil, err
	}

	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrManifestInvalid, err)
	}
	if err := schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrManifestInvalid, err)
	}

	var raw rawMetadata
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrManifestInvalid, err)
	}
	if strings.TrimSpace(raw.ID) == "" {
		return nil, fmt.Errorf("%w: id is blank", ErrManifestInvalid)
	}

	meta := &Metadata{
		ID:           raw.ID,
		Name:         raw.Name,
		Description:  raw.Description,
		Version:      raw.Version,
		Authors:      raw.Authors,
		Dependencies: mergeDependencies(raw.Dependencies, raw.NugetDependencies),
	}
	if meta.Version == "" {
		meta.Version = DefaultVersion
	}
	return meta, nil
}

// mergeDependencies unions both lists in order, dropping exact duplicates
func mergeDependencies(lists ...[]string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, list := range lists {
		for _, dep := range list {
			if seen[dep] {
				continue
			}
			seen[dep] = true
			out = append(out, dep)
		}
	}
	return out
}
