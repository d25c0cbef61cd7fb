// Package packages loads the install manifest and deploys its packages into
// a new root.
package packages

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/freenas/ix-installer/internal/fsatomic"
)

const manifestSchema = `{
  "type": "object",
  "required": ["Train", "Version", "Packages"],
  "properties": {
    "Sequence": {"type": "string"},
    "Train":    {"type": "string", "minLength": 1},
    "Version":  {"type": "string", "minLength": 1},
    "Packages": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["Name", "Version"],
        "properties": {
          "Name":     {"type": "string", "minLength": 1},
          "Version":  {"type": "string", "minLength": 1},
          "Checksum": {"type": "string"}
        }
      }
    }
  }
}`

// Package is one entry of a manifest.
type Package struct {
	Name     string `json:"Name"`
	Version  string `json:"Version"`
	Checksum string `json:"Checksum,omitempty"`
}

// FileName is the archive name of the package in a package directory.
func (p Package) FileName() string { return p.Name + "-" + p.Version + ".tgz" }

// Manifest lists the packages making up one OS release.
type Manifest struct {
	Sequence string    `json:"Sequence,omitempty"`
	Train    string    `json:"Train"`
	Version  string    `json:"Version"`
	Packages []Package `json:"Packages"`

	raw []byte
}

// LoadManifest reads and validates a manifest file.
func LoadManifest(path string) (*Manifest, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	return ParseManifest(b)
}

// ParseManifest validates b against the manifest schema and decodes it.
func ParseManifest(b []byte) (*Manifest, error) {
	result, err := gojsonschema.Validate(gojsonschema.NewStringLoader(manifestSchema), gojsonschema.NewBytesLoader(b))
	if err != nil {
		return nil, fmt.Errorf("manifest: %w", err)
	}
	if !result.Valid() {
		errs := []string{}
		for _, e := range result.Errors() {
			errs = append(errs, fmt.Sprintf("%s: %s", e.Field(), e.Description()))
		}
		return nil, fmt.Errorf("manifest validation failed: %s", strings.Join(errs, "; "))
	}
	var m Manifest
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("manifest: %w", err)
	}
	m.raw = append([]byte(nil), b...)
	return &m, nil
}

// Names returns the package names in manifest order.
func (m *Manifest) Names() []string {
	out := make([]string, 0, len(m.Packages))
	for _, p := range m.Packages {
		out = append(out, p.Name)
	}
	return out
}

// Save writes the manifest, as it was loaded, to path.
func (m *Manifest) Save(ctx context.Context, path string) error {
	data := m.raw
	if data == nil {
		var err error
		if data, err = json.MarshalIndent(m, "", "  "); err != nil {
			return err
		}
	}
	return fsatomic.WriteFile(ctx, path, data, 0o644)
}
