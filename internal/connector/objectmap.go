// Package connector maps canonical migration-object identifiers onto
// concrete wire endpoints and drives extraction and loading through the
// dialect-aware transport.
package connector

import (
	_ "embed"
	"sort"

	"github.com/stanstork/stratum-fabric/internal/fabricerr"
	"github.com/stanstork/stratum-fabric/internal/odata"
	"gopkg.in/yaml.v3"
)

// System names the side of the migration an endpoint belongs to.
type System string

const (
	SystemSource System = "source"
	SystemTarget System = "target"
)

// TransportRFC marks objects served by the dictionary-call path rather
// than HTTP.
const TransportRFC = "rfc"

// Mapping resolves one object identifier to its wire endpoint.
type Mapping struct {
	System      System        `yaml:"system"`
	Service     string        `yaml:"service"`
	EntitySet   string        `yaml:"entitySet"`
	Dialect     odata.Dialect `yaml:"dialect"`
	Transport   string        `yaml:"transport,omitempty"`
	CutoffField string        `yaml:"cutoffField,omitempty"`
}

//go:embed objects.yaml
var objectMapData []byte

type objectMapFile struct {
	Objects map[string]Mapping `yaml:"objects"`
}

// ObjectMap is the static registry keyed by canonical object identifier.
type ObjectMap struct {
	entries map[string]Mapping
}

// LoadObjectMap parses the embedded registry data file.
func LoadObjectMap() (*ObjectMap, error) {
	return ParseObjectMap(objectMapData)
}

// ParseObjectMap parses registry data, validating every entry.
func ParseObjectMap(data []byte) (*ObjectMap, error) {
	var file objectMapFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fabricerr.Wrap(fabricerr.KindConfiguration, err, "parse object map")
	}

	for id, m := range file.Objects {
		if m.Service == "" || m.EntitySet == "" {
			return nil, fabricerr.Newf(fabricerr.KindConfiguration, "object %s is missing service or entity set", id)
		}
		if m.System != SystemSource && m.System != SystemTarget {
			return nil, fabricerr.Newf(fabricerr.KindConfiguration, "object %s has unknown system %q", id, m.System)
		}
		if _, err := odata.ParseDialect(string(m.Dialect)); err != nil {
			return nil, fabricerr.Wrap(fabricerr.KindConfiguration, err, "object "+id)
		}
	}
	return &ObjectMap{entries: file.Objects}, nil
}

// Has reports whether the identifier is mapped.
func (m *ObjectMap) Has(id string) bool {
	_, ok := m.entries[id]
	return ok
}

// Get resolves an identifier; unmapped identifiers fail fast with a
// configuration error.
func (m *ObjectMap) Get(id string) (Mapping, error) {
	entry, ok := m.entries[id]
	if !ok {
		return Mapping{}, fabricerr.Newf(fabricerr.KindConfiguration, "no object mapping for %q", id).WithDetail("objectId", id)
	}
	return entry, nil
}

// IDs returns the mapped identifiers in sorted order.
func (m *ObjectMap) IDs() []string {
	ids := make([]string, 0, len(m.entries))
	for id := range m.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Len reports the registry size.
func (m *ObjectMap) Len() int { return len(m.entries) }
