// Package transform turns raw batches into curated catalog partitions: normalization,
// deduplication, enrichment joins and rejected-record routing.
package transform

import (
	_ "embed"
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/chararch/tunepipe"
	"github.com/chararch/tunepipe/catalog"
)

// IngestedAtColumn is added to every curated table.
const IngestedAtColumn = "ingested_at"

//go:embed entities.yaml
var defaultEntities []byte

// Field describes one column of an entity and how raw values are normalized into it.
type Field struct {
	Name      string             `yaml:"name"`
	Type      catalog.ColumnType `yaml:"type"`
	Required  bool               `yaml:"required"`
	MaxLength int                `yaml:"max_length"`
	NoTrim    bool               `yaml:"no_trim"`

	// Source is the raw attribute name, defaults to Name.
	Source string `yaml:"source"`
}

func (f Field) source() string {
	if f.Source != "" {
		return f.Source
	}
	return f.Name
}

// Entity is the contract of one curated table.
type Entity struct {
	Name       string   `yaml:"name"`
	Table      string   `yaml:"table"`
	PrimaryKey []string `yaml:"primary_key"`
	Fields     []Field  `yaml:"fields"`
}

// TableName returns Table, or Name when no table is configured.
func (e *Entity) TableName() string {
	if e.Table != "" {
		return e.Table
	}
	return e.Name
}

// Schema returns the catalog schema of the entity's curated table.
func (e *Entity) Schema() catalog.Schema {
	s := catalog.Schema{Table: e.TableName(), PrimaryKey: e.PrimaryKey}
	for _, f := range e.Fields {
		s.Columns = append(s.Columns, catalog.Column{Name: f.Name, Type: f.Type, Nullable: !f.Required})
	}
	s.Columns = append(s.Columns, catalog.Column{Name: IngestedAtColumn, Type: catalog.Timestamp})
	return s
}

// Registry holds the entity contracts by name.
type Registry struct {
	entities map[string]*Entity
	order    []string
}

// Get returns the named entity or a configuration error.
func (r *Registry) Get(name string) (*Entity, error) {
	e, ok := r.entities[name]
	if !ok {
		return nil, tunepipe.NewBatchError(tunepipe.ErrCodeConfig, "unknown entity %q", name)
	}
	return e, nil
}

// Names returns the entity names in declaration order.
func (r *Registry) Names() []string {
	return append([]string(nil), r.order...)
}

// ParseRegistry parses a YAML entity registry and validates every entity schema.
func ParseRegistry(data []byte) (*Registry, error) {
	var doc struct {
		Entities []*Entity `yaml:"entities"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, tunepipe.NewBatchError(tunepipe.ErrCodeConfig, "parse entity registry", err)
	}
	r := &Registry{entities: map[string]*Entity{}}
	for _, e := range doc.Entities {
		if _, dup := r.entities[e.Name]; dup {
			return nil, tunepipe.NewBatchError(tunepipe.ErrCodeConfig, "entity %q declared twice", e.Name)
		}
		if len(e.PrimaryKey) == 0 {
			return nil, tunepipe.NewBatchError(tunepipe.ErrCodeConfig, "entity %q has no primary key", e.Name)
		}
		if err := e.Schema().Validate(); err != nil {
			return nil, err
		}
		r.entities[e.Name] = e
		r.order = append(r.order, e.Name)
	}
	return r, nil
}

// LoadRegistry reads a registry file; an empty path loads the built-in users, sessions and
// songs entities.
func LoadRegistry(path string) (*Registry, error) {
	if path == "" {
		return DefaultRegistry(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, tunepipe.NewBatchError(tunepipe.ErrCodeConfig, "read entity registry %s", path, errors.WithStack(err))
	}
	return ParseRegistry(data)
}

// DefaultRegistry returns the built-in entities.
func DefaultRegistry() *Registry {
	r, err := ParseRegistry(defaultEntities)
	if err != nil {
		panic(err)
	}
	return r
}
