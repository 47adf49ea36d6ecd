package query

import (
	_ "embed"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

//go:embed mapping.yaml
var defaultMapping []byte

// Mapping describes the query a filter is applied to and which column each filter field
// constrains.
type Mapping struct {
	Template    string            `yaml:"template"`
	From        string            `yaml:"from"`
	PartitionBy string            `yaml:"partition_by"`
	OrderBy     string            `yaml:"order_by"`
	Columns     []string          `yaml:"columns"`
	Conditions  []string          `yaml:"conditions"`
	Fields      map[string]string `yaml:"fields"`
}

// DefaultMapping returns the built-in case export mapping.
func DefaultMapping() (Mapping, error) {
	return ParseMapping(defaultMapping)
}

// LoadMapping reads a mapping from a YAML file. An empty path selects the default mapping.
func LoadMapping(path string) (Mapping, error) {
	if path == "" {
		return DefaultMapping()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Mapping{}, fmt.Errorf("read mapping: %w", err)
	}
	return ParseMapping(data)
}

// ParseMapping decodes and validates a YAML mapping document.
func ParseMapping(data []byte) (Mapping, error) {
	var m Mapping
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Mapping{}, fmt.Errorf("decode mapping: %w", err)
	}
	if err := m.Validate(); err != nil {
		return Mapping{}, err
	}
	return m, nil
}

// Validate reports the first missing required member.
func (m Mapping) Validate() error {
	switch {
	case m.Template == "":
		return errors.New("mapping template is required")
	case m.From == "":
		return errors.New("mapping from is required")
	case m.PartitionBy == "":
		return errors.New("mapping partition_by is required")
	case m.OrderBy == "":
		return errors.New("mapping order_by is required")
	case len(m.Columns) == 0:
		return errors.New("mapping columns are required")
	}
	for field, column := range m.Fields {
		if column == "" {
			return fmt.Errorf("mapping field %q has no column", field)
		}
	}
	return nil
}
