package query

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"metricsd/pkg/render"
)

// ErrUnknownField is returned when a filter names a field the mapping does not know.
var ErrUnknownField = errors.New("unknown filter field")

// Filter restricts exported rows: each field maps to the values its column may take.
type Filter map[string][]string

// Builder turns filters into SQL using a mapping and an embedded template.
type Builder struct {
	engine  *render.Engine
	mapping Mapping
}

// NewBuilder constructs a Builder.
func NewBuilder(engine *render.Engine, mapping Mapping) (*Builder, error) {
	if engine == nil {
		return nil, errors.New("render engine is required")
	}
	if err := mapping.Validate(); err != nil {
		return nil, err
	}
	return &Builder{engine: engine, mapping: mapping}, nil
}

// Fields lists the filter fields accepted by Build, sorted.
func (b *Builder) Fields() []string {
	fields := make([]string, 0, len(b.mapping.Fields))
	for f := range b.mapping.Fields {
		fields = append(fields, f)
	}
	slices.Sort(fields)
	return fields
}

// Build renders the query for filter. Fields with no values add no condition. Values are
// rendered as escaped string literals.
func (b *Builder) Build(filter Filter) (string, error) {
	if b == nil {
		return "", errors.New("nil builder")
	}

	fields := make([]string, 0, len(filter))
	for f := range filter {
		fields = append(fields, f)
	}
	slices.Sort(fields)

	conditions := slices.Clone(b.mapping.Conditions)
	for _, field := range fields {
		column, ok := b.mapping.Fields[field]
		if !ok {
			return "", fmt.Errorf("%w: %s", ErrUnknownField, field)
		}
		values := filter[field]
		if len(values) == 0 {
			continue
		}
		conditions = append(conditions, column+" IN "+render.InList(values))
	}

	out, err := b.engine.Render(b.mapping.Template, map[string]any{
		"Columns":     b.mapping.Columns,
		"PartitionBy": b.mapping.PartitionBy,
		"OrderBy":     b.mapping.OrderBy,
		"From":        b.mapping.From,
		"Conditions":  conditions,
	})
	if err != nil {
		return "", fmt.Errorf("render query: %w", err)
	}
	return strings.TrimSpace(out), nil
}
