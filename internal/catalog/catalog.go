// Package catalog provides the prebuilt coach personas shipped with the
// service.
package catalog

import (
	_ "embed"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"coach-chat/internal/domain"
)

//go:embed prebuilt.yaml
var prebuiltYAML []byte

type file struct {
	Coaches []entry `yaml:"coaches"`
}

type entry struct {
	ID          string `yaml:"id"`
	Name        string `yaml:"name"`
	Avatar      string `yaml:"avatar"`
	Specialty   string `yaml:"specialty"`
	Description string `yaml:"description"`
	Instruction string `yaml:"instruction"`
}

// Catalog is an immutable, ordered set of prebuilt personas.
type Catalog struct {
	order []string
	byID  map[string]domain.Persona
}

// Default returns the catalog embedded in the binary.
func Default() (*Catalog, error) {
	return Parse(prebuiltYAML)
}

// Parse unmarshals YAML bytes into a validated Catalog.
func Parse(data []byte) (*Catalog, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("catalog: parse: %w", err)
	}
	c := &Catalog{byID: make(map[string]domain.Persona, len(f.Coaches))}
	for i, e := range f.Coaches {
		id := strings.TrimSpace(e.ID)
		if id == "" {
			return nil, fmt.Errorf("catalog: coach %d: id is required", i)
		}
		if _, dup := c.byID[id]; dup {
			return nil, fmt.Errorf("catalog: duplicate coach id %q", id)
		}
		instruction := strings.TrimSpace(e.Instruction)
		if instruction == "" {
			return nil, fmt.Errorf("catalog: coach %q: instruction is required", id)
		}
		c.byID[id] = domain.Persona{
			ID:          id,
			Name:        strings.TrimSpace(e.Name),
			Avatar:      e.Avatar,
			Specialty:   domain.ParseSpecialty(e.Specialty),
			Description: strings.TrimSpace(e.Description),
			Instruction: instruction,
			Prebuilt:    true,
		}
		c.order = append(c.order, id)
	}
	return c, nil
}

// Lookup returns the prebuilt persona with the given id.
func (c *Catalog) Lookup(id string) (domain.Persona, bool) {
	p, ok := c.byID[id]
	return p, ok
}

// All returns the prebuilt personas in catalog order.
func (c *Catalog) All() []domain.Persona {
	out := make([]domain.Persona, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.byID[id])
	}
	return out
}
