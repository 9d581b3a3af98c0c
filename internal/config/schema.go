package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// AnyEntityType in entity_types accepts every entity type.
const AnyEntityType = "any"

type Schema struct {
	Version           int                `yaml:"version"`
	EntityTypes       []EntityType       `yaml:"entity_types"`
	RelationshipTypes []RelationshipType `yaml:"relationship_types"`

	entityIndex map[string]*EntityType
	relIndex    map[string]*RelationshipType
}

type EntityType struct {
	Name        string     `yaml:"name"`
	Description string     `yaml:"description"`
	Properties  []Property `yaml:"properties"`
}

type Property struct {
	Name     string   `yaml:"name"`
	Type     string   `yaml:"type"`
	Values   []string `yaml:"values"`
	Default  string   `yaml:"default"`
	Required bool     `yaml:"required"`
}

type RelationshipType struct {
	Name      string `yaml:"name"`
	Inverse   string `yaml:"inverse"`
	Symmetric bool   `yaml:"symmetric"`
}

func LoadSchema(path string) (*Schema, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("loading schema: %w", err)
	}
	schema, err := ParseSchema(data)
	if err != nil {
		return nil, fmt.Errorf("loading schema: %w", err)
	}
	return schema, nil
}

func ParseSchema(data []byte) (*Schema, error) {
	var schema Schema
	if err := yaml.Unmarshal(data, &schema); err != nil {
		return nil, err
	}

	if err := validateSchema(&schema); err != nil {
		return nil, err
	}

	schema.entityIndex = make(map[string]*EntityType)
	for i := range schema.EntityTypes {
		entity := &schema.EntityTypes[i]
		schema.entityIndex[strings.ToLower(entity.Name)] = entity
	}

	schema.relIndex = make(map[string]*RelationshipType)
	for i := range schema.RelationshipTypes {
		rel := &schema.RelationshipTypes[i]
		schema.relIndex[strings.ToLower(rel.Name)] = rel
	}

	return &schema, nil
}

func validateSchema(s *Schema) error {
	if s.Version != 1 {
		return fmt.Errorf("unsupported version: %d", s.Version)
	}
	if len(s.EntityTypes) == 0 {
		return fmt.Errorf("at least one entity type is required")
	}

	entityNames := make(map[string]struct{})
	for i, entity := range s.EntityTypes {
		if strings.TrimSpace(entity.Name) == "" {
			return fmt.Errorf("entity type %d name is required", i)
		}
		key := strings.ToLower(entity.Name)
		if _, exists := entityNames[key]; exists {
			return fmt.Errorf("duplicate entity type name: %s", entity.Name)
		}
		entityNames[key] = struct{}{}

		propNames := make(map[string]struct{})
		for _, prop := range entity.Properties {
			name := strings.ToLower(strings.TrimSpace(prop.Name))
			if name == "" {
				return fmt.Errorf("entity type %s has property with empty name", entity.Name)
			}
			if _, exists := propNames[name]; exists {
				return fmt.Errorf("entity type %s has duplicate property: %s", entity.Name, prop.Name)
			}
			propNames[name] = struct{}{}
			if strings.EqualFold(prop.Type, "enum") && len(prop.Values) == 0 {
				return fmt.Errorf("entity type %s property %s enum has no values", entity.Name, prop.Name)
			}
		}
	}

	relNames := make(map[string]struct{})
	for i, rel := range s.RelationshipTypes {
		if strings.TrimSpace(rel.Name) == "" {
			return fmt.Errorf("relationship type %d name is required", i)
		}
		key := strings.ToLower(rel.Name)
		if _, exists := relNames[key]; exists {
			return fmt.Errorf("duplicate relationship type name: %s", rel.Name)
		}
		relNames[key] = struct{}{}
	}

	for _, rel := range s.RelationshipTypes {
		if rel.Inverse == "" {
			continue
		}
		if rel.Symmetric {
			return fmt.Errorf("relationship type %s is symmetric and cannot declare an inverse", rel.Name)
		}
		if _, ok := relNames[strings.ToLower(rel.Inverse)]; !ok {
			return fmt.Errorf("relationship type %s references unknown inverse: %s", rel.Name, rel.Inverse)
		}
	}

	return nil
}

func (s *Schema) EntityTypeByName(name string) (*EntityType, bool) {
	if s == nil {
		return nil, false
	}
	entity, ok := s.entityIndex[strings.ToLower(name)]
	return entity, ok
}

func (s *Schema) RelationshipTypeByName(name string) (*RelationshipType, bool) {
	if s == nil {
		return nil, false
	}
	rel, ok := s.relIndex[strings.ToLower(name)]
	return rel, ok
}

func (s *Schema) IsValidEntityType(name string) bool {
	if _, ok := s.EntityTypeByName(AnyEntityType); ok {
		return true
	}
	_, ok := s.EntityTypeByName(name)
	return ok
}

func (s *Schema) IsValidRelationshipType(name string) bool {
	_, ok := s.RelationshipTypeByName(name)
	return ok
}

// IsSymmetric reports whether relationships of this type are undirected in the causal graph.
func (s *Schema) IsSymmetric(relationshipType string) bool {
	rel, ok := s.RelationshipTypeByName(relationshipType)
	return ok && rel.Symmetric
}

// MissingProperties lists the required properties of entityType absent from attrs.
func (s *Schema) MissingProperties(entityType string, attrs map[string]string) []string {
	entity, ok := s.EntityTypeByName(entityType)
	if !ok {
		return nil
	}
	var missing []string
	for _, prop := range entity.Properties {
		if !prop.Required {
			continue
		}
		if v, ok := attrs[prop.Name]; !ok || v == "" {
			missing = append(missing, prop.Name)
		}
	}
	return missing
}
