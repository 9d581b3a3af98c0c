package scene

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

var (
	ErrNoFrontmatter = errors.New("no frontmatter found")
	ErrInvalidYAML   = errors.New("invalid YAML in scene")
)

// LoadFile reads a scene from path. Files ending in .md carry the specification in frontmatter
// and the free text prompt in the body; anything else is parsed as plain YAML.
func LoadFile(path string) (*Specification, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var spec *Specification
	switch strings.ToLower(filepath.Ext(path)) {
	case ".md", ".markdown":
		spec, err = ParseMarkdown(data)
	default:
		spec, err = Parse(data)
	}
	if err != nil {
		return nil, fmt.Errorf("loading scene %s: %w", path, err)
	}
	spec.SourceFile = path
	return spec, nil
}

func Parse(content []byte) (*Specification, error) {
	var spec Specification
	if err := yaml.Unmarshal(bytes.TrimLeft(content, "\ufeff"), &spec); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidYAML, err)
	}
	if err := Validate(&spec); err != nil {
		return nil, err
	}
	return &spec, nil
}

func ParseMarkdown(content []byte) (*Specification, error) {
	trimmed := bytes.TrimLeft(content, "\ufeff\n\r\t ")
	if !bytes.HasPrefix(trimmed, []byte("---\n")) {
		return nil, ErrNoFrontmatter
	}

	rest := trimmed[len("---\n"):]
	end := bytes.Index(rest, []byte("---\n"))
	if end == -1 {
		return nil, ErrNoFrontmatter
	}

	spec, err := Parse(rest[:end])
	if err != nil {
		return nil, err
	}
	if body := strings.TrimSpace(string(rest[end+len("---\n"):])); body != "" && spec.Prompt == "" {
		spec.Prompt = body
	}
	return spec, nil
}
