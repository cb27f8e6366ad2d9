package loot

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Content is one loot content file: templates, mob links and generator bindings.
type Content struct {
	TemplateSet `yaml:",inline"`
	Generators  []Binding `yaml:"generators" toml:"generators"`
}

// LoadContentFromBytes parses and validates one content document.
func LoadContentFromBytes(data []byte) (Content, error) {
	var c Content
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Content{}, fmt.Errorf("parsing loot YAML: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Content{}, err
	}
	return c, nil
}

// LoadContentFromTOML parses and validates one TOML content document. Tables
// use the same keys as the YAML form ([[templates]], [[links]], [[generators]]).
func LoadContentFromTOML(data []byte) (Content, error) {
	var c Content
	if _, err := toml.Decode(string(data), &c); err != nil {
		return Content{}, fmt.Errorf("parsing loot TOML: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Content{}, err
	}
	return c, nil
}

// Validate checks the template set and every binding.
func (c Content) Validate() error {
	if err := c.TemplateSet.Validate(); err != nil {
		return err
	}
	for _, b := range c.Generators {
		if b.Kind == "" {
			return fmt.Errorf("loot binding %q: kind must not be empty", b.Name)
		}
		if _, err := b.Key(); err != nil {
			return err
		}
	}
	return nil
}

// LoadContentDir merges every *.yaml, *.yml and *.toml file in dir, in lexical order.
//
// Postcondition: Returns the merged content or the first read, parse or
// validation error.
func LoadContentDir(dir string) (Content, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return Content{}, fmt.Errorf("reading loot dir %q: %w", dir, err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch filepath.Ext(e.Name()) {
		case ".yaml", ".yml", ".toml":
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	var merged Content
	for _, name := range names {
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			return Content{}, fmt.Errorf("reading %q: %w", path, err)
		}
		parse := LoadContentFromBytes
		if filepath.Ext(name) == ".toml" {
			parse = LoadContentFromTOML
		}
		c, err := parse(data)
		if err != nil {
			return Content{}, fmt.Errorf("loading %q: %w", path, err)
		}
		merged.Templates = append(merged.Templates, c.Templates...)
		merged.Links = append(merged.Links, c.Links...)
		merged.Generators = append(merged.Generators, c.Generators...)
	}
	return merged, nil
}

// DirSource is a TemplateSource reading the templates and links of a content directory.
type DirSource struct {
	Dir string
}

// LoadLootTemplates re-reads the directory.
func (d DirSource) LoadLootTemplates(context.Context) (TemplateSet, error) {
	c, err := LoadContentDir(d.Dir)
	if err != nil {
		return TemplateSet{}, err
	}
	return c.TemplateSet, nil
}
