package world

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// yamlRegionFile is the top-level YAML structure for region files.
type yamlRegionFile struct {
	Regions []yamlRegion `yaml:"regions"`
}

// yamlRegion is the YAML representation of a region.
type yamlRegion struct {
	ID          uint16 `yaml:"id"`
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

// LoadRegionsFromFile reads and validates a region YAML file.
//
// Precondition: path must point to a valid YAML region file.
// Postcondition: Returns validated definitions in file order or a non-nil error.
func LoadRegionsFromFile(path string) ([]RegionDef, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading region file %s: %w", path, err)
	}
	return LoadRegionsFromBytes(data)
}

// LoadRegionsFromBytes parses and validates region definitions from YAML bytes.
//
// Precondition: data must be valid YAML conforming to the region schema.
// Postcondition: Returns at least one validated definition with unique ids, or an error.
func LoadRegionsFromBytes(data []byte) ([]RegionDef, error) {
	var file yamlRegionFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing region YAML: %w", err)
	}
	if len(file.Regions) == 0 {
		return nil, fmt.Errorf("no regions defined")
	}

	seen := make(map[uint16]bool, len(file.Regions))
	defs := make([]RegionDef, 0, len(file.Regions))
	for i, yr := range file.Regions {
		def := RegionDef{
			ID:          yr.ID,
			Name:        yr.Name,
			Description: strings.TrimSpace(yr.Description),
		}
		if err := def.Validate(); err != nil {
			return nil, fmt.Errorf("validating region[%d]: %w", i, err)
		}
		if seen[def.ID] {
			return nil, fmt.Errorf("validating region[%d]: duplicate region ID %d", i, def.ID)
		}
		seen[def.ID] = true
		defs = append(defs, def)
	}
	return defs, nil
}
