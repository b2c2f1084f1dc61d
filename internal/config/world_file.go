package config

import (
	"os"

	"gopkg.in/yaml.v2"
)

// WorldLayout is the optional YAML-defined world geometry: static obstacle
// boxes and station placements. When no file is configured the sim and
// station registry fall back to their built-in defaults.
type WorldLayout struct {
	Obstacles []ObstacleDef `yaml:"obstacles"`
	Stations  []StationDef  `yaml:"stations"`
}

// ObstacleDef is an axis-aligned box on the ground plane.
type ObstacleDef struct {
	MinX float64 `yaml:"min_x"`
	MinZ float64 `yaml:"min_z"`
	MaxX float64 `yaml:"max_x"`
	MaxZ float64 `yaml:"max_z"`
}

// StationDef places an interactable station in the world.
type StationDef struct {
	ID      string   `yaml:"id"`
	Kind    string   `yaml:"kind"`
	X       float64  `yaml:"x"`
	Z       float64  `yaml:"z"`
	Radius  float64  `yaml:"radius"`
	Actions []string `yaml:"actions"`
}

// LoadWorldLayout reads a YAML layout file. A missing path returns an empty
// layout, not an error.
func LoadWorldLayout(path string) (*WorldLayout, error) {
	if path == "" {
		return &WorldLayout{}, nil
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &WorldLayout{}, nil
		}
		return nil, err
	}
	defer f.Close()

	var layout WorldLayout
	if err := yaml.NewDecoder(f).Decode(&layout); err != nil {
		return nil, err
	}
	return &layout, nil
}
