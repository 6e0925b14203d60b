package bench

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Case is one benchmark shape. Zero tile sizes fall back to the engine
// default; zero warmup/runs fall back to 1 and 3.
type Case struct {
	Name     string `yaml:"name"`
	Batch    int    `yaml:"batch"`
	Heads    int    `yaml:"heads"`
	SeqLen   int    `yaml:"seq_len"`
	HeadDim  int    `yaml:"head_dim"`
	TileRows int    `yaml:"tile_rows"`
	TileCols int    `yaml:"tile_cols"`
	Causal   bool   `yaml:"causal"`
	Backward bool   `yaml:"backward"`
	Warmup   int    `yaml:"warmup"`
	Runs     int    `yaml:"runs"`
}

// Suite is a named list of benchmark cases, loaded from YAML.
type Suite struct {
	Name  string `yaml:"name"`
	Cases []Case `yaml:"cases"`
}

// LoadSuite reads and validates a suite file.
func LoadSuite(path string) (*Suite, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read suite: %w", err)
	}
	var s Suite
	if err := yaml.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("parse suite %s: %w", path, err)
	}
	if len(s.Cases) == 0 {
		return nil, fmt.Errorf("suite %s has no cases", path)
	}
	for i := range s.Cases {
		c := &s.Cases[i]
		if c.Name == "" {
			c.Name = fmt.Sprintf("case-%d", i)
		}
		if c.Batch <= 0 || c.Heads <= 0 || c.SeqLen <= 0 || c.HeadDim <= 0 {
			return nil, fmt.Errorf("case %s: batch, heads, seq_len and head_dim must be positive", c.Name)
		}
		if c.Warmup <= 0 {
			c.Warmup = 1
		}
		if c.Runs <= 0 {
			c.Runs = 3
		}
	}
	return &s, nil
}
