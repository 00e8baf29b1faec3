package alerts

import (
	"fmt"
	"os"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

type seedFile struct {
	Alerts []seedEntry `yaml:"alerts"`
}

type seedEntry struct {
	Currency  string  `yaml:"currency"`
	Kind      string  `yaml:"kind"`
	Threshold float64 `yaml:"threshold"`
	Title     string  `yaml:"title"`
	Message   string  `yaml:"message"`
}

// LoadSeedFile reads armed alert definitions from a YAML file of the form
//
//	alerts:
//	  - currency: TRY
//	    kind: above
//	    threshold: 33
func LoadSeedFile(path string) ([]*Alert, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read alert seed file: %w", err)
	}
	return ParseSeed(raw)
}

// ParseSeed decodes seed YAML.
func ParseSeed(raw []byte) ([]*Alert, error) {
	var file seedFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("decode alert seed: %w", err)
	}

	out := make([]*Alert, 0, len(file.Alerts))
	for i, entry := range file.Alerts {
		kind, err := ParseKind(entry.Kind)
		if err != nil {
			return nil, fmt.Errorf("seed entry %d: %w", i, err)
		}
		a, err := New(entry.Currency, kind, decimal.NewFromFloat(entry.Threshold))
		if err != nil {
			return nil, fmt.Errorf("seed entry %d: %w", i, err)
		}
		if entry.Title != "" {
			a.Title = entry.Title
		}
		if entry.Message != "" {
			a.Message = entry.Message
		}
		out = append(out, a)
	}
	return out, nil
}
