package thresholds

import (
	_ "embed"
	"fmt"

	"gopkg.in/yaml.v3"

	"stockpulse/internal/models"
)

//go:embed system.yaml
var systemYAML []byte

type systemFile struct {
	Thresholds []models.Threshold `yaml:"thresholds"`
}

// SystemYAML returns the embedded system threshold document.
func SystemYAML() []byte {
	return append([]byte(nil), systemYAML...)
}

// SystemTable parses the embedded system thresholds in declaration order.
func SystemTable() ([]models.Threshold, error) {
	var f systemFile
	if err := yaml.Unmarshal(systemYAML, &f); err != nil {
		return nil, fmt.Errorf("parse system thresholds: %w", err)
	}
	for i := range f.Thresholds {
		t := &f.Thresholds[i]
		t.Source = models.SourceSystem
		t.Priority = models.ParsePriority(string(t.Priority))
		if !t.Priority.IsValid() {
			return nil, fmt.Errorf("system threshold %s: unknown priority %q", t.AlertType, t.Priority)
		}
	}
	return f.Thresholds, nil
}
