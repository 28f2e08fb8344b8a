package rules

import (
	_ "embed"
	"fmt"

	"gopkg.in/yaml.v3"

	"stockpulse/internal/models"
)

//go:embed defaults.yaml
var defaultsYAML []byte

type defaultsFile struct {
	Rules []models.Rule `yaml:"rules"`
}

// DefaultsYAML returns the embedded default rule document.
func DefaultsYAML() []byte {
	return append([]byte(nil), defaultsYAML...)
}

// Defaults parses the embedded default rule set. Every rule is owned by
// models.DefaultTenant.
func Defaults() ([]models.Rule, error) {
	var f defaultsFile
	if err := yaml.Unmarshal(defaultsYAML, &f); err != nil {
		return nil, fmt.Errorf("parse default rules: %w", err)
	}

	seen := make(map[string]bool, len(f.Rules))
	for i := range f.Rules {
		r := &f.Rules[i]
		r.TenantID = models.DefaultTenant
		if err := r.Validate(); err != nil {
			return nil, fmt.Errorf("default rule %s: %w", r.ID, err)
		}
		if seen[r.EventType] {
			return nil, fmt.Errorf("default rule %s: duplicate event type %s", r.ID, r.EventType)
		}
		seen[r.EventType] = true
	}
	return f.Rules, nil
}
