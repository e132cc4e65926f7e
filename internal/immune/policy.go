package immune

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Policy restricts event types. It is immutable once loaded.
type Policy struct {
	blocked  map[string]struct{}
	required map[string]string
}

type policyFile struct {
	BlockedTypes                  []string          `yaml:"blocked_types"`
	RequiredSecurityLevelForTypes map[string]string `yaml:"required_security_level_for_types"`
}

// NewPolicy builds a policy from blocked types and per-type required
// security levels.
func NewPolicy(blocked []string, required map[string]string) *Policy {
	p := &Policy{
		blocked:  make(map[string]struct{}, len(blocked)),
		required: make(map[string]string, len(required)),
	}
	for _, t := range blocked {
		p.blocked[t] = struct{}{}
	}
	for t, level := range required {
		p.required[t] = level
	}
	return p
}

// LoadPolicy reads blocked_types and required_security_level_for_types from
// a YAML or JSON ruleset file. Other keys are ignored.
func LoadPolicy(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy %s: %w", path, err)
	}
	var pf policyFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("parse policy %s: %w", path, err)
	}
	return NewPolicy(pf.BlockedTypes, pf.RequiredSecurityLevelForTypes), nil
}

// Check returns an empty reason when eventType may pass with securityLevel.
func (p *Policy) Check(eventType, securityLevel string) string {
	if p == nil {
		return ""
	}
	if _, blocked := p.blocked[eventType]; blocked {
		return "blocked event type"
	}
	expected, ok := p.required[eventType]
	if !ok {
		return ""
	}
	if securityLevel != expected {
		return "security level mismatch"
	}
	return ""
}
