package rules

import (
	"context"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Source supplies a complete list of allowed subjects.
type Source interface {
	Name() string
	Load(ctx context.Context) ([]string, error)
}

// RulesetFile is the on-disk ruleset format.
type RulesetFile struct {
	AllowedSubjects []string `yaml:"allowed_subjects"`
}

// FileSource reads a YAML (or JSON) ruleset file.
type FileSource struct {
	Path string
}

// Name identifies the source in logs.
func (s *FileSource) Name() string {
	return "file:" + s.Path
}

// Load reads the file on every call.
func (s *FileSource) Load(context.Context) ([]string, error) {
	return LoadFile(s.Path)
}

// LoadFile parses a ruleset file and returns its normalized subjects.
func LoadFile(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read ruleset %s: %w", path, err)
	}
	var rf RulesetFile
	if err := yaml.Unmarshal(data, &rf); err != nil {
		return nil, fmt.Errorf("parse ruleset %s: %w", path, err)
	}
	return NormalizeSubjects(rf.AllowedSubjects), nil
}

// StaticSource returns a fixed subject list.
type StaticSource []string

// Name identifies the source in logs.
func (StaticSource) Name() string {
	return "static"
}

// Load returns a copy of the list.
func (s StaticSource) Load(context.Context) ([]string, error) {
	return NormalizeSubjects(s), nil
}

// NormalizeSubjects trims whitespace and drops empty entries.
func NormalizeSubjects(subjects []string) []string {
	out := make([]string, 0, len(subjects))
	for _, s := range subjects {
		s = strings.TrimSpace(s)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
