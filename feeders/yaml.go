package feeders

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// YamlFeeder reads a YAML file into a configuration structure.
type YamlFeeder struct {
	Path string
}

// NewYamlFeeder creates a YamlFeeder for the given file.
func NewYamlFeeder(path string) YamlFeeder {
	return YamlFeeder{Path: path}
}

// Feed reads the file and unmarshals it into target.
func (f YamlFeeder) Feed(target any) error {
	if target == nil {
		return ErrInvalidTarget
	}
	raw, err := os.ReadFile(f.Path)
	if err != nil {
		return fmt.Errorf("yaml feeder: %w", err)
	}
	if err := yaml.Unmarshal(raw, target); err != nil {
		return fmt.Errorf("yaml feeder: %s: %w", f.Path, err)
	}
	return nil
}

// FeedKey extracts one top-level key from the file into target. A missing
// key leaves target untouched.
func (f YamlFeeder) FeedKey(key string, target any) error {
	var tree map[string]any
	if err := f.Feed(&tree); err != nil {
		return err
	}
	value, ok := tree[key]
	if !ok {
		return nil
	}
	raw, err := yaml.Marshal(value)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrKeyFeed, key, err)
	}
	if err := yaml.Unmarshal(raw, target); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrKeyFeed, key, err)
	}
	return nil
}
