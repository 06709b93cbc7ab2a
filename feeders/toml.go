package feeders

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// TomlFeeder reads a TOML file into a configuration structure.
type TomlFeeder struct {
	Path string
}

// NewTomlFeeder creates a TomlFeeder for the given file.
func NewTomlFeeder(path string) TomlFeeder {
	return TomlFeeder{Path: path}
}

// Feed reads the file and unmarshals it into target.
func (f TomlFeeder) Feed(target any) error {
	if target == nil {
		return ErrInvalidTarget
	}
	raw, err := os.ReadFile(f.Path)
	if err != nil {
		return fmt.Errorf("toml feeder: %w", err)
	}
	if err := toml.Unmarshal(raw, target); err != nil {
		return fmt.Errorf("toml feeder: %s: %w", f.Path, err)
	}
	return nil
}

// FeedKey extracts one top-level table from the file into target. A missing
// table leaves target untouched.
func (f TomlFeeder) FeedKey(key string, target any) error {
	var tree map[string]any
	if err := f.Feed(&tree); err != nil {
		return err
	}
	value, ok := tree[key]
	if !ok {
		return nil
	}
	raw, err := toml.Marshal(value)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrKeyFeed, key, err)
	}
	if err := toml.Unmarshal(raw, target); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrKeyFeed, key, err)
	}
	return nil
}
