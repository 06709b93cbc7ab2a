package feeders

import (
	"encoding/json"
	"fmt"
	"os"
)

// JSONFeeder reads a JSON file into a configuration structure.
type JSONFeeder struct {
	Path string
}

// NewJSONFeeder creates a JSONFeeder for the given file.
func NewJSONFeeder(path string) JSONFeeder {
	return JSONFeeder{Path: path}
}

// Feed reads the file and unmarshals it into target.
func (f JSONFeeder) Feed(target any) error {
	if target == nil {
		return ErrInvalidTarget
	}
	raw, err := os.ReadFile(f.Path)
	if err != nil {
		return fmt.Errorf("json feeder: %w", err)
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return fmt.Errorf("json feeder: %s: %w", f.Path, err)
	}
	return nil
}

// FeedKey extracts one top-level key from the file into target. A missing
// key leaves target untouched.
func (f JSONFeeder) FeedKey(key string, target any) error {
	var tree map[string]json.RawMessage
	if err := f.Feed(&tree); err != nil {
		return err
	}
	raw, ok := tree[key]
	if !ok {
		return nil
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrKeyFeed, key, err)
	}
	return nil
}
