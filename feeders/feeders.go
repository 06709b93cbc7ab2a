// Package feeders provides configuration feeders that populate settings
// structures from files and from environment variables.
package feeders

import "errors"

// Feeder populates a configuration structure from a single source.
type Feeder interface {
	// Feed fills target, which must be a non-nil pointer to a struct or map.
	Feed(target any) error
}

// ErrInvalidTarget indicates the value handed to a feeder cannot be filled.
var ErrInvalidTarget = errors.New("feeders: target must be a non-nil pointer")

// ErrKeyFeed indicates a FeedKey extraction failed.
var ErrKeyFeed = errors.New("feeders: key feed failed")
