package publisher

import (
	"fmt"

	"github.com/gobwas/glob"
)

// GlobFilter filters marker events using glob patterns over room
// identifiers. Empty patterns match everything.
type GlobFilter struct {
	roomGlobs []glob.Glob
}

// NewGlobFilter compiles the given room patterns.
func NewGlobFilter(roomPatterns []string) (*GlobFilter, error) {
	filter := &GlobFilter{
		roomGlobs: make([]glob.Glob, 0, len(roomPatterns)),
	}

	for _, pattern := range roomPatterns {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid room pattern %q: %w", pattern, err)
		}
		filter.roomGlobs = append(filter.roomGlobs, g)
	}

	return filter, nil
}

// Match returns true if the room matches any configured pattern.
// If no patterns are configured, all rooms match.
func (f *GlobFilter) Match(room string) bool {
	if len(f.roomGlobs) == 0 {
		return true
	}

	for _, g := range f.roomGlobs {
		if g.Match(room) {
			return true
		}
	}
	return false
}
