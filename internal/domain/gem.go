package domain

import "time"

// Gem statuses.
const (
	StatusIdle    = "idle"
	StatusForging = "forging"
)

// DefaultGemType is used when a gem is captured without a type.
const DefaultGemType = "insight"

// Gem is a single captured insight taken from a book or other source.
type Gem struct {
	ID            string
	Hash          string
	Title         string // the book or source the insight came from
	Content       string
	Type          string
	Tags          []string
	ForgedContent string
	Status        string

	// ReviewLevel starts at 0 and only ever grows by one per review.
	ReviewLevel int
	// ReviewAt is nil until the gem has been scheduled.
	ReviewAt *time.Time

	CreatedAt time.Time
	SourceID  *int64 // set for gems imported from a source
}

// Forging reports whether a forge call is in flight for the gem.
func (g Gem) Forging() bool {
	return g.Status == StatusForging
}

// Prompt is a reusable forge template. Content may contain the
// {{GEM_CONTENT}} placeholder.
type Prompt struct {
	ID        string
	Name      string
	Content   string
	CreatedAt time.Time
}

// ReviewLog records a single review event for a gem.
// Level is the level the gem reached with this review.
type ReviewLog struct {
	GemID        string
	Level        int
	ReviewedAt   time.Time
	NextReviewAt time.Time
}

// Source types.
const (
	SourceLocal = "local"
	SourceGit   = "git"
)

// Source is a directory or git repository that gems are imported from.
type Source struct {
	ID          int64
	Path        string
	Type        string
	LastScanned *time.Time
}
