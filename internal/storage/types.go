package storage

import (
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("not found")
	ErrClosed   = errors.New("storage closed")
)

// Config configures the store.
//
// Driver values:
//   - "sqlite" (default): SQLite database file at Path
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // 0 means 5s

	// GenerationRetention bounds the generation log (default 10000 rows).
	GenerationRetention int
}

type Board struct {
	URI         string    `json:"uri"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Created     time.Time `json:"created"`
}

// Thread is a thread's opening post plus its bump state.
type Thread struct {
	Board      string    `json:"board"`
	ID         int64     `json:"id"`
	Subject    string    `json:"subject,omitempty"`
	Name       string    `json:"name,omitempty"`
	Message    string    `json:"message"`
	Created    time.Time `json:"created"`
	LastBump   time.Time `json:"last_bump"`
	Pinned     bool      `json:"pinned,omitempty"`
	Locked     bool      `json:"locked,omitempty"`
	ReplyCount int       `json:"reply_count"`
}

// Post is a reply. IDs are numbered per board, shared with threads.
type Post struct {
	Board   string    `json:"board"`
	ID      int64     `json:"id"`
	Thread  int64     `json:"thread"`
	Name    string    `json:"name,omitempty"`
	Subject string    `json:"subject,omitempty"`
	Message string    `json:"message"`
	Created time.Time `json:"created"`
}

// Generation is one finished render as recorded by the diagnostic sink.
type Generation struct {
	At         time.Time     `json:"at"`
	Request    string        `json:"request"`
	Kind       string        `json:"kind"`
	Board      string        `json:"board,omitempty"`
	OK         bool          `json:"ok"`
	Error      string        `json:"error,omitempty"`
	QueueDelay time.Duration `json:"queue_delay"`
	Took       time.Duration `json:"took"`
}
