package storage

import (
	"errors"
	"time"

	kit "zambot/internal/transport"
)

var (
	// ErrSlotConflict is returned by ReserveSlot when the requested slot
	// violates the minimum gap or the hour is at capacity. Auto-scheduling
	// retries the whole slot search on it.
	ErrSlotConflict = errors.New("slot conflicts with existing bookings")

	// ErrNotFound is returned when a referenced row does not exist.
	ErrNotFound = errors.New("record not found")
)

// Config configures the sqlite store.
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means default (5s)
}

// Queue item status values. Transitions are strictly
// pending -> processing -> {completed, failed}, with retryable failures
// re-entering pending.
const (
	QueuePending    = "pending"
	QueueProcessing = "processing"
	QueueCompleted  = "completed"
	QueueFailed     = "failed"
)

// Origin classes. Admin submissions outrank suggestions in claim order.
const (
	OriginAdmin      = "admin"
	OriginSuggestion = "suggestion"
)

// Priorities per origin class.
const (
	PriorityAdmin      = 10
	PrioritySuggestion = 1
)

func OriginPriority(origin string) int {
	if origin == OriginAdmin {
		return PriorityAdmin
	}
	return PrioritySuggestion
}

// QueueItem is one unit of submitted work awaiting capture.
type QueueItem struct {
	ID          int64
	TweetURL    string
	TweetID     string
	Submitter   string
	ChatID      int64
	Origin      string
	Priority    int
	Status      string
	Attempts    int
	AddedAt     time.Time
	ProcessedAt time.Time // zero until terminal
	Error       string

	BatchID    string
	BatchTotal int

	OCRAuthor string
	OCRText   string
}

// Scheduled post status values.
const (
	PostScheduled  = "scheduled"
	PostPublishing = "publishing"
	PostPublished  = "published"
	PostCancelled  = "cancelled"
)

// Post is an approved item in the posting line. PublishAt is nil until a
// slot is assigned.
type Post struct {
	ID        string
	TweetID   string
	Text      string
	Media     []kit.MediaItem
	Entities  []kit.EntitySpan
	Query     string
	PublishAt *time.Time
	Status    string
	Attempts  int
	CreatedAt time.Time
}

// Booking is a committed slot: a post occupying a publish timestamp.
type Booking struct {
	PostID string
	At     time.Time
}

// PublishedRecord is the terminal archive row for a posted item.
type PublishedRecord struct {
	PostID      string
	TweetID     string
	ChatID      int64
	MessageID   int
	PublishedAt time.Time
}

// JournalEntry is one row of the error journal.
type JournalEntry struct {
	At      time.Time
	Message string
}

// Feedback is a stored user feedback message.
type Feedback struct {
	ID        int64
	Submitter string
	ChatID    int64
	Category  string
	Message   string
	CreatedAt time.Time
}
