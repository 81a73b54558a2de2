package harvest

import (
	"context"
	"time"
)

// Fetcher issues catalog HTTP requests and returns raw response bodies.
// Pacing, retries, and header discipline live behind this boundary.
type Fetcher interface {
	Get(ctx context.Context, rawURL string) ([]byte, error)
	PostForm(ctx context.Context, rawURL string, form map[string]string) ([]byte, error)
	PostMultipart(ctx context.Context, rawURL string, fields [][2]string) ([]byte, error)
}

// SnapshotStore persists immutable, timestamped record sets per source.
type SnapshotStore interface {
	Write(ctx context.Context, sourceKey string, columns []string, records []Record) (Snapshot, error)
	Latest(ctx context.Context, sourceKey string, n int) ([]Snapshot, error)
	Prune(ctx context.Context, sourceKey string, keep int) (int, error)
}

// Notifier delivers one composed notification to one recipient.
type Notifier interface {
	Send(ctx context.Context, msg Message) error
}

// Message is the payload handed to the notification channel.
type Message struct {
	From    string
	To      string
	Subject string
	HTML    string
}

// Issue is one open tracker issue, the raw input to subscription parsing.
type Issue struct {
	Number int
	Title  string
	Body   string
}

// IssueSource lists the open issues that declare subscriptions.
type IssueSource interface {
	OpenIssues(ctx context.Context) ([]Issue, error)
}

// Clock returns the current time (injectable for tests).
type Clock interface {
	Now() time.Time
}

// SystemClock is the wall clock.
type SystemClock struct{}

// Now implements Clock.
func (SystemClock) Now() time.Time { return time.Now() }
