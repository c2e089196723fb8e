// Copyright (c) 2026 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0

package media

// EventKind names the async media notifications fanned out to project rooms.
type EventKind string

const (
	EventMediaReady    EventKind = "media_ready"
	EventVideoQueued   EventKind = "video_processing_queued"
	EventVideoStart    EventKind = "video_processing_start"
	EventVideoProgress EventKind = "video_processing_progress"
	EventVideoComplete EventKind = "video_processing_complete"
)

// Event is one media lifecycle notification. A complete event carries either
// Formats/URLs or Error, never both.
type Event struct {
	Kind     EventKind         `json:"type"`
	Hash     string            `json:"hash"`
	URLs     map[string]string `json:"urls,omitempty"`
	Formats  []string          `json:"formats,omitempty"`
	Progress float64           `json:"progress,omitempty"`
	Error    string            `json:"error,omitempty"`
}

// Publisher receives media events for broadcast. The hub provides one; a nil
// publisher drops events.
type Publisher interface {
	PublishMedia(projectID int64, ev Event)
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(projectID int64, ev Event)

func (f PublisherFunc) PublishMedia(projectID int64, ev Event) { f(projectID, ev) }
