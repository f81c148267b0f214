package models

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Status represents the current state of a story process.
type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusDone    Status = "done"
	StatusFailed  Status = "failed"
)

// Terminal reports whether no further mutation is allowed after s.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusFailed
}

func (s Status) rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusRunning:
		return 1
	case StatusDone, StatusFailed:
		return 2
	default:
		return -1
	}
}

// Before reports whether s comes strictly earlier than other in the lifecycle.
func (s Status) Before(other Status) bool {
	return s.rank() >= 0 && s.rank() < other.rank()
}

// Process stores the runtime state of one submitted story.
type Process struct {
	ID        string    `json:"id"`
	Status    Status    `json:"status"`
	VideoID   string    `json:"video_id,omitempty"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

var ErrValidation = errors.New("invalid story")

// ValidationError rejects a submission before any process is created.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", ErrValidation.Error(), e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// NormalizeStory trims the story text and enforces the size limit.
// A maxBytes of zero disables the limit.
func NormalizeStory(text string, maxBytes int) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", &ValidationError{Reason: "story text is empty"}
	}
	if maxBytes > 0 && len(text) > maxBytes {
		return "", &ValidationError{Reason: fmt.Sprintf("story text exceeds %d bytes", maxBytes)}
	}
	return text, nil
}

type Character struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// Scene is one ordered unit of narrative. Index defines playback order.
type Scene struct {
	Index             int      `json:"index"`
	Text              string   `json:"text"`
	Summary           string   `json:"summary,omitempty"`
	Setting           string   `json:"setting"`
	CharactersPresent []string `json:"characters_present"`
	Tone              string   `json:"tone"`
}

type VisualStyle struct {
	Description string `json:"description"`
}

// Media holds generated bytes together with their MIME type.
type Media struct {
	Data     []byte
	MIMEType string
}

func (m Media) Empty() bool {
	return len(m.Data) == 0
}

// SceneArtifact collects the per-scene outputs required for composition.
type SceneArtifact struct {
	Index int
	Image Media
	Audio Media
}

func (a SceneArtifact) Complete() bool {
	return !a.Image.Empty() && !a.Audio.Empty()
}

// EventKind classifies log events sent to subscribers.
type EventKind string

const (
	EventInfo     EventKind = "info"
	EventStart    EventKind = "start"
	EventComplete EventKind = "complete"
	EventFailed   EventKind = "failed"
	EventDone     EventKind = "done"
	EventError    EventKind = "error"
)

// Terminal reports whether the event closes a process log stream.
func (k EventKind) Terminal() bool {
	return k == EventDone || k == EventError
}

// LogEvent is one progress line published for a process.
type LogEvent struct {
	ProcessID string    `json:"process_id"`
	Sequence  int64     `json:"sequence"`
	Stage     string    `json:"stage,omitempty"`
	Kind      EventKind `json:"kind"`
	Message   string    `json:"message"`
	Time      time.Time `json:"time"`
}
