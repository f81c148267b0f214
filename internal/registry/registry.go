package registry

import (
	"errors"
	"sort"
	"sync"
	"time"

	"storyreel/internal/models"

	"github.com/google/uuid"
)

var (
	ErrNotFound          = errors.New("process not found")
	ErrAlreadyTerminal   = errors.New("process already terminal")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Registry maps process ids to their current state. Writers are the owning
// pipeline run; readers are the HTTP layer.
type Registry struct {
	mu        sync.RWMutex
	processes map[string]*models.Process
	now       func() time.Time
}

func New() *Registry {
	return &Registry{
		processes: make(map[string]*models.Process),
		now:       time.Now,
	}
}

// Create registers a new pending process.
func (r *Registry) Create() models.Process {
	now := r.now()
	p := &models.Process{
		ID:        uuid.NewString(),
		Status:    models.StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	r.mu.Lock()
	r.processes[p.ID] = p
	r.mu.Unlock()

	return *p
}

func (r *Registry) Get(id string) (models.Process, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.processes[id]
	if !ok {
		return models.Process{}, ErrNotFound
	}
	return *p, nil
}

// SetStatus moves a process forward to a non-terminal status.
// Terminal states are reached through SetResult and SetError only.
func (r *Registry) SetStatus(id string, status models.Status) error {
	return r.update(id, func(p *models.Process) error {
		if status.Terminal() || !p.Status.Before(status) {
			return ErrInvalidTransition
		}
		p.Status = status
		return nil
	})
}

// SetResult marks the process done with its video id.
func (r *Registry) SetResult(id, videoID string) error {
	return r.update(id, func(p *models.Process) error {
		if videoID == "" {
			return ErrInvalidTransition
		}
		p.Status = models.StatusDone
		p.VideoID = videoID
		return nil
	})
}

// SetError marks the process failed with an error summary.
func (r *Registry) SetError(id, message string) error {
	return r.update(id, func(p *models.Process) error {
		if message == "" {
			return ErrInvalidTransition
		}
		p.Status = models.StatusFailed
		p.Error = message
		return nil
	})
}

// update applies fn under the lock. Unknown and terminal processes are
// rejected before fn sees its arguments.
func (r *Registry) update(id string, fn func(*models.Process) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.processes[id]
	if !ok {
		return ErrNotFound
	}
	if p.Status.Terminal() {
		return ErrAlreadyTerminal
	}
	if err := fn(p); err != nil {
		return err
	}
	p.UpdatedAt = r.now()
	return nil
}

// List returns up to limit processes, most recently updated first.
func (r *Registry) List(limit int) []models.Process {
	r.mu.RLock()
	out := make([]models.Process, 0, len(r.processes))
	for _, p := range r.processes {
		out = append(out, *p)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})

	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Prune removes terminal processes last updated before cutoff and returns them.
func (r *Registry) Prune(cutoff time.Time) []models.Process {
	var removed []models.Process

	r.mu.Lock()
	for id, p := range r.processes {
		if p.Status.Terminal() && p.UpdatedAt.Before(cutoff) {
			removed = append(removed, *p)
			delete(r.processes, id)
		}
	}
	r.mu.Unlock()

	return removed
}
