package orchestrator

import (
	"sync"
)

// PauseController manages pause/resume/stop state for one workflow run.
// It provides a thread-safe way to control dispatch; the run loop consults
// it before every dispatch and is woken through Changed on every change.
type PauseController struct {
	// paused indicates whether dispatch is paused.
	paused bool
	// stopped indicates whether the run has been stopped.
	stopped bool
	// changed receives a signal on every state change. It never blocks.
	changed chan struct{}
	// mu protects all fields.
	mu sync.RWMutex
}

// NewPauseController creates a new PauseController.
func NewPauseController(paused bool) *PauseController {
	return &PauseController{paused: paused, changed: make(chan struct{}, 1)}
}

// Pause pauses dispatch. It returns false if the run was already paused or stopped.
func (p *PauseController) Pause() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.paused || p.stopped {
		return false
	}
	p.paused = true
	p.signal()
	return true
}

// Resume resumes dispatch after a pause. It returns false if the run was not paused.
func (p *PauseController) Resume() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.paused || p.stopped {
		return false
	}
	p.paused = false
	p.signal()
	return true
}

// Stop marks the run stopped. Pause and Resume have no effect afterwards.
func (p *PauseController) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.stopped {
		p.stopped = true
		p.signal()
	}
}

// IsPaused returns whether dispatch is currently paused.
func (p *PauseController) IsPaused() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.paused
}

// IsStopped returns whether the controller has been stopped.
func (p *PauseController) IsStopped() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.stopped
}

// Changed returns a channel that receives after every state change.
func (p *PauseController) Changed() <-chan struct{} {
	return p.changed
}

func (p *PauseController) signal() {
	select {
	case p.changed <- struct{}{}:
	default:
	}
}
