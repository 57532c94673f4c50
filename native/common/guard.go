package common

import (
	"errors"
	"sync"
)

var ErrModulePaused = errors.New("module paused")

type PauseView interface {
	IsPaused(module string) bool
}

func Guard(p PauseView, module string) error {
	if p == nil || module == "" {
		return nil
	}
	if p.IsPaused(module) {
		return ErrModulePaused
	}
	return nil
}

// StaticPauses is a PauseView backed by an in-memory set, suitable for
// standalone deployments where pause flags come from configuration or an
// admin endpoint rather than chain state.
type StaticPauses struct {
	mu     sync.RWMutex
	paused map[string]bool
}

func NewStaticPauses(modules ...string) *StaticPauses {
	p := &StaticPauses{paused: make(map[string]bool, len(modules))}
	for _, m := range modules {
		p.paused[m] = true
	}
	return p
}

func (p *StaticPauses) SetPaused(module string, paused bool) {
	if p == nil || module == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.paused == nil {
		p.paused = make(map[string]bool)
	}
	p.paused[module] = paused
}

func (p *StaticPauses) IsPaused(module string) bool {
	if p == nil {
		return false
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.paused[module]
}
