package common

import (
	"errors"
	"sort"
	"strings"
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

// GuardAll rejects when any of the supplied views reports the module as paused.
func GuardAll(module string, views ...PauseView) error {
	for _, view := range views {
		if err := Guard(view, module); err != nil {
			return err
		}
	}
	return nil
}

// PauseSet is a mutable PauseView keyed by module name.
type PauseSet struct {
	mu     sync.RWMutex
	paused map[string]bool
}

// NewPauseSet returns a PauseSet with the supplied modules already paused.
func NewPauseSet(modules ...string) *PauseSet {
	set := &PauseSet{paused: make(map[string]bool)}
	for _, module := range modules {
		set.Set(module, true)
	}
	return set
}

func (s *PauseSet) IsPaused(module string) bool {
	if s == nil {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.paused[strings.TrimSpace(module)]
}

// Set flips the pause flag for module and reports whether the value changed.
func (s *PauseSet) Set(module string, paused bool) bool {
	if s == nil {
		return false
	}
	module = strings.TrimSpace(module)
	if module == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.paused == nil {
		s.paused = make(map[string]bool)
	}
	if s.paused[module] == paused {
		return false
	}
	if paused {
		s.paused[module] = true
	} else {
		delete(s.paused, module)
	}
	return true
}

// Paused lists the currently paused modules in lexical order.
func (s *PauseSet) Paused() []string {
	if s == nil {
		return nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.paused))
	for module := range s.paused {
		out = append(out, module)
	}
	sort.Strings(out)
	return out
}
