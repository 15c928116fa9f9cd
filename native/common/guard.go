package common

import "errors"

var ErrModulePaused = errors.New("module paused")

// PauseView reports operator pause switches per module.
type PauseView interface {
	IsPaused(module string) bool
}

// StaticPauses is a fixed PauseView, typically loaded from configuration.
type StaticPauses map[string]bool

func (s StaticPauses) IsPaused(module string) bool {
	return s[module]
}

// Guard fails with ErrModulePaused when module is paused. A nil view never
// pauses anything.
func Guard(p PauseView, module string) error {
	if p == nil || module == "" {
		return nil
	}
	if p.IsPaused(module) {
		return ErrModulePaused
	}
	return nil
}
