package plugin

import (
	"errors"
	"fmt"
)

// ErrPluginNotFound is returned when a reload or unload target is unknown.
var ErrPluginNotFound = errors.New("plugin not found")

// LoadError reports a module that failed to read, compile, or run.
type LoadError struct {
	File string
	Err  error
}

func (e *LoadError) Error() string { return fmt.Sprintf("load %s: %v", e.File, e.Err) }
func (e *LoadError) Unwrap() error { return e.Err }

// NormalizationWarning reports an export, or part of one, that produced no
// endpoint.
type NormalizationWarning struct {
	File   string
	Reason string
}

func (w *NormalizationWarning) Error() string { return fmt.Sprintf("%s: %s", w.File, w.Reason) }

// ReloadFailure reports a failed reload. The previous registration, if any,
// stays in place.
type ReloadFailure struct {
	Plugin string
	Err    error
}

func (e *ReloadFailure) Error() string { return fmt.Sprintf("reload %s: %v", e.Plugin, e.Err) }
func (e *ReloadFailure) Unwrap() error { return e.Err }
