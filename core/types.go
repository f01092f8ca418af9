package core

import (
	"context"
	"errors"
	"fmt"
)

type State int

const (
	StateDisconnected State = iota
	StateConnected
	StatePrimaryAttempted
	StateUnlocked
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnected:
		return "connected"
	case StatePrimaryAttempted:
		return "primary-attempted"
	case StateUnlocked:
		return "unlocked"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateUnlocked || s == StateFailed
}

type Via int

const (
	ViaPrimary Via = iota
	ViaFallback
)

func (v Via) String() string {
	if v == ViaFallback {
		return "fallback"
	}
	return "primary"
}

// Outcome is either Unlocked (with the command that did it)
// or Failed with errors of both commands.
type Outcome struct {
	Unlocked bool
	Via      Via

	PrimaryErr  error
	FallbackErr error
}

var (
	ErrDeviceNotFound  = errors.New("no fastboot device attached")
	ErrMultipleDevices = errors.New("more than one fastboot device attached")
	ErrSessionUsed     = errors.New("unlock already attempted on this device")
)

// TransportError is a failure of the USB layer, as opposed to the
// device refusing a command.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

type CommandErrorKind int

const (
	CommandRejected CommandErrorKind = iota
	CommandTimeout
)

func (k CommandErrorKind) String() string {
	if k == CommandTimeout {
		return "timeout"
	}
	return "rejected"
}

// CommandError is a failure of a single fastboot command.
// Only these errors lead to the fallback command.
type CommandError struct {
	Command string
	Kind    CommandErrorKind
	Reason  string
}

func (e *CommandError) Error() string {
	if e.Kind == CommandTimeout {
		return fmt.Sprintf("%s: timed out", e.Command)
	}
	if e.Reason == "" {
		return fmt.Sprintf("%s: rejected by device", e.Command)
	}
	return fmt.Sprintf("%s: %s", e.Command, e.Reason)
}

// Is makes timeouts match context.DeadlineExceeded.
func (e *CommandError) Is(target error) bool {
	return e.Kind == CommandTimeout && target == context.DeadlineExceeded
}

func IsCommandError(err error) bool {
	var cerr *CommandError
	return errors.As(err, &cerr)
}

// LateOkayError is returned instead of sending a command when the
// device turns out to have acknowledged the previous, timed out one.
type LateOkayError struct {
	Command string
	Payload string
}

func (e *LateOkayError) Error() string {
	return fmt.Sprintf("%s: acknowledged after timeout", e.Command)
}
