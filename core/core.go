package core

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/hashicorp/go-multierror"
)

// Package with "core logic" of the unlock procedure:
// picking the one attached device, sending the unlock
// commands and deciding the outcome.
//
// USB package is not imported - it uses gousb and gousb
// uses cgo, so we depend on abstract interfaces instead
// and the session can be tested without hardware.

// Bus and Device are implemented in usb package

type Bus interface {
	Enumerate() ([]DeviceInfo, error)
	Connect(path string) (Device, error)
}

type DeviceInfo struct {
	Path      string
	VendorID  int
	ProductID int
	Serial    string
}

type Device interface {
	// Command sends cmd and waits for the final response until ctx
	// is done. Failures of the command itself are *CommandError.
	Command(ctx context.Context, cmd []byte) (string, error)
	Close() error
}

var (
	PrimaryCommand  = []byte("flashing unlock")
	FallbackCommand = []byte("oem unlock")
)

const DefaultCommandTimeout = 60 * time.Second

type Logger interface {
	Log(s string)
}

type nopLogger struct{}

func (nopLogger) Log(string) {}

type Session struct {
	info    DeviceInfo
	dev     Device
	state   State
	timeout time.Duration
	closed  bool

	log Logger
}

type Option func(*Session)

func WithCommandTimeout(d time.Duration) Option {
	return func(s *Session) {
		s.timeout = d
	}
}

func WithLogger(l Logger) Option {
	return func(s *Session) {
		if l != nil {
			s.log = l
		}
	}
}

func infoList(infos []DeviceInfo) string {
	paths := make([]string, 0, len(infos))
	for _, info := range infos {
		paths = append(paths, info.Path)
	}
	sort.Strings(paths)
	return fmt.Sprint(paths)
}

// Connect opens the single attached fastboot device.
// It does not guess when there is none or more than one.
func Connect(bus Bus, opts ...Option) (*Session, error) {
	s := &Session{
		state:   StateDisconnected,
		timeout: DefaultCommandTimeout,
		log:     nopLogger{},
	}
	for _, opt := range opts {
		opt(s)
	}

	s.log.Log("enumerating")
	infos, err := bus.Enumerate()
	if err != nil {
		return nil, &TransportError{Op: "enumerate", Err: err}
	}

	switch len(infos) {
	case 0:
		return nil, ErrDeviceNotFound
	case 1:
	default:
		s.log.Log(fmt.Sprintf("found %d devices: %s", len(infos), infoList(infos)))
		return nil, fmt.Errorf("%w: %s", ErrMultipleDevices, infoList(infos))
	}

	s.info = infos[0]
	s.log.Log(fmt.Sprintf(
		"connecting %s (%04x:%04x)",
		s.info.Path, s.info.VendorID, s.info.ProductID,
	))
	dev, err := bus.Connect(s.info.Path)
	if err != nil {
		if errors.Is(err, ErrDeviceNotFound) {
			// disconnected between enumerate and connect
			return nil, err
		}
		return nil, &TransportError{Op: "connect", Err: err}
	}
	if sd, ok := dev.(interface{ Serial() string }); ok {
		s.info.Serial = sd.Serial()
	}
	s.dev = dev
	s.transition(StateConnected)
	return s, nil
}

func (s *Session) Info() DeviceInfo {
	return s.info
}

func (s *Session) State() State {
	return s.state
}

func (s *Session) transition(to State) {
	s.log.Log(fmt.Sprintf("state %s -> %s", s.state, to))
	s.state = to
}

// Run executes the unlock procedure once. The primary command is
// tried first; a *CommandError from it leads to exactly one attempt
// of the fallback command. Any other error is returned as is, without
// the fallback.
func (s *Session) Run(ctx context.Context) (Outcome, error) {
	if s.state != StateConnected {
		return Outcome{}, fmt.Errorf("%w (state %s)", ErrSessionUsed, s.state)
	}
	if err := ctx.Err(); err != nil {
		s.transition(StateFailed)
		return Outcome{}, err
	}

	s.transition(StatePrimaryAttempted)
	primaryErr := s.command(ctx, PrimaryCommand)
	if primaryErr == nil {
		s.transition(StateUnlocked)
		return Outcome{Unlocked: true, Via: ViaPrimary}, nil
	}
	if !IsCommandError(primaryErr) {
		s.transition(StateFailed)
		return Outcome{PrimaryErr: primaryErr}, primaryErr
	}

	fallbackErr := s.command(ctx, FallbackCommand)
	var late *LateOkayError
	if errors.As(fallbackErr, &late) && late.Command == string(PrimaryCommand) {
		// the fallback was never sent
		s.transition(StateUnlocked)
		return Outcome{Unlocked: true, Via: ViaPrimary}, nil
	}
	if fallbackErr == nil {
		s.transition(StateUnlocked)
		return Outcome{Unlocked: true, Via: ViaFallback, PrimaryErr: primaryErr}, nil
	}

	s.transition(StateFailed)
	o := Outcome{PrimaryErr: primaryErr, FallbackErr: fallbackErr}
	if !IsCommandError(fallbackErr) {
		return o, fallbackErr
	}
	return o, nil
}

func (s *Session) command(ctx context.Context, cmd []byte) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	s.log.Log(fmt.Sprintf("sending %q, timeout %s", cmd, s.timeout))
	res, err := s.dev.Command(ctx, cmd)
	if err != nil {
		s.log.Log(fmt.Sprintf("%q failed: %s", cmd, err))
		return err
	}
	s.log.Log(fmt.Sprintf("%q okay %q", cmd, res))
	return nil
}

// Close releases the device. Calling it more than once is safe,
// the device itself is closed only the first time.
func (s *Session) Close() error {
	if s.closed || s.dev == nil {
		return nil
	}
	s.closed = true
	s.log.Log("closing device")
	err := s.dev.Close()
	if err != nil {
		return &TransportError{Op: "close", Err: err}
	}
	return nil
}

// Unlock connects to the device, runs the procedure and closes the
// device on every path.
func Unlock(ctx context.Context, bus Bus, opts ...Option) (Outcome, error) {
	s, err := Connect(bus, opts...)
	if err != nil {
		return Outcome{}, err
	}
	info := s.Info()
	s.log.Log(fmt.Sprintf("device %s serial %q", info.Path, info.Serial))
	defer func() {
		cerr := s.Close()
		if cerr != nil {
			// the outcome is already decided, only log
			s.log.Log(fmt.Sprintf("error on close: %s", cerr))
		}
	}()
	return s.Run(ctx)
}

// Err returns nil for unlocked outcomes and both command errors
// otherwise.
func (o Outcome) Err() error {
	if o.Unlocked {
		return nil
	}
	var res error
	if o.PrimaryErr != nil {
		res = multierror.Append(res, o.PrimaryErr)
	}
	if o.FallbackErr != nil {
		res = multierror.Append(res, o.FallbackErr)
	}
	return res
}
