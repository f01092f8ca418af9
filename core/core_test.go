package core

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDevice struct {
	responses map[string]error
	sent      []string
	closed    int
	closeErr  error
	deadlines []bool
	serial    string
}

func (d *fakeDevice) Serial() string {
	return d.serial
}

func (d *fakeDevice) Command(ctx context.Context, cmd []byte) (string, error) {
	d.sent = append(d.sent, string(cmd))
	_, ok := ctx.Deadline()
	d.deadlines = append(d.deadlines, ok)
	return "", d.responses[string(cmd)]
}

func (d *fakeDevice) Close() error {
	d.closed++
	return d.closeErr
}

type fakeBus struct {
	infos      []DeviceInfo
	enumErr    error
	connectErr error
	dev        *fakeDevice
	connected  []string
}

func (b *fakeBus) Enumerate() ([]DeviceInfo, error) {
	return b.infos, b.enumErr
}

func (b *fakeBus) Connect(path string) (Device, error) {
	b.connected = append(b.connected, path)
	if b.connectErr != nil {
		return nil, b.connectErr
	}
	return b.dev, nil
}

func oneDevice(dev *fakeDevice) *fakeBus {
	return &fakeBus{
		infos: []DeviceInfo{{Path: "1:4", VendorID: 0x1782, ProductID: 0x4d00}},
		dev:   dev,
	}
}

func rejected(cmd []byte, reason string) error {
	return &CommandError{Command: string(cmd), Kind: CommandRejected, Reason: reason}
}

func TestUnlockPrimary(t *testing.T) {
	dev := &fakeDevice{}
	o, err := Unlock(context.Background(), oneDevice(dev))
	require.NoError(t, err)

	assert.True(t, o.Unlocked)
	assert.Equal(t, ViaPrimary, o.Via)
	assert.Equal(t, []string{"flashing unlock"}, dev.sent)
	assert.Equal(t, 1, dev.closed)
	assert.NoError(t, o.Err())
}

func TestUnlockFallback(t *testing.T) {
	dev := &fakeDevice{responses: map[string]error{
		"flashing unlock": rejected(PrimaryCommand, "unknown command"),
	}}
	o, err := Unlock(context.Background(), oneDevice(dev))
	require.NoError(t, err)

	assert.True(t, o.Unlocked)
	assert.Equal(t, ViaFallback, o.Via)
	assert.Equal(t, []string{"flashing unlock", "oem unlock"}, dev.sent)
	assert.Equal(t, 1, dev.closed)
}

func TestUnlockFallbackAfterTimeout(t *testing.T) {
	dev := &fakeDevice{responses: map[string]error{
		"flashing unlock": &CommandError{Command: "flashing unlock", Kind: CommandTimeout},
	}}
	o, err := Unlock(context.Background(), oneDevice(dev))
	require.NoError(t, err)

	assert.True(t, o.Unlocked)
	assert.Equal(t, ViaFallback, o.Via)
	assert.True(t, errors.Is(o.PrimaryErr, context.DeadlineExceeded))
}

func TestUnlockBothFail(t *testing.T) {
	primary := rejected(PrimaryCommand, "unknown command")
	fallback := rejected(FallbackCommand, "not allowed")
	dev := &fakeDevice{responses: map[string]error{
		"flashing unlock": primary,
		"oem unlock":      fallback,
	}}
	o, err := Unlock(context.Background(), oneDevice(dev))
	require.NoError(t, err)

	assert.False(t, o.Unlocked)
	assert.Equal(t, primary, o.PrimaryErr)
	assert.Equal(t, fallback, o.FallbackErr)
	assert.Equal(t, []string{"flashing unlock", "oem unlock"}, dev.sent)
	assert.Equal(t, 1, dev.closed)

	merr, ok := o.Err().(*multierror.Error)
	require.True(t, ok)
	assert.Len(t, merr.Errors, 2)
	assert.Contains(t, o.Err().Error(), "unknown command")
	assert.Contains(t, o.Err().Error(), "not allowed")
}

func TestUnlockTransportErrorSkipsFallback(t *testing.T) {
	ioErr := &TransportError{Op: "write", Err: errors.New("LIBUSB_ERROR_NO_DEVICE")}
	dev := &fakeDevice{responses: map[string]error{
		"flashing unlock": ioErr,
	}}
	o, err := Unlock(context.Background(), oneDevice(dev))
	require.Error(t, err)

	assert.Equal(t, ioErr, err)
	assert.False(t, o.Unlocked)
	assert.Equal(t, []string{"flashing unlock"}, dev.sent)
	assert.Equal(t, 1, dev.closed)
}

func TestUnlockFallbackTransportError(t *testing.T) {
	ioErr := &TransportError{Op: "read", Err: errors.New("pipe")}
	dev := &fakeDevice{responses: map[string]error{
		"flashing unlock": rejected(PrimaryCommand, ""),
		"oem unlock":      ioErr,
	}}
	o, err := Unlock(context.Background(), oneDevice(dev))
	assert.Equal(t, ioErr, err)
	assert.False(t, o.Unlocked)
	assert.Equal(t, 1, dev.closed)
}

func TestUnlockNoDevice(t *testing.T) {
	bus := &fakeBus{}
	_, err := Unlock(context.Background(), bus)
	assert.True(t, errors.Is(err, ErrDeviceNotFound))
	assert.Empty(t, bus.connected)
}

func TestUnlockMultipleDevices(t *testing.T) {
	bus := &fakeBus{infos: []DeviceInfo{{Path: "1:5"}, {Path: "1:4"}}, dev: &fakeDevice{}}
	_, err := Unlock(context.Background(), bus)
	require.True(t, errors.Is(err, ErrMultipleDevices))
	assert.Contains(t, err.Error(), "[1:4 1:5]")
	assert.Empty(t, bus.connected)
}

func TestUnlockEnumerateError(t *testing.T) {
	bus := &fakeBus{enumErr: errors.New("LIBUSB_ERROR_ACCESS")}
	_, err := Unlock(context.Background(), bus)

	var terr *TransportError
	require.True(t, errors.As(err, &terr))
	assert.Equal(t, "enumerate", terr.Op)
}

func TestUnlockConnectError(t *testing.T) {
	dev := &fakeDevice{}
	bus := oneDevice(dev)
	bus.connectErr = errors.New("LIBUSB_ERROR_BUSY")
	_, err := Unlock(context.Background(), bus)

	var terr *TransportError
	require.True(t, errors.As(err, &terr))
	assert.Equal(t, "connect", terr.Op)
	assert.Empty(t, dev.sent)
	assert.Equal(t, 0, dev.closed)
}

func TestSessionRunOnce(t *testing.T) {
	dev := &fakeDevice{}
	s, err := Connect(oneDevice(dev))
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateUnlocked, s.State())

	_, err = s.Run(context.Background())
	assert.True(t, errors.Is(err, ErrSessionUsed))
	assert.Len(t, dev.sent, 1)
}

func TestSessionCloseOnce(t *testing.T) {
	dev := &fakeDevice{}
	s, err := Connect(oneDevice(dev))
	require.NoError(t, err)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.Equal(t, 1, dev.closed)
}

func TestSessionCloseError(t *testing.T) {
	dev := &fakeDevice{closeErr: errors.New("busy")}
	o, err := Unlock(context.Background(), oneDevice(dev))
	require.NoError(t, err)
	assert.True(t, o.Unlocked)
	assert.Equal(t, 1, dev.closed)
}

func TestSessionCommandsHaveDeadline(t *testing.T) {
	dev := &fakeDevice{responses: map[string]error{
		"flashing unlock": rejected(PrimaryCommand, ""),
	}}
	_, err := Unlock(context.Background(), oneDevice(dev), WithCommandTimeout(time.Second))
	require.NoError(t, err)
	assert.Equal(t, []bool{true, true}, dev.deadlines)
}

func TestSessionCancelledBeforeRun(t *testing.T) {
	dev := &fakeDevice{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Unlock(ctx, oneDevice(dev))
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Empty(t, dev.sent)
	assert.Equal(t, 1, dev.closed)
}

type recordLogger []string

func (r *recordLogger) Log(s string) {
	*r = append(*r, s)
}

func TestSessionLogsTransitions(t *testing.T) {
	var log recordLogger
	_, err := Unlock(context.Background(), oneDevice(&fakeDevice{}), WithLogger(&log))
	require.NoError(t, err)
	assert.Contains(t, log, "state disconnected -> connected")
	assert.Contains(t, log, "state connected -> primary-attempted")
	assert.Contains(t, log, "state primary-attempted -> unlocked")
}

func TestStateTerminal(t *testing.T) {
	assert.False(t, StateConnected.Terminal())
	assert.False(t, StatePrimaryAttempted.Terminal())
	assert.True(t, StateUnlocked.Terminal())
	assert.True(t, StateFailed.Terminal())
}

func TestUnlockLateOkayOfPrimary(t *testing.T) {
	dev := &fakeDevice{responses: map[string]error{
		"flashing unlock": &CommandError{Command: "flashing unlock", Kind: CommandTimeout},
		"oem unlock":      &LateOkayError{Command: "flashing unlock"},
	}}
	o, err := Unlock(context.Background(), oneDevice(dev))
	require.NoError(t, err)

	assert.True(t, o.Unlocked)
	assert.Equal(t, ViaPrimary, o.Via)
	assert.NoError(t, o.Err())
	assert.Equal(t, 1, dev.closed)
}

func TestConnectReadsSerial(t *testing.T) {
	var log recordLogger
	dev := &fakeDevice{serial: "0123456789ABCDEF"}
	s, err := Connect(oneDevice(dev), WithLogger(&log))
	require.NoError(t, err)
	defer s.Close()

	assert.Equal(t, "0123456789ABCDEF", s.Info().Serial)
	assert.Equal(t, "1:4", s.Info().Path)
}

func TestUnlockLogsDevice(t *testing.T) {
	var log recordLogger
	dev := &fakeDevice{serial: "SN1"}
	_, err := Unlock(context.Background(), oneDevice(dev), WithLogger(&log))
	require.NoError(t, err)
	assert.Contains(t, log, `device 1:4 serial "SN1"`)
}
