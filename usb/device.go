package usb

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/google/gousb"

	"github.com/unisoc-unlock/unisoc-unlock/internal/logs"
)

var errClosedDevice = errors.New("closed device")

// Device is a claimed fastboot interface, a fastboot.Conn over
// its two bulk endpoints.
type Device struct {
	serial string
	dev    *gousb.Device
	config *gousb.Config
	iface  *gousb.Interface
	in     *gousb.InEndpoint
	out    *gousb.OutEndpoint

	closed int32 // atomic

	log *logs.Logger
}

func (d *Device) Serial() string {
	return d.serial
}

func (d *Device) ReadContext(ctx context.Context, p []byte) (int, error) {
	if atomic.LoadInt32(&d.closed) == 1 {
		return 0, errClosedDevice
	}
	return d.in.ReadContext(ctx, p)
}

func (d *Device) WriteContext(ctx context.Context, p []byte) (int, error) {
	if atomic.LoadInt32(&d.closed) == 1 {
		return 0, errClosedDevice
	}
	return d.out.WriteContext(ctx, p)
}

func (d *Device) Close() error {
	if !atomic.CompareAndSwapInt32(&d.closed, 0, 1) {
		return errClosedDevice
	}
	d.log.Log("releasing interface")
	d.iface.Close()

	d.log.Log("config close")
	err := d.config.Close()
	if err != nil {
		d.log.Log("config close error " + err.Error())
	}

	d.log.Log("device close")
	return d.dev.Close()
}
