package usb

import (
	"errors"
	"fmt"

	"github.com/google/gousb"

	"github.com/unisoc-unlock/unisoc-unlock/core"
	"github.com/unisoc-unlock/unisoc-unlock/fastboot"
	"github.com/unisoc-unlock/unisoc-unlock/internal/logs"
)

// interface class triple of the android fastboot gadget
const (
	fastbootClass    = gousb.ClassVendorSpec
	fastbootSubClass = gousb.Class(0x42)
	fastbootProtocol = gousb.Protocol(0x03)
)

var errNoEndpoints = errors.New("fastboot interface without bulk endpoints")

type ifaceData struct {
	config     int
	number     int
	altSetting int
	epIn       int
	epOut      int
}

type Bus struct {
	ctx *gousb.Context
	log *logs.Logger
}

// libusb init panics instead of failing on some systems
// (missing udev, sandboxes), turn that into an error
func newContext() (ctx *gousb.Context, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%v", r)
		}
	}()
	return gousb.NewContext(), nil
}

func InitBus(log *logs.Logger) (*Bus, error) {
	log.Log("init")
	ctx, err := newContext()
	if err != nil {
		return nil, err
	}
	log.Log("init done")
	return &Bus{
		ctx: ctx,
		log: log,
	}, nil
}

func (b *Bus) Close() {
	b.log.Log("context close")
	err := b.ctx.Close()
	if err != nil {
		b.log.Log(fmt.Sprintf("context close error %s", err))
	}
}

func pathOf(desc *gousb.DeviceDesc) string {
	return fmt.Sprintf("%d:%d", desc.Bus, desc.Address)
}

// match finds the fastboot interface of a device, if it has one
func match(desc *gousb.DeviceDesc) (ifaceData, bool) {
	for _, config := range desc.Configs {
		for _, iface := range config.Interfaces {
			for _, alt := range iface.AltSettings {
				if alt.Class != fastbootClass ||
					alt.SubClass != fastbootSubClass ||
					alt.Protocol != fastbootProtocol {
					continue
				}
				data := ifaceData{
					config:     config.Number,
					number:     alt.Number,
					altSetting: alt.Alternate,
					epIn:       -1,
					epOut:      -1,
				}
				// map order is random, take the lowest numbers
				for _, ep := range alt.Endpoints {
					if ep.TransferType != gousb.TransferTypeBulk {
						continue
					}
					in := ep.Direction == gousb.EndpointDirectionIn
					if in && (data.epIn < 0 || ep.Number < data.epIn) {
						data.epIn = ep.Number
					}
					if !in && (data.epOut < 0 || ep.Number < data.epOut) {
						data.epOut = ep.Number
					}
				}
				if data.epIn >= 0 && data.epOut >= 0 {
					return data, true
				}
			}
		}
	}
	return ifaceData{}, false
}

func (b *Bus) Enumerate() ([]core.DeviceInfo, error) {
	b.log.Log("enumerating")
	var infos []core.DeviceInfo

	// only look at descriptors, opening happens in Connect
	_, err := b.ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		if _, ok := match(desc); ok {
			infos = append(infos, core.DeviceInfo{
				Path:      pathOf(desc),
				VendorID:  int(desc.Vendor),
				ProductID: int(desc.Product),
			})
		}
		return false
	})
	if err != nil {
		return nil, err
	}
	b.log.Log(fmt.Sprintf("enumerating done, %d devices", len(infos)))
	return infos, nil
}

func (b *Bus) Connect(path string) (core.Device, error) {
	var data ifaceData
	devs, err := b.ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		if pathOf(desc) != path {
			return false
		}
		d, ok := match(desc)
		data = d
		return ok
	})
	if err != nil {
		for _, d := range devs {
			d.Close()
		}
		return nil, err
	}
	if len(devs) == 0 {
		return nil, core.ErrDeviceNotFound
	}
	for _, d := range devs[1:] {
		d.Close()
	}

	conn, err := b.open(devs[0], data)
	if err != nil {
		return nil, err
	}
	return fastboot.New(conn, b.log), nil
}

func (b *Bus) open(dev *gousb.Device, data ifaceData) (*Device, error) {
	serial, err := dev.SerialNumber()
	if err != nil {
		b.log.Log(fmt.Sprintf("no serial number: %s", err))
	} else {
		b.log.Log(fmt.Sprintf("serial number %s", serial))
	}

	b.log.Log("auto detach")
	err = dev.SetAutoDetach(true)
	if err != nil {
		// don't abort, claiming may work anyway
		b.log.Log(fmt.Sprintf("Warning: error at auto detach: %s", err))
	}

	b.log.Log(fmt.Sprintf("config %d", data.config))
	config, err := dev.Config(data.config)
	if err != nil {
		dev.Close()
		return nil, err
	}

	b.log.Log(fmt.Sprintf("claiming interface %d alt %d", data.number, data.altSetting))
	iface, err := config.Interface(data.number, data.altSetting)
	if err != nil {
		config.Close()
		dev.Close()
		return nil, err
	}

	in, err := iface.InEndpoint(data.epIn)
	if err == nil {
		var out *gousb.OutEndpoint
		out, err = iface.OutEndpoint(data.epOut)
		if err == nil {
			b.log.Log("claiming interface done")
			return &Device{
				serial: serial,
				dev:    dev,
				config: config,
				iface:  iface,
				in:     in,
				out:    out,
				log:    b.log,
			}, nil
		}
	}

	iface.Close()
	config.Close()
	dev.Close()
	return nil, fmt.Errorf("%w: %s", errNoEndpoints, err)
}
