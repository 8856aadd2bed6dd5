//go:build linux

package goble

import (
	"github.com/go-ble/ble"
	"github.com/go-ble/ble/linux"
	"github.com/go-ble/ble/linux/hci/cmd"
	"github.com/go-ble/ble/linux/hci/evt"
)

// hciDevice is the Linux HCI socket peripheral.
type hciDevice struct {
	dev *linux.Device
}

func newHCIDevice(cfg DeviceConfig) (Device, error) {
	dev, err := linux.NewDeviceWithName(cfg.Name,
		ble.OptDeviceID(cfg.ID),
		ble.OptConnectHandler(func(e evt.LEConnectionComplete) {
			if cfg.OnConnect != nil {
				cfg.OnConnect(e.Status(), e.ConnectionHandle(), e.PeerAddress())
			}
		}),
		ble.OptDisconnectHandler(func(e evt.DisconnectionComplete) {
			if cfg.OnDisconnect != nil {
				cfg.OnDisconnect(e.ConnectionHandle(), e.Reason())
			}
		}),
	)
	if err != nil {
		return nil, err
	}
	return &hciDevice{dev: dev}, nil
}

func (d *hciDevice) Address() string {
	return d.dev.HCI.Addr().String()
}

func (d *hciDevice) SetAdvertisingParams(intervalMin, intervalMax uint16, advType uint8) error {
	return d.dev.HCI.Option(ble.OptAdvParams(cmd.LESetAdvertisingParameters{
		AdvertisingIntervalMin: intervalMin,
		AdvertisingIntervalMax: intervalMax,
		AdvertisingType:        advType,
		AdvertisingChannelMap:  0x07, // all three primary channels
	}))
}

func (d *hciDevice) Advertise(name string, uuids []ble.UUID) error {
	return d.dev.HCI.AdvertiseNameAndServices(name, uuids...)
}

func (d *hciDevice) StopAdvertising() error {
	return d.dev.HCI.StopAdvertising()
}

func (d *hciDevice) AddService(svc *ble.Service) error {
	return d.dev.AddService(svc)
}

func (d *hciDevice) Stop() error {
	return d.dev.Stop()
}
