//go:build !linux

package goble

import (
	"runtime"

	"github.com/srg/blesense/internal/stack"
)

func newHCIDevice(cfg DeviceConfig) (Device, error) {
	return nil, stack.Errorf(stack.StatusNotSupported, "HCI peripheral is not available on %s", runtime.GOOS)
}
