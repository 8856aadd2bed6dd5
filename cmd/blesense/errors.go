package main

import (
	"errors"
	"fmt"

	"github.com/srg/blesense/internal/adc"
	"github.com/srg/blesense/internal/app"
	"github.com/srg/blesense/internal/stack"
	"github.com/srg/blesense/internal/telemetry"
)

// FormatUserError turns known errors into a one-line message.
func FormatUserError(err error) string {
	var aerr *app.AssertionError
	if errors.As(err, &aerr) {
		return fmt.Sprintf("%s (%s)", aerr.Error(), aerr.Status)
	}

	switch {
	case errors.Is(err, app.ErrEventStreamClosed):
		return "Bluetooth stack stopped unexpectedly"
	case errors.Is(err, stack.ErrNotSupported):
		return fmt.Sprintf("%v (use --stack sim on hosts without an HCI controller)", err)
	case errors.Is(err, stack.ErrPermission):
		return fmt.Sprintf("%v (raw HCI access needs root or CAP_NET_ADMIN)", err)
	case errors.Is(err, adc.ErrNotInitialized), errors.Is(err, adc.ErrAlreadyInitialized):
		return fmt.Sprintf("ADC: %v", err)
	case errors.Is(err, telemetry.ErrConnectionFailed):
		return fmt.Sprintf("telemetry: %v", err)
	}
	return err.Error()
}
