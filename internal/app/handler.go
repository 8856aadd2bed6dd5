package app

import (
	"github.com/sirupsen/logrus"
	"github.com/srg/blesense/internal/gattdb"
	"github.com/srg/blesense/internal/indicator"
	"github.com/srg/blesense/internal/stack"
)

// Advertising parameters, interval units of 0.625 ms.
const (
	AdvertisingIntervalMin uint32 = 160 // 100 ms
	AdvertisingIntervalMax uint32 = 160
	AdvertisingDuration    uint16 = 0 // until stopped
	AdvertisingMaxEvents   uint8  = 0 // unlimited
)

// AttributeStore is the part of the attribute database the application writes.
type AttributeStore interface {
	Write(id gattdb.AttributeID, offset int, data []byte) error
}

// Handler reacts to stack events: it brings advertising up on boot and restarts it
// whenever a connection closes.
//
// Handle must be called from a single goroutine.
type Handler struct {
	cmds   stack.Commands
	store  AttributeStore
	led    indicator.Indicator
	logger *logrus.Logger

	advertisingSet stack.AdvertisingHandle
}

// NewHandler creates a Handler. led may be nil when no indicator is attached.
func NewHandler(cmds stack.Commands, store AttributeStore, led indicator.Indicator, logger *logrus.Logger) *Handler {
	if logger == nil {
		logger = logrus.New()
	}
	return &Handler{
		cmds:           cmds,
		store:          store,
		led:            led,
		logger:         logger,
		advertisingSet: stack.InvalidAdvertisingHandle,
	}
}

// AdvertisingSet returns the handle created at boot, or InvalidAdvertisingHandle.
func (h *Handler) AdvertisingSet() stack.AdvertisingHandle {
	return h.advertisingSet
}

// Handle processes one event. A non-nil error is an *AssertionError and is fatal.
func (h *Handler) Handle(evt stack.Event) error {
	switch e := evt.(type) {
	case stack.Boot:
		return h.onBoot(e)
	case stack.ConnectionOpened:
		h.logger.WithFields(logrus.Fields{
			"connection": e.Connection,
			"peer":       e.Address,
		}).Debug("Connection opened")
		return nil
	case stack.ConnectionClosed:
		h.logger.WithFields(logrus.Fields{
			"connection": e.Connection,
			"reason":     e.Reason,
		}).Debug("Connection closed")
		return assertOK(h.startAdvertising(), "Failed to start advertising")
	case stack.CharacteristicStatus:
		h.onCharacteristicStatus(e)
		return nil
	case stack.UserReadRequest:
		h.onUserRead(e)
		return nil
	case stack.UserWriteRequest:
		h.onUserWrite(e)
		return nil
	default:
		h.logger.WithField("event", evt.EventName()).Trace("Ignoring event")
		return nil
	}
}

func (h *Handler) onBoot(e stack.Boot) error {
	h.logger.WithField("version", []uint16{e.Major, e.Minor, e.Patch}).Info("Stack booted")

	addr, addrType, err := h.cmds.IdentityAddress()
	if err := assertOK(err, "Failed to get Bluetooth address"); err != nil {
		return err
	}

	sysID := DeriveSystemID(addr)
	if err := assertOK(h.store.Write(gattdb.SystemID, 0, sysID[:]), "Failed to write attribute"); err != nil {
		return err
	}
	h.logger.WithFields(logrus.Fields{
		"address":   addr,
		"type":      addrType,
		"system_id": sysID,
	}).Info("System ID written")

	set, err := h.cmds.CreateAdvertisingSet()
	if err := assertOK(err, "Failed to create advertising set"); err != nil {
		return err
	}
	h.advertisingSet = set

	err = h.cmds.SetAdvertisingTiming(set, AdvertisingIntervalMin, AdvertisingIntervalMax, AdvertisingDuration, AdvertisingMaxEvents)
	if err := assertOK(err, "Failed to set advertising timing"); err != nil {
		return err
	}

	return assertOK(h.startAdvertising(), "Failed to start advertising")
}

func (h *Handler) startAdvertising() error {
	if err := h.cmds.StartAdvertising(h.advertisingSet, stack.GeneralDiscoverable, stack.ConnectableScannable); err != nil {
		return err
	}
	h.logger.WithField("handle", h.advertisingSet).Info("Advertising started")
	return nil
}

func (h *Handler) onCharacteristicStatus(e stack.CharacteristicStatus) {
	if e.Characteristic != gattdb.ADCData {
		return
	}

	log := h.logger.WithField("connection", e.Connection)
	switch e.Flags {
	case stack.ClientConfigChanged:
		if e.ClientConfig == stack.ClientConfigDisabled {
			log.Info("Central unsubscribed from ADCData")
		} else {
			log.WithField("client_config", e.ClientConfig).Info("Central subscribed to ADCData")
		}
	case stack.ConfirmationReceived:
		log.Debug("Indication confirmed")
	default:
		// peers must not be able to stop the device
		log.WithField("flags", e.Flags).Warn("Unexpected characteristic status flags")
	}
}

func (h *Handler) onUserRead(e stack.UserReadRequest) {
	att, value := stack.ATTInvalidHandle, []byte(nil)
	if e.Characteristic == gattdb.LED0 && h.led != nil {
		att, value = stack.ATTSuccess, []byte{0}
		if h.led.State() {
			value[0] = 1
		}
	}

	if err := h.cmds.SendUserReadResponse(e.Connection, e.Characteristic, att, value); err != nil {
		h.logger.WithError(err).WithField("characteristic", e.Characteristic).Warn("Failed to send user read response")
	}
}

func (h *Handler) onUserWrite(e stack.UserWriteRequest) {
	att := stack.ATTInvalidHandle
	if e.Characteristic == gattdb.LED0 && h.led != nil {
		switch {
		case len(e.Value) == 0:
			att = stack.ATTInvalidAttrValueLength
		default:
			if err := h.led.Set(e.Value[0] != 0); err != nil {
				h.logger.WithError(err).Warn("Failed to set LED")
				att = stack.ATTUnlikelyError
			} else {
				att = stack.ATTSuccess
			}
		}
	}

	if !e.WithResponse {
		return
	}
	if err := h.cmds.SendUserWriteResponse(e.Connection, e.Characteristic, att); err != nil {
		h.logger.WithError(err).WithField("characteristic", e.Characteristic).Warn("Failed to send user write response")
	}
}
