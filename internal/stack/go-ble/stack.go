// Package goble implements stack.Stack on top of the go-ble host stack: an HCI
// peripheral serving the gattdb layout over a legacy advertiser.
package goble

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/go-ble/ble"
	"github.com/hedzr/go-ringbuf/v2/mpmc"
	"github.com/sirupsen/logrus"
	"github.com/srg/blesense/internal/gattdb"
	"github.com/srg/blesense/internal/groutine"
	"github.com/srg/blesense/internal/stack"
)

// ----------------------------
// Configuration Constants
// ----------------------------

const (
	// DefaultEventBuffer is the ring buffer size between HCI callbacks and the event stream
	DefaultEventBuffer = 64

	// DefaultUserResponseTimeout bounds how long a GATT request waits for the application
	DefaultUserResponseTimeout = 5 * time.Second

	// advertisingSetHandle is the only advertising set of a legacy advertiser
	advertisingSetHandle stack.AdvertisingHandle = 0

	// legacy advertising interval limits, units of 0.625 ms
	minAdvertisingInterval = 0x0020
	maxAdvertisingInterval = 0x4000
)

// HCI advertising types
const (
	advTypeInd        uint8 = 0x00 // connectable and scannable undirected
	advTypeScanInd    uint8 = 0x02 // scannable undirected
	advTypeNonConnInd uint8 = 0x03 // non connectable undirected
)

// ----------------------------
// Device Factory
// ----------------------------

// DeviceConfig is what the HCI device needs from the stack.
type DeviceConfig struct {
	ID           int
	Name         string
	OnConnect    func(status uint8, handle uint16, peer [6]byte)
	OnDisconnect func(handle uint16, reason uint8)
}

// Device is the HCI peripheral the stack drives.
type Device interface {
	Address() string
	SetAdvertisingParams(intervalMin, intervalMax uint16, advType uint8) error
	Advertise(name string, uuids []ble.UUID) error
	StopAdvertising() error
	AddService(svc *ble.Service) error
	Stop() error
}

// DeviceFactory creates the HCI device (can be overridden in tests)
//
//nolint:revive // DeviceFactory name is intentional for test mocking
var DeviceFactory = newHCIDevice

// ----------------------------
// Stack
// ----------------------------

type advertisingSet struct {
	intervalMin, intervalMax uint16
	duration                 uint16
	timed                    bool
	stopTimer                *time.Timer
}

type userResponse struct {
	att   stack.ATTError
	value []byte
}

// Options configures a Stack.
type Options struct {
	Name                string
	HCIDevice           int
	UserResponseTimeout time.Duration
}

// Stack is a stack.Stack backed by an HCI device.
type Stack struct {
	opts   Options
	db     *gattdb.Database
	logger *logrus.Logger

	dev    Device
	queue  mpmc.RichOverlappedRingBuffer[stack.Event]
	notify chan struct{}
	events chan stack.Event
	done   chan struct{}
	pumped chan struct{}

	conns   *hashmap.Map[string, uint8] // peer address -> connection
	pending *hashmap.Map[uint32, chan userResponse]

	mu      sync.Mutex
	adv     *advertisingSet
	started bool
	closed  bool
}

// New creates a stack serving db. Nothing touches the controller until Start.
func New(db *gattdb.Database, opts Options, logger *logrus.Logger) *Stack {
	if logger == nil {
		logger = logrus.New()
	}
	if opts.UserResponseTimeout <= 0 {
		opts.UserResponseTimeout = DefaultUserResponseTimeout
	}
	return &Stack{
		opts:    opts,
		db:      db,
		logger:  logger,
		queue:   mpmc.NewOverlappedRingBuffer[stack.Event](DefaultEventBuffer),
		notify:  make(chan struct{}, 1),
		events:  make(chan stack.Event),
		done:    make(chan struct{}),
		pumped:  make(chan struct{}),
		conns:   hashmap.New[string, uint8](),
		pending: hashmap.New[uint32, chan userResponse](),
	}
}

// Start opens the HCI device, registers the GATT services and delivers Boot.
func (s *Stack) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return stack.ErrInvalidState
	}
	if s.started {
		return stack.Errorf(stack.StatusAlreadyInitialized, "stack already started")
	}

	dev, err := DeviceFactory(DeviceConfig{
		ID:           s.opts.HCIDevice,
		Name:         s.opts.Name,
		OnConnect:    s.onConnect,
		OnDisconnect: s.onDisconnect,
	})
	if err != nil {
		return fmt.Errorf("failed to open hci%d: %w", s.opts.HCIDevice, stack.NormalizeError(err))
	}

	for _, svc := range s.services() {
		if err := dev.AddService(svc); err != nil {
			_ = dev.Stop()
			return fmt.Errorf("failed to add service %s: %w", svc.UUID, stack.NormalizeError(err))
		}
	}

	s.dev = dev
	s.started = true

	groutine.Go(ctx, "hci_events", s.pump)
	s.post(stack.Boot{Major: 1})

	s.logger.WithFields(logrus.Fields{
		"hci":     s.opts.HCIDevice,
		"address": dev.Address(),
	}).Info("HCI stack started")
	return nil
}

func (s *Stack) Events() <-chan stack.Event {
	return s.events
}

// Close stops advertising, closes the device and ends the event stream.
func (s *Stack) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	started := s.started
	dev := s.dev
	if s.adv != nil && s.adv.stopTimer != nil {
		s.adv.stopTimer.Stop()
	}
	s.mu.Unlock()

	close(s.done)
	if !started {
		close(s.events)
		return nil
	}
	<-s.pumped

	if err := dev.Stop(); err != nil {
		return stack.NormalizeError(err)
	}
	return nil
}

func (s *Stack) IdentityAddress() (stack.Address, stack.AddressType, error) {
	dev, err := s.device()
	if err != nil {
		return stack.Address{}, stack.AddressPublic, err
	}
	addr, err := stack.ParseAddress(dev.Address())
	if err != nil {
		return stack.Address{}, stack.AddressPublic, stack.Errorf(stack.StatusFail, "%v", err)
	}
	return addr, stack.AddressPublic, nil
}

func (s *Stack) CreateAdvertisingSet() (stack.AdvertisingHandle, error) {
	if _, err := s.device(); err != nil {
		return stack.InvalidAdvertisingHandle, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.adv != nil {
		return stack.InvalidAdvertisingHandle, stack.Errorf(stack.StatusNoMoreResource, "legacy advertiser has a single advertising set")
	}
	s.adv = &advertisingSet{}
	return advertisingSetHandle, nil
}

func (s *Stack) SetAdvertisingTiming(h stack.AdvertisingHandle, intervalMin, intervalMax uint32, duration uint16, maxEvents uint8) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if h != advertisingSetHandle || s.adv == nil {
		return stack.Errorf(stack.StatusInvalidHandle, "advertising set %d", h)
	}
	if intervalMin < minAdvertisingInterval || intervalMax > maxAdvertisingInterval || intervalMin > intervalMax {
		return stack.Errorf(stack.StatusInvalidParameter, "advertising interval %d..%d", intervalMin, intervalMax)
	}
	if maxEvents != 0 {
		return stack.Errorf(stack.StatusNotSupported, "max advertising events on a legacy advertiser")
	}

	s.adv.intervalMin = uint16(intervalMin)
	s.adv.intervalMax = uint16(intervalMax)
	s.adv.duration = duration
	s.adv.timed = true
	return nil
}

func (s *Stack) StartAdvertising(h stack.AdvertisingHandle, discovery stack.DiscoveryMode, connection stack.ConnectionMode) error {
	dev, err := s.device()
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if h != advertisingSetHandle || s.adv == nil {
		return stack.Errorf(stack.StatusInvalidHandle, "advertising set %d", h)
	}
	if !s.adv.timed {
		return stack.Errorf(stack.StatusInvalidState, "advertising set %d has no timing", h)
	}
	if discovery != stack.GeneralDiscoverable {
		return stack.Errorf(stack.StatusNotSupported, "discovery mode %s", discovery)
	}

	var advType uint8
	switch connection {
	case stack.ConnectableScannable:
		advType = advTypeInd
	case stack.ScannableNonConnectable:
		advType = advTypeScanInd
	case stack.NonConnectable:
		advType = advTypeNonConnInd
	default:
		return stack.Errorf(stack.StatusNotSupported, "connection mode %s", connection)
	}

	if err := dev.SetAdvertisingParams(s.adv.intervalMin, s.adv.intervalMax, advType); err != nil {
		return stack.NormalizeError(err)
	}
	if err := dev.Advertise(s.opts.Name, s.advertisedUUIDs()); err != nil {
		return stack.NormalizeError(err)
	}

	if s.adv.stopTimer != nil {
		s.adv.stopTimer.Stop()
		s.adv.stopTimer = nil
	}
	if s.adv.duration > 0 {
		s.adv.stopTimer = time.AfterFunc(time.Duration(s.adv.duration)*10*time.Millisecond, func() {
			if err := dev.StopAdvertising(); err != nil {
				s.logger.WithError(err).Warn("Failed to stop timed advertising")
			}
		})
	}

	s.logger.WithFields(logrus.Fields{
		"interval_min": s.adv.intervalMin,
		"interval_max": s.adv.intervalMax,
		"mode":         connection.String(),
	}).Debug("Advertising started")
	return nil
}

func (s *Stack) SendUserReadResponse(connection uint8, characteristic gattdb.AttributeID, att stack.ATTError, value []byte) error {
	return s.respond(connection, characteristic, userResponse{att: att, value: append([]byte{}, value...)})
}

func (s *Stack) SendUserWriteResponse(connection uint8, characteristic gattdb.AttributeID, att stack.ATTError) error {
	return s.respond(connection, characteristic, userResponse{att: att})
}

func (s *Stack) respond(connection uint8, characteristic gattdb.AttributeID, rsp userResponse) error {
	ch, ok := s.pending.Get(pendingKey(connection, characteristic))
	if !ok {
		return stack.Errorf(stack.StatusInvalidState, "no pending request for connection %d characteristic %d", connection, characteristic)
	}
	select {
	case ch <- rsp:
		return nil
	default:
		return stack.Errorf(stack.StatusInvalidState, "request for connection %d characteristic %d already answered", connection, characteristic)
	}
}

func (s *Stack) device() (Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started || s.closed {
		return nil, stack.Errorf(stack.StatusNotReady, "stack not running")
	}
	return s.dev, nil
}

// ----------------------------
// Event delivery
// ----------------------------

// post hands an event from an HCI callback to the pump without blocking. When the
// ring is full the oldest event is overwritten.
func (s *Stack) post(evt stack.Event) {
	overwrites, err := s.queue.EnqueueM(evt)
	if err != nil {
		s.logger.WithError(err).WithField("event", evt.EventName()).Error("Failed to queue stack event")
		return
	}
	if overwrites > 0 {
		s.logger.WithField("dropped", overwrites).Warn("Stack event queue overflow, oldest events dropped")
	}
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// pump forwards queued events to the event stream in order.
func (s *Stack) pump(ctx context.Context) {
	defer close(s.pumped)
	defer close(s.events)

	for {
		for !s.queue.IsEmpty() {
			evt, err := s.queue.Dequeue()
			if err != nil {
				break
			}
			select {
			case s.events <- evt:
			case <-s.done:
				return
			case <-ctx.Done():
				return
			}
		}

		select {
		case <-s.notify:
		case <-s.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *Stack) onConnect(status uint8, handle uint16, peer [6]byte) {
	if status != 0 {
		s.logger.WithField("status", status).Warn("Connection attempt failed")
		return
	}
	addr := stack.Address(peer)
	conn := uint8(handle)
	s.conns.Set(addr.String(), conn)
	s.post(stack.ConnectionOpened{Connection: conn, Address: addr, Advertiser: advertisingSetHandle})
}

func (s *Stack) onDisconnect(handle uint16, reason uint8) {
	conn := uint8(handle)
	s.conns.Range(func(k string, v uint8) bool {
		if v == conn {
			s.conns.Del(k)
		}
		return true
	})
	// HCI reason codes map into the Bluetooth controller status range
	s.post(stack.ConnectionClosed{Connection: conn, Reason: stack.Status(0x1000 | uint16(reason))})
}

// connection resolves the connection of a GATT request by peer address.
func (s *Stack) connection(c ble.Conn) uint8 {
	if c == nil || c.RemoteAddr() == nil {
		return 0
	}
	conn, _ := s.conns.Get(strings.ToUpper(c.RemoteAddr().String()))
	return conn
}

func pendingKey(connection uint8, characteristic gattdb.AttributeID) uint32 {
	return uint32(connection)<<16 | uint32(characteristic)
}
