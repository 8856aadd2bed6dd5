package stack

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/srg/blesense/internal/gattdb"
)

// maxAdvertisingSets is the number of advertising sets the simulated controller has.
const maxAdvertisingSets = 4

// simEventBuffer is the depth of the simulated event stream.
const simEventBuffer = 64

// Call is one command received by the simulated stack.
type Call struct {
	Name string
	Args []any
}

// AdvertisingState is the state of one simulated advertising set.
type AdvertisingState struct {
	IntervalMin, IntervalMax uint32
	Duration                 uint16
	MaxEvents                uint8
	Discovery                DiscoveryMode
	Connection               ConnectionMode
	Active                   bool
}

// UserResponse is an answer sent to a user read or write request.
type UserResponse struct {
	Connection     uint8
	Characteristic gattdb.AttributeID
	ATT            ATTError
	Value          []byte
}

// SimStack is an in-process stack without a radio. It boots on Start, records every
// command, and lets callers drive connections and GATT requests as a central would.
type SimStack struct {
	address Address
	logger  *logrus.Logger

	mu          sync.Mutex
	events      chan Event
	started     bool
	closed      bool
	calls       []Call
	sets        map[AdvertisingHandle]*AdvertisingState
	connections map[uint8]Address
	nextConn    uint8
	failures    map[string]Status
	responses   []UserResponse
}

// NewSimStack creates a simulated stack with the given identity address.
func NewSimStack(address Address, logger *logrus.Logger) *SimStack {
	if logger == nil {
		logger = logrus.New()
	}
	return &SimStack{
		address:     address,
		logger:      logger,
		events:      make(chan Event, simEventBuffer),
		sets:        make(map[AdvertisingHandle]*AdvertisingState),
		connections: make(map[uint8]Address),
		failures:    make(map[string]Status),
	}
}

// Start delivers the Boot event.
func (s *SimStack) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrInvalidState
	}
	if s.started {
		return Errorf(StatusAlreadyInitialized, "stack already started")
	}
	s.started = true
	s.emitLocked(Boot{Major: 1, Minor: 0})
	s.logger.WithField("address", s.address).Debug("Simulated stack booted")
	return nil
}

func (s *SimStack) Events() <-chan Event {
	return s.events
}

func (s *SimStack) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	close(s.events)
	return nil
}

// FailCommand makes every later call of the named command fail with status.
func (s *SimStack) FailCommand(name string, status Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[name] = status
}

func (s *SimStack) IdentityAddress() (Address, AddressType, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.recordLocked("IdentityAddress"); err != nil {
		return Address{}, AddressPublic, err
	}
	return s.address, AddressPublic, nil
}

func (s *SimStack) CreateAdvertisingSet() (AdvertisingHandle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.recordLocked("CreateAdvertisingSet"); err != nil {
		return InvalidAdvertisingHandle, err
	}
	for h := AdvertisingHandle(0); h < maxAdvertisingSets; h++ {
		if _, used := s.sets[h]; !used {
			s.sets[h] = &AdvertisingState{}
			return h, nil
		}
	}
	return InvalidAdvertisingHandle, Errorf(StatusNoMoreResource, "all %d advertising sets in use", maxAdvertisingSets)
}

func (s *SimStack) SetAdvertisingTiming(h AdvertisingHandle, intervalMin, intervalMax uint32, duration uint16, maxEvents uint8) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.recordLocked("SetAdvertisingTiming", h, intervalMin, intervalMax, duration, maxEvents); err != nil {
		return err
	}
	set, ok := s.sets[h]
	if !ok {
		return Errorf(StatusInvalidHandle, "advertising set %d", h)
	}
	if intervalMin < 0x20 || intervalMax < intervalMin {
		return Errorf(StatusInvalidParameter, "advertising interval %d..%d", intervalMin, intervalMax)
	}
	set.IntervalMin, set.IntervalMax = intervalMin, intervalMax
	set.Duration, set.MaxEvents = duration, maxEvents
	return nil
}

func (s *SimStack) StartAdvertising(h AdvertisingHandle, discovery DiscoveryMode, connection ConnectionMode) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.recordLocked("StartAdvertising", h, discovery, connection); err != nil {
		return err
	}
	set, ok := s.sets[h]
	if !ok {
		return Errorf(StatusInvalidHandle, "advertising set %d", h)
	}
	if set.IntervalMin == 0 {
		return Errorf(StatusInvalidState, "advertising set %d has no timing", h)
	}
	set.Discovery, set.Connection, set.Active = discovery, connection, true
	return nil
}

func (s *SimStack) SendUserReadResponse(connection uint8, characteristic gattdb.AttributeID, att ATTError, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.recordLocked("SendUserReadResponse", connection, characteristic, att, value); err != nil {
		return err
	}
	if _, ok := s.connections[connection]; !ok {
		return Errorf(StatusInvalidHandle, "connection %d", connection)
	}
	s.responses = append(s.responses, UserResponse{
		Connection: connection, Characteristic: characteristic, ATT: att, Value: append([]byte{}, value...),
	})
	return nil
}

func (s *SimStack) SendUserWriteResponse(connection uint8, characteristic gattdb.AttributeID, att ATTError) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.recordLocked("SendUserWriteResponse", connection, characteristic, att); err != nil {
		return err
	}
	if _, ok := s.connections[connection]; !ok {
		return Errorf(StatusInvalidHandle, "connection %d", connection)
	}
	s.responses = append(s.responses, UserResponse{Connection: connection, Characteristic: characteristic, ATT: att})
	return nil
}

// Connect simulates a central connecting through the first connectable advertising
// set. Advertising of that set stops, as on a real controller.
func (s *SimStack) Connect(peer Address) (uint8, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for h := AdvertisingHandle(0); h < maxAdvertisingSets; h++ {
		set, ok := s.sets[h]
		if !ok || !set.Active || set.Connection == NonConnectable || set.Connection == ScannableNonConnectable {
			continue
		}
		set.Active = false

		conn := s.nextConn
		s.nextConn++
		s.connections[conn] = peer
		s.emitLocked(ConnectionOpened{Connection: conn, Address: peer, Advertiser: h})
		return conn, nil
	}
	return 0, Errorf(StatusInvalidState, "not connectable")
}

// Disconnect simulates the end of a connection.
func (s *SimStack) Disconnect(connection uint8, reason Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.connections[connection]; !ok {
		return Errorf(StatusInvalidHandle, "connection %d", connection)
	}
	delete(s.connections, connection)
	s.emitLocked(ConnectionClosed{Connection: connection, Reason: reason})
	return nil
}

// Inject delivers an arbitrary event.
func (s *SimStack) Inject(evt Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.emitLocked(evt)
}

// Advertising returns the state of an advertising set.
func (s *SimStack) Advertising(h AdvertisingHandle) (AdvertisingState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.sets[h]
	if !ok {
		return AdvertisingState{}, false
	}
	return *set, true
}

// Calls returns the recorded commands in order.
func (s *SimStack) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Call(nil), s.calls...)
}

// Responses returns the user read/write responses sent so far.
func (s *SimStack) Responses() []UserResponse {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]UserResponse(nil), s.responses...)
}

func (s *SimStack) recordLocked(name string, args ...any) error {
	s.calls = append(s.calls, Call{Name: name, Args: args})
	if status, ok := s.failures[name]; ok {
		return Errorf(status, "%s failed", name)
	}
	if !s.started || s.closed {
		return Errorf(StatusNotReady, "%s: stack not running", name)
	}
	return nil
}

func (s *SimStack) emitLocked(evt Event) {
	if s.closed {
		return
	}
	select {
	case s.events <- evt:
	default:
		s.logger.WithField("event", evt.EventName()).Warn("Simulated event queue full, dropping event")
	}
}

func (c Call) String() string {
	return fmt.Sprintf("%s%v", c.Name, c.Args)
}
