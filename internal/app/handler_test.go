package app

import (
	"errors"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/srg/blesense/internal/gattdb"
	"github.com/srg/blesense/internal/indicator"
	"github.com/srg/blesense/internal/stack"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

// MockCommands is a testify mock of stack.Commands.
type MockCommands struct {
	mock.Mock
}

func (m *MockCommands) IdentityAddress() (stack.Address, stack.AddressType, error) {
	args := m.Called()
	return args.Get(0).(stack.Address), args.Get(1).(stack.AddressType), args.Error(2)
}

func (m *MockCommands) CreateAdvertisingSet() (stack.AdvertisingHandle, error) {
	args := m.Called()
	return args.Get(0).(stack.AdvertisingHandle), args.Error(1)
}

func (m *MockCommands) SetAdvertisingTiming(h stack.AdvertisingHandle, intervalMin, intervalMax uint32, duration uint16, maxEvents uint8) error {
	return m.Called(h, intervalMin, intervalMax, duration, maxEvents).Error(0)
}

func (m *MockCommands) StartAdvertising(h stack.AdvertisingHandle, discovery stack.DiscoveryMode, connection stack.ConnectionMode) error {
	return m.Called(h, discovery, connection).Error(0)
}

func (m *MockCommands) SendUserReadResponse(connection uint8, characteristic gattdb.AttributeID, att stack.ATTError, value []byte) error {
	return m.Called(connection, characteristic, att, value).Error(0)
}

func (m *MockCommands) SendUserWriteResponse(connection uint8, characteristic gattdb.AttributeID, att stack.ATTError) error {
	return m.Called(connection, characteristic, att).Error(0)
}

// MockStore is a testify mock of AttributeStore.
type MockStore struct {
	mock.Mock
}

func (m *MockStore) Write(id gattdb.AttributeID, offset int, data []byte) error {
	return m.Called(id, offset, data).Error(0)
}

var testAddress = stack.Address{0x66, 0x55, 0x44, 0x33, 0x22, 0x11}

type HandlerTestSuite struct {
	suite.Suite
	cmds    *MockCommands
	store   *MockStore
	led     *indicator.LogLED
	handler *Handler
	hook    *test.Hook
}

func (s *HandlerTestSuite) SetupTest() {
	var logger *logrus.Logger
	logger, s.hook = test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	s.cmds = &MockCommands{}
	s.store = &MockStore{}
	s.led = indicator.NewLogLED("led0", logger)
	s.handler = NewHandler(s.cmds, s.store, s.led, logger)
}

func (s *HandlerTestSuite) expectBoot() {
	s.cmds.On("IdentityAddress").Return(testAddress, stack.AddressPublic, nil).Once()
	s.store.On("Write", gattdb.SystemID, 0, []byte{0x11, 0x22, 0x33, 0xFF, 0xFE, 0x44, 0x55, 0x66}).Return(nil).Once()
	s.cmds.On("CreateAdvertisingSet").Return(stack.AdvertisingHandle(0), nil).Once()
	s.cmds.On("SetAdvertisingTiming", stack.AdvertisingHandle(0), uint32(160), uint32(160), uint16(0), uint8(0)).Return(nil).Once()
	s.cmds.On("StartAdvertising", stack.AdvertisingHandle(0), stack.GeneralDiscoverable, stack.ConnectableScannable).Return(nil).Once()
}

func (s *HandlerTestSuite) TestBoot() {
	s.expectBoot()

	s.Require().NoError(s.handler.Handle(stack.Boot{}))

	s.cmds.AssertExpectations(s.T())
	s.store.AssertExpectations(s.T())
	s.Equal(stack.AdvertisingHandle(0), s.handler.AdvertisingSet())
}

func (s *HandlerTestSuite) TestBootCommandOrder() {
	var order []string
	record := func(name string) func(mock.Arguments) {
		return func(mock.Arguments) { order = append(order, name) }
	}
	s.cmds.On("IdentityAddress").Return(testAddress, stack.AddressPublic, nil).Run(record("address"))
	s.store.On("Write", gattdb.SystemID, 0, mock.Anything).Return(nil).Run(record("write"))
	s.cmds.On("CreateAdvertisingSet").Return(stack.AdvertisingHandle(0), nil).Run(record("create"))
	s.cmds.On("SetAdvertisingTiming", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil).Run(record("timing"))
	s.cmds.On("StartAdvertising", mock.Anything, mock.Anything, mock.Anything).Return(nil).Run(record("start"))

	s.Require().NoError(s.handler.Handle(stack.Boot{}))
	s.Equal([]string{"address", "write", "create", "timing", "start"}, order)
}

func (s *HandlerTestSuite) TestBootFailures() {
	tests := []struct {
		name    string
		setup   func(cmds *MockCommands, store *MockStore)
		status  stack.Status
		message string
	}{
		{
			name: "identity address",
			setup: func(cmds *MockCommands, store *MockStore) {
				cmds.On("IdentityAddress").Return(stack.Address{}, stack.AddressPublic, stack.Errorf(stack.StatusNotReady, "radio off"))
			},
			status:  stack.StatusNotReady,
			message: "[E: 0x0003] Failed to get Bluetooth address",
		},
		{
			name: "system id write",
			setup: func(cmds *MockCommands, store *MockStore) {
				cmds.On("IdentityAddress").Return(testAddress, stack.AddressPublic, nil)
				store.On("Write", gattdb.SystemID, 0, mock.Anything).Return(gattdb.ErrValueTooLong)
			},
			status:  stack.StatusFail,
			message: "[E: 0x0001] Failed to write attribute",
		},
		{
			name: "create advertising set",
			setup: func(cmds *MockCommands, store *MockStore) {
				cmds.On("IdentityAddress").Return(testAddress, stack.AddressPublic, nil)
				store.On("Write", gattdb.SystemID, 0, mock.Anything).Return(nil)
				cmds.On("CreateAdvertisingSet").Return(stack.InvalidAdvertisingHandle, stack.Errorf(stack.StatusNoMoreResource, "full"))
			},
			status:  stack.StatusNoMoreResource,
			message: "[E: 0x0019] Failed to create advertising set",
		},
		{
			name: "advertising timing",
			setup: func(cmds *MockCommands, store *MockStore) {
				cmds.On("IdentityAddress").Return(testAddress, stack.AddressPublic, nil)
				store.On("Write", gattdb.SystemID, 0, mock.Anything).Return(nil)
				cmds.On("CreateAdvertisingSet").Return(stack.AdvertisingHandle(1), nil)
				cmds.On("SetAdvertisingTiming", stack.AdvertisingHandle(1), uint32(160), uint32(160), uint16(0), uint8(0)).
					Return(stack.Errorf(stack.StatusInvalidParameter, "bad interval"))
			},
			status:  stack.StatusInvalidParameter,
			message: "[E: 0x0021] Failed to set advertising timing",
		},
		{
			name: "start advertising",
			setup: func(cmds *MockCommands, store *MockStore) {
				cmds.On("IdentityAddress").Return(testAddress, stack.AddressPublic, nil)
				store.On("Write", gattdb.SystemID, 0, mock.Anything).Return(nil)
				cmds.On("CreateAdvertisingSet").Return(stack.AdvertisingHandle(1), nil)
				cmds.On("SetAdvertisingTiming", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)
				cmds.On("StartAdvertising", stack.AdvertisingHandle(1), mock.Anything, mock.Anything).Return(stack.ErrBusy)
			},
			status:  stack.StatusBusy,
			message: "[E: 0x0004] Failed to start advertising",
		},
	}

	for _, tt := range tests {
		s.Run(tt.name, func() {
			cmds, store := &MockCommands{}, &MockStore{}
			tt.setup(cmds, store)
			h := NewHandler(cmds, store, nil, nil)

			err := h.Handle(stack.Boot{})

			var aerr *AssertionError
			s.Require().True(errors.As(err, &aerr))
			s.Equal(tt.status, aerr.Status)
			s.Equal(tt.message, aerr.Error())
			s.True(IsFatal(err))
		})
	}
}

func (s *HandlerTestSuite) TestConnectionOpenedIsNoOp() {
	s.Require().NoError(s.handler.Handle(stack.ConnectionOpened{Connection: 1, Address: testAddress}))
	s.cmds.AssertNotCalled(s.T(), "StartAdvertising", mock.Anything, mock.Anything, mock.Anything)
}

func (s *HandlerTestSuite) TestConnectionClosedRestartsAdvertising() {
	s.expectBoot()
	s.Require().NoError(s.handler.Handle(stack.Boot{}))

	for i := 0; i < 3; i++ {
		s.Require().NoError(s.handler.Handle(stack.ConnectionOpened{Connection: uint8(i)}))
		s.cmds.On("StartAdvertising", stack.AdvertisingHandle(0), stack.GeneralDiscoverable, stack.ConnectableScannable).Return(nil).Once()
		s.Require().NoError(s.handler.Handle(stack.ConnectionClosed{Connection: uint8(i), Reason: stack.StatusRemoteUserTerminated}))
	}

	s.cmds.AssertNumberOfCalls(s.T(), "CreateAdvertisingSet", 1)
	s.cmds.AssertNumberOfCalls(s.T(), "StartAdvertising", 4)
}

func (s *HandlerTestSuite) TestConnectionClosedFailureIsFatal() {
	s.expectBoot()
	s.Require().NoError(s.handler.Handle(stack.Boot{}))

	s.cmds.On("StartAdvertising", stack.AdvertisingHandle(0), mock.Anything, mock.Anything).Return(stack.ErrInvalidState).Once()
	err := s.handler.Handle(stack.ConnectionClosed{Connection: 0})

	var aerr *AssertionError
	s.Require().ErrorAs(err, &aerr)
	s.Equal("[E: 0x0002] Failed to start advertising", aerr.Error())
	s.ErrorIs(err, stack.ErrInvalidState)
}

func (s *HandlerTestSuite) TestUnknownEventIgnored() {
	s.NoError(s.handler.Handle(stack.UnknownEvent{ID: 0x0800a0}))
	s.cmds.AssertExpectations(s.T())
	s.Empty(s.cmds.Calls)
}

func (s *HandlerTestSuite) TestCharacteristicStatus() {
	s.NoError(s.handler.Handle(stack.CharacteristicStatus{
		Characteristic: gattdb.ADCData, Flags: stack.ClientConfigChanged, ClientConfig: stack.ClientConfigNotification,
	}))
	s.Equal("Central subscribed to ADCData", s.hook.LastEntry().Message)

	s.NoError(s.handler.Handle(stack.CharacteristicStatus{
		Characteristic: gattdb.ADCData, Flags: stack.ClientConfigChanged, ClientConfig: stack.ClientConfigDisabled,
	}))
	s.Equal("Central unsubscribed from ADCData", s.hook.LastEntry().Message)

	s.NoError(s.handler.Handle(stack.CharacteristicStatus{Characteristic: gattdb.ADCData, Flags: stack.ConfirmationReceived}))
	s.Equal("Indication confirmed", s.hook.LastEntry().Message)

	s.NoError(s.handler.Handle(stack.CharacteristicStatus{Characteristic: gattdb.ADCData, Flags: 0x80}))
	s.Equal(logrus.WarnLevel, s.hook.LastEntry().Level)

	s.hook.Reset()
	s.NoError(s.handler.Handle(stack.CharacteristicStatus{Characteristic: gattdb.SystemID, Flags: 0x80}))
	s.Empty(s.hook.AllEntries())
}

func (s *HandlerTestSuite) TestUserReadLED() {
	s.cmds.On("SendUserReadResponse", uint8(2), gattdb.LED0, stack.ATTSuccess, []byte{0}).Return(nil).Once()
	s.NoError(s.handler.Handle(stack.UserReadRequest{Connection: 2, Characteristic: gattdb.LED0}))

	s.Require().NoError(s.led.Set(true))
	s.cmds.On("SendUserReadResponse", uint8(2), gattdb.LED0, stack.ATTSuccess, []byte{1}).Return(nil).Once()
	s.NoError(s.handler.Handle(stack.UserReadRequest{Connection: 2, Characteristic: gattdb.LED0}))

	s.cmds.AssertExpectations(s.T())
}

func (s *HandlerTestSuite) TestUserReadOtherCharacteristic() {
	s.cmds.On("SendUserReadResponse", uint8(2), gattdb.ADCData, stack.ATTInvalidHandle, []byte(nil)).Return(nil).Once()
	s.NoError(s.handler.Handle(stack.UserReadRequest{Connection: 2, Characteristic: gattdb.ADCData}))
	s.cmds.AssertExpectations(s.T())
}

func (s *HandlerTestSuite) TestUserWriteLED() {
	s.cmds.On("SendUserWriteResponse", uint8(1), gattdb.LED0, stack.ATTSuccess).Return(nil).Twice()

	s.NoError(s.handler.Handle(stack.UserWriteRequest{Connection: 1, Characteristic: gattdb.LED0, Value: []byte{0x01}, WithResponse: true}))
	s.True(s.led.State())

	s.NoError(s.handler.Handle(stack.UserWriteRequest{Connection: 1, Characteristic: gattdb.LED0, Value: []byte{0x00}, WithResponse: true}))
	s.False(s.led.State())

	s.cmds.On("SendUserWriteResponse", uint8(1), gattdb.LED0, stack.ATTInvalidAttrValueLength).Return(nil).Once()
	s.NoError(s.handler.Handle(stack.UserWriteRequest{Connection: 1, Characteristic: gattdb.LED0, WithResponse: true}))

	s.NoError(s.handler.Handle(stack.UserWriteRequest{Connection: 1, Characteristic: gattdb.LED0, Value: []byte{0x01}}))
	s.True(s.led.State(), "write without response still applies")

	s.cmds.AssertExpectations(s.T())
	s.cmds.AssertNumberOfCalls(s.T(), "SendUserWriteResponse", 3)
}

func (s *HandlerTestSuite) TestUserResponseFailureIsNotFatal() {
	s.cmds.On("SendUserWriteResponse", mock.Anything, mock.Anything, mock.Anything).Return(stack.ErrInvalidHandle)
	s.NoError(s.handler.Handle(stack.UserWriteRequest{Connection: 1, Characteristic: gattdb.LED0, Value: []byte{1}, WithResponse: true}))
	s.Equal("Failed to send user write response", s.hook.LastEntry().Message)
}

func TestHandlerTestSuite(t *testing.T) {
	suite.Run(t, new(HandlerTestSuite))
}

func TestDeriveSystemID(t *testing.T) {
	tests := []struct {
		name string
		addr stack.Address
		want SystemID
	}{
		{
			name: "ascending bytes",
			addr: stack.Address{0x00, 0x01, 0x02, 0x03, 0x04, 0x05},
			want: SystemID{0x05, 0x04, 0x03, 0xFF, 0xFE, 0x02, 0x01, 0x00},
		},
		{
			name: "vendor address",
			addr: testAddress,
			want: SystemID{0x11, 0x22, 0x33, 0xFF, 0xFE, 0x44, 0x55, 0x66},
		},
		{
			name: "all zero",
			addr: stack.Address{},
			want: SystemID{0, 0, 0, 0xFF, 0xFE, 0, 0, 0},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DeriveSystemID(tt.addr))
		})
	}

	addr, err := stack.ParseAddress("00:0B:57:A1:B2:C3")
	require.NoError(t, err)
	assert.Equal(t, "00:0B:57:FF:FE:A1:B2:C3", DeriveSystemID(addr).String())
}

func TestAssertionError(t *testing.T) {
	cause := stack.Errorf(stack.StatusTimeout, "no answer")
	err := assertOK(cause, "Failed to start advertising")

	assert.Equal(t, "[E: 0x0007] Failed to start advertising", err.Error())
	assert.ErrorIs(t, err, stack.ErrTimeout)
	assert.Nil(t, assertOK(nil, "unused"))
	assert.False(t, IsFatal(errors.New("plain")))
}
