package stack

import (
	"fmt"

	"github.com/srg/blesense/internal/gattdb"
)

// Event is one stack event. The set of variants is closed: Boot, ConnectionOpened,
// ConnectionClosed, CharacteristicStatus, UserReadRequest, UserWriteRequest and
// UnknownEvent for everything else the stack reports.
type Event interface {
	EventName() string
	isEvent()
}

// Boot is delivered once the stack is ready to accept commands.
type Boot struct {
	Major, Minor, Patch uint16
	Build               uint16
}

// ConnectionOpened is delivered when a central connects.
type ConnectionOpened struct {
	Connection uint8
	Address    Address
	Advertiser AdvertisingHandle
}

// ConnectionClosed is delivered when a connection ends.
type ConnectionClosed struct {
	Connection uint8
	Reason     Status
}

// CharacteristicStatusFlag tells what changed in a CharacteristicStatus event.
type CharacteristicStatusFlag uint8

const (
	ClientConfigChanged  CharacteristicStatusFlag = 0x01
	ConfirmationReceived CharacteristicStatusFlag = 0x02
)

// ClientConfig is the value of a client characteristic configuration descriptor.
type ClientConfig uint16

const (
	ClientConfigDisabled     ClientConfig = 0x00
	ClientConfigNotification ClientConfig = 0x01
	ClientConfigIndication   ClientConfig = 0x02
)

// CharacteristicStatus reports a remote change of the client configuration of a
// characteristic, or a received indication confirmation.
type CharacteristicStatus struct {
	Connection     uint8
	Characteristic gattdb.AttributeID
	Flags          CharacteristicStatusFlag
	ClientConfig   ClientConfig
}

// UserReadRequest asks the application for the value of a user-managed
// characteristic.
type UserReadRequest struct {
	Connection     uint8
	Characteristic gattdb.AttributeID
	Offset         uint16
}

// UserWriteRequest hands a remote write of a user-managed characteristic to the
// application.
type UserWriteRequest struct {
	Connection     uint8
	Characteristic gattdb.AttributeID
	Offset         uint16
	Value          []byte
	WithResponse   bool
}

// UnknownEvent is any event the application has no handling for.
type UnknownEvent struct {
	ID uint32
}

func (Boot) EventName() string                 { return "system_boot" }
func (ConnectionOpened) EventName() string     { return "connection_opened" }
func (ConnectionClosed) EventName() string     { return "connection_closed" }
func (CharacteristicStatus) EventName() string { return "gatt_server_characteristic_status" }
func (UserReadRequest) EventName() string      { return "gatt_server_user_read_request" }
func (UserWriteRequest) EventName() string     { return "gatt_server_user_write_request" }
func (e UnknownEvent) EventName() string       { return fmt.Sprintf("event_0x%08x", e.ID) }

func (Boot) isEvent()                 {}
func (ConnectionOpened) isEvent()     {}
func (ConnectionClosed) isEvent()     {}
func (CharacteristicStatus) isEvent() {}
func (UserReadRequest) isEvent()      {}
func (UserWriteRequest) isEvent()     {}
func (UnknownEvent) isEvent()         {}
