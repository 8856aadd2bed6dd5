// Package stack is the application's view of the BLE host stack: the commands the
// application issues and the events the stack delivers.
//
// Every command reports failure as an error carrying a Status (see StatusOf). Events
// are a closed set of variants delivered in order on a single channel.
package stack

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/srg/blesense/internal/gattdb"
)

// Address is a BLE device address in over-the-air byte order: index 0 is the least
// significant byte, index 5 the most significant.
type Address [6]byte

// ParseAddress parses the conventional "AA:BB:CC:DD:EE:FF" notation, most significant
// byte first.
func ParseAddress(s string) (Address, error) {
	var a Address

	parts := strings.FieldsFunc(s, func(r rune) bool { return r == ':' || r == '-' })
	if len(parts) != len(a) {
		return a, fmt.Errorf("invalid address %q: want 6 octets", s)
	}
	for i, p := range parts {
		if len(p) != 2 {
			return a, fmt.Errorf("invalid address %q: bad octet %q", s, p)
		}
		v, err := strconv.ParseUint(p, 16, 8)
		if err != nil {
			return a, fmt.Errorf("invalid address %q: bad octet %q", s, p)
		}
		a[len(a)-1-i] = byte(v)
	}
	return a, nil
}

// String formats the address most significant byte first.
func (a Address) String() string {
	return fmt.Sprintf("%02X:%02X:%02X:%02X:%02X:%02X", a[5], a[4], a[3], a[2], a[1], a[0])
}

// AddressType is the type of an identity address.
type AddressType uint8

const (
	AddressPublic AddressType = iota
	AddressStaticRandom
)

func (t AddressType) String() string {
	if t == AddressStaticRandom {
		return "random"
	}
	return "public"
}

// AdvertisingHandle identifies an advertising set.
type AdvertisingHandle uint8

// InvalidAdvertisingHandle marks an advertising set that was never created.
const InvalidAdvertisingHandle AdvertisingHandle = 0xFF

// DiscoveryMode selects the discoverable mode of legacy advertising.
type DiscoveryMode uint8

const (
	NonDiscoverable DiscoveryMode = iota
	LimitedDiscoverable
	GeneralDiscoverable
)

func (m DiscoveryMode) String() string {
	switch m {
	case NonDiscoverable:
		return "non-discoverable"
	case LimitedDiscoverable:
		return "limited-discoverable"
	case GeneralDiscoverable:
		return "general-discoverable"
	default:
		return fmt.Sprintf("discovery-mode(%d)", uint8(m))
	}
}

// ConnectionMode selects the connectable mode of legacy advertising.
type ConnectionMode uint8

const (
	NonConnectable          ConnectionMode = 0
	ConnectableScannable    ConnectionMode = 2
	ScannableNonConnectable ConnectionMode = 3
	ConnectableNonScannable ConnectionMode = 4
)

func (m ConnectionMode) String() string {
	switch m {
	case NonConnectable:
		return "non-connectable"
	case ConnectableScannable:
		return "connectable-scannable"
	case ScannableNonConnectable:
		return "scannable-non-connectable"
	case ConnectableNonScannable:
		return "connectable-non-scannable"
	default:
		return fmt.Sprintf("connection-mode(%d)", uint8(m))
	}
}

// ATTError is an ATT protocol error code sent in user read/write responses.
type ATTError uint8

const (
	ATTSuccess                ATTError = 0x00
	ATTInvalidHandle          ATTError = 0x01
	ATTReadNotPermitted       ATTError = 0x02
	ATTWriteNotPermitted      ATTError = 0x03
	ATTInvalidOffset          ATTError = 0x07
	ATTInvalidAttrValueLength ATTError = 0x0D
	ATTUnlikelyError          ATTError = 0x0E
)

// Commands is the subset of stack commands the application issues.
type Commands interface {
	// IdentityAddress returns the controller identity address.
	IdentityAddress() (Address, AddressType, error)

	// CreateAdvertisingSet allocates an advertising set.
	CreateAdvertisingSet() (AdvertisingHandle, error)

	// SetAdvertisingTiming sets the interval bounds (units of 0.625 ms), the duration
	// (units of 10 ms, 0 = unlimited) and the max number of advertising events
	// (0 = unlimited) of an advertising set.
	SetAdvertisingTiming(h AdvertisingHandle, intervalMin, intervalMax uint32, duration uint16, maxEvents uint8) error

	// StartAdvertising starts legacy advertising with generated advertising data.
	StartAdvertising(h AdvertisingHandle, discovery DiscoveryMode, connection ConnectionMode) error

	// SendUserReadResponse answers a UserReadRequest.
	SendUserReadResponse(connection uint8, characteristic gattdb.AttributeID, att ATTError, value []byte) error

	// SendUserWriteResponse answers a UserWriteRequest.
	SendUserWriteResponse(connection uint8, characteristic gattdb.AttributeID, att ATTError) error
}

// Stack is a running BLE host stack.
type Stack interface {
	Commands

	// Start brings the stack up. A Boot event is delivered once it is ready.
	Start(ctx context.Context) error

	// Events returns the event stream. It is closed after Close.
	Events() <-chan Event

	// Close stops the stack.
	Close() error
}
