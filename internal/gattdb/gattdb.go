// Package gattdb is the local attribute store of the peripheral: a fixed attribute
// layout and the current value of every attribute the application owns.
package gattdb

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/cornelk/hashmap"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Attribute store errors
var (
	ErrUnknownAttribute = errors.New("unknown attribute")
	ErrInvalidOffset    = errors.New("invalid attribute offset")
	ErrValueTooLong     = errors.New("attribute value too long")
)

// AttributeID is the handle of a characteristic value attribute.
type AttributeID uint16

// Attribute handles of the default layout.
const (
	DeviceName       AttributeID = 3
	Appearance       AttributeID = 5
	ManufacturerName AttributeID = 8
	SystemID         AttributeID = 10
	ADCData          AttributeID = 13
	LED0             AttributeID = 16
)

// Service and characteristic UUIDs of the default layout.
const (
	GenericAccessUUID     = "1800"
	DeviceInformationUUID = "180a"
	DeviceNameUUID        = "2a00"
	AppearanceUUID        = "2a01"
	ManufacturerNameUUID  = "2a29"
	SystemIDUUID          = "2a23"

	SensorServiceUUID = "5d7a1000-8b3c-4f2e-9a61-0c4b7e2d9f10"
	ADCDataUUID       = "5d7a1001-8b3c-4f2e-9a61-0c4b7e2d9f10"
	LED0UUID          = "5d7a1002-8b3c-4f2e-9a61-0c4b7e2d9f10"
)

// Property is a bit set of characteristic properties.
type Property uint8

const (
	PropRead Property = 1 << iota
	PropWrite
	PropWriteNoResponse
	PropNotify
	PropIndicate
)

func (p Property) String() string {
	var parts []string
	for _, f := range []struct {
		bit  Property
		name string
	}{
		{PropRead, "read"},
		{PropWrite, "write"},
		{PropWriteNoResponse, "write-no-rsp"},
		{PropNotify, "notify"},
		{PropIndicate, "indicate"},
	} {
		if p&f.bit != 0 {
			parts = append(parts, f.name)
		}
	}
	return strings.Join(parts, "|")
}

// Attribute describes one characteristic of the layout.
//
// UserManaged attributes hold no value in the store: the stack forwards reads and
// writes to the application as user requests.
type Attribute struct {
	ID          AttributeID `json:"handle"`
	Name        string      `json:"name"`
	Service     string      `json:"service"`
	UUID        string      `json:"uuid"`
	Properties  Property    `json:"-"`
	MaxLen      int         `json:"max_len"`
	UserManaged bool        `json:"user_managed"`
	Initial     []byte      `json:"-"`
}

// Listener observes attribute value changes.
type Listener func(id AttributeID, value []byte)

// Database is safe for concurrent use. Reads are lock-free; writes are serialized so
// that offset writes and listener dispatch observe a consistent value.
type Database struct {
	layout *orderedmap.OrderedMap[AttributeID, Attribute]
	values *hashmap.Map[AttributeID, []byte]

	mu        sync.Mutex
	nextSub   int
	listeners map[AttributeID]map[int]Listener
}

// New creates a database with the given layout. Attributes keep the order given.
func New(attrs ...Attribute) (*Database, error) {
	db := &Database{
		layout:    orderedmap.New[AttributeID, Attribute](),
		values:    hashmap.New[AttributeID, []byte](),
		listeners: make(map[AttributeID]map[int]Listener),
	}

	for _, a := range attrs {
		if _, exists := db.layout.Get(a.ID); exists {
			return nil, fmt.Errorf("duplicate attribute handle %d (%s)", a.ID, a.Name)
		}
		if len(a.Initial) > a.MaxLen {
			return nil, fmt.Errorf("attribute %s: %w", a.Name, ErrValueTooLong)
		}
		db.layout.Set(a.ID, a)
		if !a.UserManaged {
			db.values.Set(a.ID, append([]byte{}, a.Initial...))
		}
	}
	return db, nil
}

// Default creates the layout of the sensor peripheral: Generic Access, Device
// Information and the sensor service with ADCData and LED0.
func Default(deviceName, manufacturer string) (*Database, error) {
	return New(
		Attribute{ID: DeviceName, Name: "Device Name", Service: GenericAccessUUID, UUID: DeviceNameUUID,
			Properties: PropRead, MaxLen: 20, Initial: []byte(deviceName)},
		Attribute{ID: Appearance, Name: "Appearance", Service: GenericAccessUUID, UUID: AppearanceUUID,
			Properties: PropRead, MaxLen: 2, Initial: []byte{0x00, 0x00}},
		Attribute{ID: ManufacturerName, Name: "Manufacturer Name String", Service: DeviceInformationUUID, UUID: ManufacturerNameUUID,
			Properties: PropRead, MaxLen: 32, Initial: []byte(manufacturer)},
		Attribute{ID: SystemID, Name: "System ID", Service: DeviceInformationUUID, UUID: SystemIDUUID,
			Properties: PropRead, MaxLen: 8, Initial: make([]byte, 8)},
		Attribute{ID: ADCData, Name: "ADCData", Service: SensorServiceUUID, UUID: ADCDataUUID,
			Properties: PropRead | PropNotify, MaxLen: 4, Initial: make([]byte, 4)},
		Attribute{ID: LED0, Name: "LED0", Service: SensorServiceUUID, UUID: LED0UUID,
			Properties: PropRead | PropWrite, MaxLen: 1, UserManaged: true},
	)
}

// Lookup returns the layout entry of id.
func (db *Database) Lookup(id AttributeID) (Attribute, bool) {
	return db.layout.Get(id)
}

// Attributes returns the layout in declaration order.
func (db *Database) Attributes() []Attribute {
	attrs := make([]Attribute, 0, db.layout.Len())
	for pair := db.layout.Oldest(); pair != nil; pair = pair.Next() {
		attrs = append(attrs, pair.Value)
	}
	return attrs
}

// Write replaces the value of id from offset on. The bytes before offset are kept and
// anything after the written data is truncated.
func (db *Database) Write(id AttributeID, offset int, data []byte) error {
	attr, ok := db.layout.Get(id)
	if !ok || attr.UserManaged {
		return fmt.Errorf("%w: %d", ErrUnknownAttribute, id)
	}

	db.mu.Lock()
	cur, _ := db.values.Get(id)
	if offset < 0 || offset > len(cur) {
		db.mu.Unlock()
		return fmt.Errorf("%w: %d (length %d)", ErrInvalidOffset, offset, len(cur))
	}
	if offset+len(data) > attr.MaxLen {
		db.mu.Unlock()
		return fmt.Errorf("%w: %d bytes, max %d", ErrValueTooLong, offset+len(data), attr.MaxLen)
	}

	value := make([]byte, offset+len(data))
	copy(value, cur[:offset])
	copy(value[offset:], data)
	db.values.Set(id, value)

	listeners := make([]Listener, 0, len(db.listeners[id]))
	for _, l := range db.listeners[id] {
		listeners = append(listeners, l)
	}
	db.mu.Unlock()

	for _, l := range listeners {
		l(id, append([]byte{}, value...))
	}
	return nil
}

// Read returns a copy of the current value of id.
func (db *Database) Read(id AttributeID) ([]byte, error) {
	v, ok := db.values.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownAttribute, id)
	}
	return append([]byte{}, v...), nil
}

// Subscribe registers fn for value changes of id. The returned function removes it.
// Listeners run on the writer's goroutine and must not block.
func (db *Database) Subscribe(id AttributeID, fn Listener) (func(), error) {
	attr, ok := db.layout.Get(id)
	if !ok || attr.UserManaged {
		return nil, fmt.Errorf("%w: %d", ErrUnknownAttribute, id)
	}

	db.mu.Lock()
	defer db.mu.Unlock()

	db.nextSub++
	subID := db.nextSub
	if db.listeners[id] == nil {
		db.listeners[id] = make(map[int]Listener)
	}
	db.listeners[id][subID] = fn

	return func() {
		db.mu.Lock()
		defer db.mu.Unlock()
		delete(db.listeners[id], subID)
	}, nil
}
