package stack

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/srg/blesense/internal/gattdb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAddress(t *testing.T) {
	a, err := ParseAddress("00:0B:57:A1:B2:C3")
	require.NoError(t, err)
	assert.Equal(t, Address{0xC3, 0xB2, 0xA1, 0x57, 0x0B, 0x00}, a)
	assert.Equal(t, "00:0B:57:A1:B2:C3", a.String())

	a, err = ParseAddress("aa-bb-cc-dd-ee-ff")
	require.NoError(t, err)
	assert.Equal(t, byte(0xAA), a[5])

	for _, bad := range []string{"", "00:11:22", "00:11:22:33:44:5", "00:11:22:33:44:GG", "00:11:22:33:44:55:66"} {
		_, err := ParseAddress(bad)
		assert.Error(t, err, bad)
	}
}

func TestStatusError(t *testing.T) {
	err := Errorf(StatusBusy, "advertiser %d", 1)

	assert.ErrorIs(t, err, ErrBusy)
	assert.NotErrorIs(t, err, ErrTimeout)
	assert.Equal(t, "[0x0004] busy: advertiser 1", err.Error())
	assert.Equal(t, StatusBusy, StatusOf(fmt.Errorf("wrapped: %w", err)))
	assert.Equal(t, StatusOK, StatusOf(nil))
	assert.Equal(t, StatusFail, StatusOf(errors.New("boom")))
	assert.Equal(t, "status 0xbeef", Status(0xBEEF).String())
	assert.Equal(t, "[0x0002] invalid state", ErrInvalidState.Error())
}

func TestNormalizeError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{name: "nil", err: nil, want: nil},
		{name: "deadline", err: context.DeadlineExceeded, want: ErrTimeout},
		{name: "hci timeout", err: errors.New("hci: command timed out"), want: ErrTimeout},
		{name: "busy", err: errors.New("open hci socket: device or resource busy"), want: ErrBusy},
		{name: "disallowed", err: errors.New("Command Disallowed"), want: ErrBusy},
		{name: "permission", err: errors.New("socket: operation not permitted"), want: ErrPermission},
		{name: "no adapter", err: errors.New("can't init hci: no such device"), want: ErrNotAvailable},
		{name: "unsupported", err: errors.New("Unsupported Feature or Parameter Value"), want: ErrNotSupported},
		{name: "bad params", err: errors.New("Invalid HCI Command Parameters"), want: ErrInvalidParam},
		{name: "already a status", err: ErrBusy, want: ErrBusy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NormalizeError(tt.err)
			if tt.want == nil {
				assert.NoError(t, got)
				return
			}
			assert.ErrorIs(t, got, tt.want)
			if tt.err != nil {
				assert.Contains(t, got.Error(), tt.err.Error())
			}
		})
	}

	plain := errors.New("something else")
	assert.Same(t, plain, NormalizeError(plain))
}

func TestEventNames(t *testing.T) {
	assert.Equal(t, "system_boot", Boot{}.EventName())
	assert.Equal(t, "connection_closed", ConnectionClosed{}.EventName())
	assert.Equal(t, "event_0x000000aa", UnknownEvent{ID: 0xAA}.EventName())
}

func TestSimStack_Lifecycle(t *testing.T) {
	addr, _ := ParseAddress("00:0B:57:A1:B2:C3")
	s := NewSimStack(addr, nil)

	_, err := s.CreateAdvertisingSet()
	require.ErrorIs(t, err, ErrNotReady)

	require.NoError(t, s.Start(context.Background()))
	assert.Equal(t, Boot{Major: 1}, <-s.Events())

	got, typ, err := s.IdentityAddress()
	require.NoError(t, err)
	assert.Equal(t, addr, got)
	assert.Equal(t, AddressPublic, typ)

	h, err := s.CreateAdvertisingSet()
	require.NoError(t, err)
	assert.Equal(t, AdvertisingHandle(0), h)

	require.ErrorIs(t, s.StartAdvertising(h, GeneralDiscoverable, ConnectableScannable), ErrInvalidState)
	require.ErrorIs(t, s.SetAdvertisingTiming(h, 0x10, 0x10, 0, 0), ErrInvalidParam)
	require.ErrorIs(t, s.SetAdvertisingTiming(7, 160, 160, 0, 0), ErrInvalidHandle)
	require.NoError(t, s.SetAdvertisingTiming(h, 160, 160, 0, 0))
	require.NoError(t, s.StartAdvertising(h, GeneralDiscoverable, ConnectableScannable))

	state, ok := s.Advertising(h)
	require.True(t, ok)
	assert.True(t, state.Active)
	assert.Equal(t, uint32(160), state.IntervalMin)

	peer := Address{1, 2, 3, 4, 5, 6}
	conn, err := s.Connect(peer)
	require.NoError(t, err)
	assert.Equal(t, ConnectionOpened{Connection: conn, Address: peer, Advertiser: h}, <-s.Events())

	state, _ = s.Advertising(h)
	assert.False(t, state.Active, "advertising stops on connection")
	_, err = s.Connect(peer)
	assert.ErrorIs(t, err, ErrInvalidState)

	require.NoError(t, s.SendUserReadResponse(conn, gattdb.LED0, ATTSuccess, []byte{1}))
	require.ErrorIs(t, s.SendUserWriteResponse(9, gattdb.LED0, ATTSuccess), ErrInvalidHandle)
	assert.Equal(t, []UserResponse{{Connection: conn, Characteristic: gattdb.LED0, Value: []byte{1}}}, s.Responses())

	require.NoError(t, s.Disconnect(conn, StatusRemoteUserTerminated))
	assert.Equal(t, ConnectionClosed{Connection: conn, Reason: StatusRemoteUserTerminated}, <-s.Events())
	assert.ErrorIs(t, s.Disconnect(conn, StatusRemoteUserTerminated), ErrInvalidHandle)

	names := make([]string, 0)
	for _, c := range s.Calls() {
		names = append(names, c.Name)
	}
	assert.Equal(t, []string{
		"CreateAdvertisingSet", "IdentityAddress", "CreateAdvertisingSet",
		"StartAdvertising", "SetAdvertisingTiming", "SetAdvertisingTiming", "SetAdvertisingTiming",
		"StartAdvertising", "SendUserReadResponse", "SendUserWriteResponse",
	}, names)

	require.NoError(t, s.Close())
	_, open := <-s.Events()
	assert.False(t, open)
	assert.NoError(t, s.Close())
}

func TestSimStack_FailCommand(t *testing.T) {
	s := NewSimStack(Address{}, nil)
	require.NoError(t, s.Start(context.Background()))
	s.FailCommand("CreateAdvertisingSet", StatusNoMoreResource)

	h, err := s.CreateAdvertisingSet()
	assert.Equal(t, InvalidAdvertisingHandle, h)
	assert.Equal(t, StatusNoMoreResource, StatusOf(err))
}

func TestSimStack_AdvertisingSetsExhausted(t *testing.T) {
	s := NewSimStack(Address{}, nil)
	require.NoError(t, s.Start(context.Background()))

	for i := 0; i < maxAdvertisingSets; i++ {
		_, err := s.CreateAdvertisingSet()
		require.NoError(t, err)
	}
	_, err := s.CreateAdvertisingSet()
	assert.ErrorIs(t, err, ErrNoMoreResource)
}
