package goble

import (
	"time"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/blesense/internal/gattdb"
	"github.com/srg/blesense/internal/stack"
)

// services builds the GATT services of the attribute layout. Generic Access is
// served by the host stack itself and is skipped.
func (s *Stack) services() []*ble.Service {
	var (
		order    []string
		services = make(map[string]*ble.Service)
	)

	for _, attr := range s.db.Attributes() {
		if attr.Service == gattdb.GenericAccessUUID {
			continue
		}
		svc, ok := services[attr.Service]
		if !ok {
			svc = ble.NewService(ble.MustParse(attr.Service))
			services[attr.Service] = svc
			order = append(order, attr.Service)
		}

		c := svc.NewCharacteristic(ble.MustParse(attr.UUID))
		s.bindCharacteristic(c, attr)
	}

	result := make([]*ble.Service, 0, len(order))
	for _, uuid := range order {
		result = append(result, services[uuid])
	}
	return result
}

// advertisedUUIDs lists the application services in the advertising data.
func (s *Stack) advertisedUUIDs() []ble.UUID {
	var uuids []ble.UUID
	seen := make(map[string]bool)
	for _, attr := range s.db.Attributes() {
		if attr.Service != gattdb.SensorServiceUUID || seen[attr.Service] {
			continue
		}
		seen[attr.Service] = true
		uuids = append(uuids, ble.MustParse(attr.Service))
	}
	return uuids
}

func (s *Stack) bindCharacteristic(c *ble.Characteristic, attr gattdb.Attribute) {
	if attr.UserManaged {
		if attr.Properties&gattdb.PropRead != 0 {
			c.HandleRead(ble.ReadHandlerFunc(func(req ble.Request, rsp ble.ResponseWriter) {
				s.userRead(attr, req, rsp)
			}))
		}
		if attr.Properties&(gattdb.PropWrite|gattdb.PropWriteNoResponse) != 0 {
			c.HandleWrite(ble.WriteHandlerFunc(func(req ble.Request, rsp ble.ResponseWriter) {
				s.userWrite(attr, req, rsp)
			}))
		}
		return
	}

	if attr.Properties&gattdb.PropRead != 0 {
		c.HandleRead(ble.ReadHandlerFunc(func(req ble.Request, rsp ble.ResponseWriter) {
			s.storedRead(attr, req, rsp)
		}))
	}
	if attr.Properties&gattdb.PropNotify != 0 {
		c.HandleNotify(ble.NotifyHandlerFunc(func(req ble.Request, n ble.Notifier) {
			s.streamNotifications(attr, req, n)
		}))
	}
}

func (s *Stack) storedRead(attr gattdb.Attribute, req ble.Request, rsp ble.ResponseWriter) {
	value, err := s.db.Read(attr.ID)
	if err != nil {
		rsp.SetStatus(ble.ATTError(stack.ATTUnlikelyError))
		return
	}
	offset := req.Offset()
	if offset > len(value) {
		rsp.SetStatus(ble.ATTError(stack.ATTInvalidOffset))
		return
	}
	if _, err := rsp.Write(value[offset:]); err != nil {
		s.logger.WithError(err).WithField("characteristic", attr.Name).Debug("Read response truncated")
	}
}

// userRead forwards a read to the application and waits for its response.
func (s *Stack) userRead(attr gattdb.Attribute, req ble.Request, rsp ble.ResponseWriter) {
	conn := s.connection(req.Conn())
	answer, ok := s.await(conn, attr, stack.UserReadRequest{
		Connection:     conn,
		Characteristic: attr.ID,
		Offset:         uint16(req.Offset()),
	})
	if !ok {
		rsp.SetStatus(ble.ATTError(stack.ATTUnlikelyError))
		return
	}
	if answer.att != stack.ATTSuccess {
		rsp.SetStatus(ble.ATTError(answer.att))
		return
	}
	_, _ = rsp.Write(answer.value)
}

// userWrite forwards a write to the application and waits for its response.
func (s *Stack) userWrite(attr gattdb.Attribute, req ble.Request, rsp ble.ResponseWriter) {
	conn := s.connection(req.Conn())
	answer, ok := s.await(conn, attr, stack.UserWriteRequest{
		Connection:     conn,
		Characteristic: attr.ID,
		Offset:         uint16(req.Offset()),
		Value:          append([]byte{}, req.Data()...),
		WithResponse:   true,
	})
	if !ok {
		rsp.SetStatus(ble.ATTError(stack.ATTUnlikelyError))
		return
	}
	rsp.SetStatus(ble.ATTError(answer.att))
}

func (s *Stack) await(conn uint8, attr gattdb.Attribute, evt stack.Event) (userResponse, bool) {
	key := pendingKey(conn, attr.ID)
	ch := make(chan userResponse, 1)
	if _, loaded := s.pending.GetOrInsert(key, ch); loaded {
		s.logger.WithFields(logrus.Fields{
			"connection":     conn,
			"characteristic": attr.Name,
		}).Warn("Request already pending, rejecting")
		return userResponse{}, false
	}
	defer s.pending.Del(key)

	s.post(evt)

	timer := time.NewTimer(s.opts.UserResponseTimeout)
	defer timer.Stop()

	select {
	case rsp := <-ch:
		return rsp, true
	case <-timer.C:
		s.logger.WithFields(logrus.Fields{
			"connection":     conn,
			"characteristic": attr.Name,
		}).Warn("Application did not answer user request")
		return userResponse{}, false
	case <-s.done:
		return userResponse{}, false
	}
}

// streamNotifications streams value changes of attr to a subscribed central until it unsubscribes.
func (s *Stack) streamNotifications(attr gattdb.Attribute, req ble.Request, n ble.Notifier) {
	conn := s.connection(req.Conn())
	s.post(stack.CharacteristicStatus{
		Connection:     conn,
		Characteristic: attr.ID,
		Flags:          stack.ClientConfigChanged,
		ClientConfig:   stack.ClientConfigNotification,
	})

	updates := make(chan []byte, 1)
	unsubscribe, err := s.db.Subscribe(attr.ID, func(_ gattdb.AttributeID, value []byte) {
		select {
		case updates <- value:
		default:
			// central is slower than the sampler; keep the pending value
		}
	})
	if err != nil {
		s.logger.WithError(err).WithField("characteristic", attr.Name).Error("Failed to subscribe to attribute")
		return
	}
	defer unsubscribe()

	for {
		select {
		case value := <-updates:
			if _, err := n.Write(value); err != nil {
				s.logger.WithError(err).WithField("characteristic", attr.Name).Debug("Notification failed")
			}
		case <-n.Context().Done():
			s.post(stack.CharacteristicStatus{
				Connection:     conn,
				Characteristic: attr.ID,
				Flags:          stack.ClientConfigChanged,
				ClientConfig:   stack.ClientConfigDisabled,
			})
			return
		case <-s.done:
			return
		}
	}
}
