package station

import (
	"github.com/postalsys/steamlink/internal/ack"
	"github.com/postalsys/steamlink/internal/logging"
	"github.com/postalsys/steamlink/internal/nodecfg"
	"github.com/postalsys/steamlink/internal/protocol"
)

// dispatchNode handles an accepted store->node packet.
func (s *Station) dispatchNode(pkt *protocol.Packet) {
	switch pkt.Op {
	case protocol.OpDN:
		s.metrics.RecordDelivered(protocol.OpName(pkt.Op))
		s.callHandler("OnData", func() { s.handler.OnData(pkt.Payload) })

	case protocol.OpGS:
		status := s.Status()
		if _, err := s.send(protocol.OpSS, s.cfg.SLID, status.Encode()); err != nil {
			s.logger.Warn("failed to send status", logging.KeyError, err)
		}

	case protocol.OpTD:
		if _, err := s.send(protocol.OpTR, s.cfg.SLID, pkt.Payload); err != nil {
			s.logger.Warn("failed to echo test data", logging.KeyError, err)
		}

	case protocol.OpSC:
		sc, err := protocol.DecodeSetConfig(pkt.Payload)
		if err != nil {
			return
		}
		s.applyRadioParams(sc.RadioParams)
		s.command(pkt)

	case protocol.OpBC, protocol.OpBR:
		s.logger.Info("command received", logging.KeyOp, protocol.OpName(pkt.Op))
		s.command(pkt)

	default:
		s.logger.Debug("ignoring packet", logging.KeyOp, protocol.OpName(pkt.Op))
	}
}

func (s *Station) command(pkt *protocol.Packet) {
	if c, ok := s.handler.(Commander); ok {
		s.callHandler("OnCommand", func() { c.OnCommand(pkt.Op, pkt.Payload) })
	}
}

// applyRadioParams records new radio parameters and persists the record
// when storage is configured.
func (s *Station) applyRadioParams(params uint8) {
	s.mu.Lock()
	updated := *s.node
	updated.RadioParams = params
	s.node = &updated
	s.mu.Unlock()

	s.logger.Info("radio parameters updated", "radio_params", params)

	if s.cfg.Storage != nil {
		if err := nodecfg.Save(s.cfg.Storage, &updated); err != nil {
			s.logger.Error("failed to persist node config", logging.KeyError, err)
		}
	}
}

// NodeConfig returns a copy of the node's record.
func (s *Station) NodeConfig() (nodecfg.NodeConfig, error) {
	if s.cfg.Role != RoleNode {
		return nodecfg.NodeConfig{}, ErrWrongRole
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.node, nil
}

// Status returns the node's counters as reported in SS packets.
func (s *Station) Status() *protocol.Status {
	st := &protocol.Status{
		ConfigVersion: nodecfg.Version,
		UptimeSeconds: uint32(s.clock.Now().Sub(s.started).Seconds()),
		Received:      s.received.Load(),
		Sent:          s.sent.Load(),
	}
	if s.engine != nil {
		stats := s.engine.Stats()
		st.Retransmits = uint32(stats.Retransmits)
		st.Failures = uint32(stats.Failures)
	}
	return st
}

// SendData sends a reliable DS packet to the store.
func (s *Station) SendData(payload []byte) (*ack.Delivery, error) {
	if s.cfg.Role != RoleNode {
		return nil, ErrWrongRole
	}
	return s.send(protocol.OpDS, s.cfg.SLID, payload)
}

// SendMessage logs a text message at the store with a reliable MS packet.
func (s *Station) SendMessage(text string) (*ack.Delivery, error) {
	if s.cfg.Role != RoleNode {
		return nil, ErrWrongRole
	}
	return s.send(protocol.OpMS, s.cfg.SLID, []byte(text))
}

// Announce sends ON carrying the node's record so the store learns its
// name and settings.
func (s *Station) Announce() error {
	if s.cfg.Role != RoleNode {
		return ErrWrongRole
	}
	s.mu.Lock()
	record, err := s.node.Encode()
	s.mu.Unlock()
	if err != nil {
		return err
	}
	// A restarted node starts a new sequence; the store resets on ON.
	_, err = s.send(protocol.OpON, s.cfg.SLID, record)
	return err
}

// GoOffline tells the store the node will not listen for seconds.
func (s *Station) GoOffline(seconds uint16) error {
	if s.cfg.Role != RoleNode {
		return ErrWrongRole
	}
	_, err := s.send(protocol.OpOF, s.cfg.SLID, protocol.EncodeOffline(seconds))
	return err
}
