package station

import (
	"sort"
	"time"

	"github.com/postalsys/steamlink/internal/ack"
	"github.com/postalsys/steamlink/internal/logging"
	"github.com/postalsys/steamlink/internal/nodecfg"
	"github.com/postalsys/steamlink/internal/protocol"
	"github.com/postalsys/steamlink/internal/slid"
)

// NodeInfo is what a store knows about one node.
type NodeInfo struct {
	SLID         slid.SLID
	Name         string // From the node's ON announcement
	FirstSeen    time.Time
	LastSeen     time.Time
	RSSI         uint8
	Packets      uint64
	OfflineUntil time.Time
	Status       *protocol.Status // Last SS reply
}

// Offline reports whether the node is inside an announced offline window.
func (n NodeInfo) Offline(now time.Time) bool {
	return now.Before(n.OfflineUntil)
}

// dispatchStore handles an accepted node->store packet.
func (s *Station) dispatchStore(pkt *protocol.Packet) {
	now := s.clock.Now()
	info := s.touchNode(pkt, now)

	switch pkt.Op {
	case protocol.OpDS:
		s.metrics.RecordDelivered(protocol.OpName(pkt.Op))
		s.callHandler("OnData", func() { s.handler.OnData(pkt.Payload) })

	case protocol.OpMS:
		s.logger.Info("node message",
			logging.KeySLID, pkt.SLID.String(),
			"message", string(pkt.Payload))

	case protocol.OpON:
		name := ""
		if rec, err := nodecfg.Decode(pkt.Payload); err == nil && rec.SLID == pkt.SLID {
			name = rec.Name
		}
		s.mu.Lock()
		info.OfflineUntil = time.Time{}
		if name != "" {
			info.Name = name
		}
		s.mu.Unlock()
		s.logger.Info("node online", logging.KeySLID, pkt.SLID.String(), "name", name)

	case protocol.OpOF:
		seconds, err := protocol.DecodeOffline(pkt.Payload)
		if err != nil {
			return
		}
		s.mu.Lock()
		info.OfflineUntil = now.Add(time.Duration(seconds) * time.Second)
		s.mu.Unlock()
		s.logger.Info("node going offline",
			logging.KeySLID, pkt.SLID.String(),
			logging.KeyDuration, time.Duration(seconds)*time.Second)

	case protocol.OpSS:
		status, err := protocol.DecodeStatus(pkt.Payload)
		if err != nil {
			s.logger.Debug("undecodable status", logging.KeySLID, pkt.SLID.String(), logging.KeyError, err)
			return
		}
		s.mu.Lock()
		info.Status = status
		s.mu.Unlock()

	default:
		s.logger.Debug("ignoring packet", logging.KeyOp, protocol.OpName(pkt.Op))
	}
}

// touchNode records that pkt was heard from its node.
func (s *Station) touchNode(pkt *protocol.Packet, now time.Time) *NodeInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	info, ok := s.nodes[pkt.SLID]
	if !ok {
		info = &NodeInfo{SLID: pkt.SLID, FirstSeen: now}
		s.nodes[pkt.SLID] = info
	}
	info.LastSeen = now
	info.RSSI = pkt.RSSI
	info.Packets++
	return info
}

func (s *Station) updateNodeGauges() {
	now := s.clock.Now()
	s.mu.Lock()
	known, offline := len(s.nodes), 0
	for _, info := range s.nodes {
		if info.Offline(now) {
			offline++
		}
	}
	s.mu.Unlock()
	s.metrics.SetNodes(known, offline)
}

// Nodes returns a snapshot of every node heard so far, ordered by SLID.
func (s *Station) Nodes() []NodeInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]NodeInfo, 0, len(s.nodes))
	for _, info := range s.nodes {
		out = append(out, *info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SLID < out[j].SLID })
	return out
}

// Node returns what the store knows about one node.
func (s *Station) Node(id slid.SLID) (NodeInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	info, ok := s.nodes[id]
	if !ok {
		return NodeInfo{}, false
	}
	return *info, true
}

// toNode sends a store->node op, honouring the node's offline window.
func (s *Station) toNode(op uint8, id slid.SLID, payload []byte) (*ack.Delivery, error) {
	if s.cfg.Role != RoleStore {
		return nil, ErrWrongRole
	}
	if _, err := slid.Validate(uint32(id)); err != nil {
		return nil, err
	}
	if info, ok := s.Node(id); ok && info.Offline(s.clock.Now()) {
		return nil, ErrNodeOffline
	}
	return s.send(op, id, payload)
}

// SendToNode sends a reliable DN packet.
func (s *Station) SendToNode(id slid.SLID, payload []byte) (*ack.Delivery, error) {
	return s.toNode(protocol.OpDN, id, payload)
}

// GetStatus asks a node for its counters. The SS reply updates Nodes.
func (s *Station) GetStatus(id slid.SLID) error {
	_, err := s.toNode(protocol.OpGS, id, nil)
	return err
}

// SendTest sends TD; the node echoes the payload in TR.
func (s *Station) SendTest(id slid.SLID, payload []byte) error {
	_, err := s.toNode(protocol.OpTD, id, payload)
	return err
}

// SetRadio changes a node's radio parameters.
func (s *Station) SetRadio(id slid.SLID, params uint8) (*ack.Delivery, error) {
	sc := protocol.SetConfig{Version: nodecfg.Version, RadioParams: params}
	return s.toNode(protocol.OpSC, id, sc.Encode())
}

// Reboot asks a node to restart.
func (s *Station) Reboot(id slid.SLID) (*ack.Delivery, error) {
	return s.toNode(protocol.OpBC, id, nil)
}

// ResetRadio asks a node to reset its radio.
func (s *Station) ResetRadio(id slid.SLID) (*ack.Delivery, error) {
	return s.toNode(protocol.OpBR, id, nil)
}
