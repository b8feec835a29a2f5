package cluster

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"replicated-kvstore/internal/node"
)

// Strategy selects how the manager places data across replicas.
type Strategy string

const (
	// StrategyFull broadcasts every write to every alive node.
	StrategyFull Strategy = "full"

	// StrategyConsistent places each key on the ring's fan-out of
	// owning nodes.
	StrategyConsistent Strategy = "consistent"
)

// ParseStrategy validates a strategy label.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case StrategyFull, StrategyConsistent:
		return Strategy(s), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidStrategy, s)
}

// ReadResult carries a read value and its provenance message.
type ReadResult struct {
	Value   string
	Message string
}

// NodeStatus is the membership view reported to operators. The port is
// metadata only: replicas are local objects, the notional per-node
// endpoint is reserved.
type NodeStatus struct {
	NodeID int    `json:"node_id"`
	Status string `json:"status"`
	Port   int    `json:"port"`
}

// Manager is the front door to the replication core. It owns the
// replica nodes, the chosen strategy, and (under consistent hashing)
// the ring.
//
// The manager is a shared resource: mutating operations serialize
// through its write lock, reads run concurrently under the read lock.
// Redistribution and recovery are foreground work done while holding
// the write lock, so no mutation interleaves with them.
type Manager struct {
	mu       sync.RWMutex
	nodes    []*node.Node
	strategy Strategy
	factor   int
	ring     *Ring
}

// NewManager creates nodesDB replica nodes with ids 0..nodesDB-1 and
// ports basePort+i, then configures the strategy. replicationFactor is
// only meaningful under consistent hashing; non-positive values
// default to the node count.
func NewManager(nodesDB, basePort int, dataDir string, strategy Strategy, replicationFactor int) (*Manager, error) {
	if nodesDB <= 0 {
		return nil, fmt.Errorf("node count must be positive, got %d", nodesDB)
	}
	if _, err := ParseStrategy(string(strategy)); err != nil {
		return nil, err
	}

	nodes := make([]*node.Node, 0, nodesDB)
	for i := 0; i < nodesDB; i++ {
		n, err := node.New(i, basePort+i, dataDir)
		if err != nil {
			for _, prev := range nodes {
				prev.Close()
			}
			return nil, fmt.Errorf("create replica %d: %w", i, err)
		}
		nodes = append(nodes, n)
	}

	m := &Manager{
		nodes:    nodes,
		strategy: strategy,
		factor:   replicationFactor,
	}
	if strategy == StrategyConsistent {
		m.ring = NewRing(nodes, replicationFactor)
	}

	logrus.WithFields(logrus.Fields{
		"nodes":    nodesDB,
		"strategy": strategy,
	}).Info("replication manager ready")
	return m, nil
}

// SetStrategy reconfigures the manager in place. Switching to
// consistent rebuilds the ring with the new factor; switching to full
// discards it. Data already placed is not moved.
func (m *Manager) SetStrategy(s Strategy, replicationFactor int) error {
	if _, err := ParseStrategy(string(s)); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.strategy = s
	m.factor = replicationFactor
	if s == StrategyConsistent {
		m.ring = NewRing(m.nodes, replicationFactor)
	} else {
		m.ring = nil
	}

	logrus.WithFields(logrus.Fields{
		"strategy": s,
		"factor":   replicationFactor,
	}).Info("replication strategy changed")
	return nil
}

// Strategy returns the current strategy label.
func (m *Manager) Strategy() Strategy {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.strategy
}

// Write stores key=value on the replicas the strategy selects.
// ErrKeyConflict if any alive replica already holds the key. Dead
// targets are skipped; hinted handoff happens only at FailNode.
func (m *Manager) Write(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	exists, err := m.existsLocked(key)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("%w: %q", ErrKeyConflict, key)
	}

	targets := m.nodes
	if m.strategy == StrategyConsistent {
		targets = m.ring.GetNodesForKey(key)
	}
	for _, n := range targets {
		if !n.IsAlive() {
			continue
		}
		logrus.WithFields(logrus.Fields{"key": key, "node": n.ID}).Debug("writing key")
		if err := n.Write(key, value); err != nil {
			return err
		}
	}
	return nil
}

// Read returns the value for key.
//
// Under full replication the node list is scanned in id order and the
// first alive node with the key answers. Under consistent hashing only
// the ring's primary owner is asked; a dead or empty primary means not
// found, deliberately without a fallback walk.
func (m *Manager) Read(key string) (ReadResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.strategy == StrategyConsistent {
		if n := m.ring.GetNode(key); n != nil && n.IsAlive() {
			value, found, err := n.Read(key)
			if err != nil {
				return ReadResult{}, err
			}
			if found {
				return readHit(value, n.ID), nil
			}
		}
		return readMiss(), ErrKeyAbsent
	}

	for _, n := range m.nodes {
		if !n.IsAlive() {
			continue
		}
		value, found, err := n.Read(key)
		if err != nil {
			return ReadResult{}, err
		}
		if found {
			return readHit(value, n.ID), nil
		}
	}
	return readMiss(), ErrKeyAbsent
}

func readHit(value string, nodeID int) ReadResult {
	return ReadResult{
		Value:   value,
		Message: fmt.Sprintf("Read from replica %d", nodeID),
	}
}

func readMiss() ReadResult {
	return ReadResult{Message: "All replicas failed or key not found"}
}

// Delete removes key from every node regardless of strategy, so no
// stale residue survives on previous custodians or natural replicas.
// Dead nodes ignore the delete and keep the row until they recover and
// resynchronize. ErrKeyAbsent if no alive replica holds the key.
func (m *Manager) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	exists, err := m.existsLocked(key)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%w: %q", ErrKeyAbsent, key)
	}

	for _, n := range m.nodes {
		if err := n.Delete(key); err != nil {
			return err
		}
	}
	return nil
}

// Exists reports whether any alive node holds the key.
func (m *Manager) Exists(key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.existsLocked(key)
}

func (m *Manager) existsLocked(key string) (bool, error) {
	for _, n := range m.nodes {
		if !n.IsAlive() {
			continue
		}
		exists, err := n.KeyExists(key)
		if err != nil {
			return false, err
		}
		if exists {
			return true, nil
		}
	}
	return false, nil
}

// FailNode marks the node dead and, under consistent hashing, moves
// its keys to the ring successor. Repeating the call is safe: keys
// already on the successor are skipped by the exists guard.
func (m *Manager) FailNode(id int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	n, err := m.nodeByID(id)
	if err != nil {
		return err
	}
	n.Fail()

	if m.strategy == StrategyConsistent {
		return m.ring.RedistributeKeys(n)
	}
	return nil
}

// RecoverNode marks the node alive again. Under full replication the
// node resynchronizes from its live peers; under consistent hashing
// the ring returns custody of the keys displaced at failure time.
func (m *Manager) RecoverNode(id int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	n, err := m.nodeByID(id)
	if err != nil {
		return err
	}
	if err := n.Recover(m.nodes, m.strategy == StrategyFull); err != nil {
		return err
	}

	if m.strategy == StrategyConsistent {
		return m.ring.RecoverNode(n)
	}
	return nil
}

func (m *Manager) nodeByID(id int) (*node.Node, error) {
	if id < 0 || id >= len(m.nodes) {
		return nil, fmt.Errorf("%w: %d", ErrInvalidNodeID, id)
	}
	return m.nodes[id], nil
}

// NodesStatus reports id, liveness and port for every node.
func (m *Manager) NodesStatus() []NodeStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]NodeStatus, 0, len(m.nodes))
	for _, n := range m.nodes {
		status := "alive"
		if !n.IsAlive() {
			status = "dead"
		}
		out = append(out, NodeStatus{NodeID: n.ID, Status: status, Port: n.Port})
	}
	return out
}

// NodesForKey returns the ids of the nodes responsible for key.
// ErrInvalidStrategy unless consistent hashing is enabled.
func (m *Manager) NodesForKey(key string) ([]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.strategy != StrategyConsistent || m.ring == nil {
		return nil, ErrInvalidStrategy
	}
	nodes := m.ring.GetNodesForKey(key)
	ids := make([]int, 0, len(nodes))
	for _, n := range nodes {
		ids = append(ids, n.ID)
	}
	return ids, nil
}

// Ring exposes the hash ring for introspection. Nil under full
// replication.
func (m *Manager) Ring() *Ring {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.ring
}

// Close releases every node's database handle.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var firstErr error
	for _, n := range m.nodes {
		if err := n.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
