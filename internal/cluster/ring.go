// Package cluster contains the replication core: the consistent hash
// ring that decides which nodes own which keys, and the replication
// manager that dispatches writes, reads and deletes across replicas
// under a chosen strategy.
package cluster

import (
	"crypto/md5"
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"

	"replicated-kvstore/internal/node"
)

// Handoff records a key displaced from a failed node: which node is
// temporarily holding it and the value that was moved.
type Handoff struct {
	NodeID int
	Value  string
}

// Ring is the consistent hash ring.
//
// Each physical node contributes `replicas` virtual positions at
// H("<id>:<i>"), so load spreads evenly and the same count doubles as
// the replication fan-out of GetNodesForKey. Positions are kept in a
// sorted slice for binary search; the nodes slice remembers physical
// insertion order, which the placement special case below depends on.
//
// handoffs is the hinted-handoff map: key -> (custodian, value) for
// keys moved off a failed node. It lives in process memory only and is
// mutated solely under the manager's lock, so the ring carries no lock
// of its own.
type Ring struct {
	replicas   int
	ring       map[uint64]*node.Node
	sortedKeys []uint64
	nodes      []*node.Node
	handoffs   map[string]Handoff
}

// NewRing builds a ring over the given nodes. If replicas is not
// positive it defaults to the node count.
func NewRing(nodes []*node.Node, replicas int) *Ring {
	if replicas <= 0 {
		replicas = len(nodes)
	}
	r := &Ring{
		replicas: replicas,
		ring:     make(map[uint64]*node.Node),
		handoffs: make(map[string]Handoff),
	}
	for _, n := range nodes {
		r.AddNode(n)
	}
	return r
}

// hashKey maps a string onto the ring. MD5 is uniform enough for
// non-adversarial keys; the first 8 bytes give the ring position.
func hashKey(key string) uint64 {
	sum := md5.Sum([]byte(key))
	return binary.BigEndian.Uint64(sum[:8])
}

// AddNode inserts the node's virtual positions into the ring.
func (r *Ring) AddNode(n *node.Node) {
	for i := 0; i < r.replicas; i++ {
		pos := hashKey(fmt.Sprintf("%d:%d", n.ID, i))
		r.ring[pos] = n
		r.sortedKeys = append(r.sortedKeys, pos)
	}
	sort.Slice(r.sortedKeys, func(i, j int) bool {
		return r.sortedKeys[i] < r.sortedKeys[j]
	})
	r.nodes = append(r.nodes, n)
}

// RemoveNode deletes the node's virtual positions. It does not move
// any data: redistribution is a separate, explicit step.
func (r *Ring) RemoveNode(n *node.Node) {
	for i := 0; i < r.replicas; i++ {
		pos := hashKey(fmt.Sprintf("%d:%d", n.ID, i))
		delete(r.ring, pos)
	}
	keys := r.sortedKeys[:0]
	for _, pos := range r.sortedKeys {
		if _, ok := r.ring[pos]; ok {
			keys = append(keys, pos)
		}
	}
	r.sortedKeys = keys

	for i, m := range r.nodes {
		if m.ID == n.ID {
			r.nodes = append(r.nodes[:i], r.nodes[i+1:]...)
			break
		}
	}
}

// search finds the index of the first ring position >= pos, wrapping
// to 0 past the end.
func (r *Ring) search(pos uint64) int {
	idx := sort.Search(len(r.sortedKeys), func(i int) bool {
		return r.sortedKeys[i] >= pos
	})
	if idx == len(r.sortedKeys) {
		idx = 0
	}
	return idx
}

// GetNode returns the node owning the first ring position at or after
// the key's hash, or nil on an empty ring.
func (r *Ring) GetNode(key string) *node.Node {
	if len(r.sortedKeys) == 0 {
		return nil
	}
	return r.ring[r.sortedKeys[r.search(hashKey(key))]]
}

// GetNodesForKey returns the distinct physical nodes responsible for
// key, walking the ring clockwise from the key's position.
//
// Special case kept from the original protocol: when the fan-out
// covers every physical node the result is all nodes in ring-insertion
// order, not ring-walk order.
func (r *Ring) GetNodesForKey(key string) []*node.Node {
	if len(r.sortedKeys) == 0 {
		return nil
	}

	if r.replicas >= len(r.nodes) {
		out := make([]*node.Node, len(r.nodes))
		copy(out, r.nodes)
		return out
	}

	idx := r.search(hashKey(key))
	nodes := make([]*node.Node, 0, r.replicas)
	seen := make(map[int]bool)

	for i := 0; i < len(r.sortedKeys) && len(nodes) < r.replicas; i++ {
		n := r.ring[r.sortedKeys[(idx+i)%len(r.sortedKeys)]]
		if !seen[n.ID] {
			seen[n.ID] = true
			nodes = append(nodes, n)
		}
	}
	return nodes
}

// GetNextNode walks clockwise from the key's position and returns the
// first node that is alive and whose id differs from excludeID. Pass a
// negative excludeID to exclude nothing. Returns nil if no node
// qualifies.
func (r *Ring) GetNextNode(key string, excludeID int) *node.Node {
	if len(r.sortedKeys) == 0 {
		return nil
	}
	idx := r.search(hashKey(key))
	for i := 0; i < len(r.sortedKeys); i++ {
		n := r.ring[r.sortedKeys[(idx+i)%len(r.sortedKeys)]]
		if n.IsAlive() && n.ID != excludeID {
			return n
		}
	}
	return nil
}

// NodeByID returns the physical node with the given id, or nil.
func (r *Ring) NodeByID(id int) *node.Node {
	for _, n := range r.nodes {
		if n.ID == id {
			return n
		}
	}
	return nil
}

// RedistributeKeys moves the failed node's keys to its successor on
// the ring and records each move in the handoff map.
//
// The scan reads the failed node's persistent file directly (AllKeys
// ignores liveness). Keys the successor already holds are left alone
// and not recorded: the successor is a natural replica for them, so
// there is nothing to give back later. Recording is append-only, which
// makes a retry after a mid-way error safe.
func (r *Ring) RedistributeKeys(failed *node.Node) error {
	succ := r.GetNextNode(fmt.Sprintf("%d:0", failed.ID), failed.ID)
	if succ == nil {
		logrus.WithField("node", failed.ID).Warn("no alive successor, keys stay put")
		return nil
	}

	pairs, err := failed.AllKeys()
	if err != nil {
		return fmt.Errorf("redistribute from node %d: %w", failed.ID, err)
	}

	moved := 0
	for _, p := range pairs {
		exists, err := succ.KeyExists(p.Key)
		if err != nil {
			return err
		}
		if exists {
			continue
		}
		if err := succ.Write(p.Key, p.Value); err != nil {
			return err
		}
		r.handoffs[p.Key] = Handoff{NodeID: succ.ID, Value: p.Value}
		moved++
	}

	logrus.WithFields(logrus.Fields{
		"node":      failed.ID,
		"successor": succ.ID,
		"moved":     moved,
	}).Info("redistributed keys from failed node")
	return nil
}

// RecoverNode returns custody of displaced keys to the revived node.
//
// For every handoff recorded on some other node, the custodian's copy
// is deleted unless the custodian is a natural replica of the key,
// the key is written to the revived node unless it already holds it,
// and the handoff entry is dropped. Keys recorded against the revived
// node itself stay where they are.
func (r *Ring) RecoverNode(revived *node.Node) error {
	keys := make([]string, 0, len(r.handoffs))
	for k, h := range r.handoffs {
		if h.NodeID != revived.ID {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	for _, key := range keys {
		h := r.handoffs[key]
		custodian := r.NodeByID(h.NodeID)
		if custodian == nil {
			continue
		}

		natural := false
		for _, n := range r.GetNodesForKey(key) {
			if n.ID == custodian.ID {
				natural = true
				break
			}
		}
		if !natural {
			// The custodian only held the key as a stand-in.
			if err := custodian.Delete(key); err != nil {
				return err
			}
		}

		exists, err := revived.KeyExists(key)
		if err != nil {
			return err
		}
		if !exists {
			if err := revived.Write(key, h.Value); err != nil {
				return err
			}
		}
		delete(r.handoffs, key)
	}

	logrus.WithFields(logrus.Fields{
		"node":      revived.ID,
		"recovered": len(keys),
	}).Info("returned custody of displaced keys")
	return nil
}

// HandoffFor returns the recorded handoff for key, if any.
func (r *Ring) HandoffFor(key string) (Handoff, bool) {
	h, ok := r.handoffs[key]
	return h, ok
}

// HandoffCount returns how many keys are currently displaced.
func (r *Ring) HandoffCount() int {
	return len(r.handoffs)
}
