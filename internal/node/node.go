// Package node implements a single replica of the store: a persistent
// key-value table backed by an embedded sqlite file, plus a liveness
// flag that simulates node failure.
//
// The flag gates the public API only. A dead node silently ignores
// reads and writes (so broadcast operations tolerate partial failure
// without aborting), but its backing file stays reachable: AllKeys is
// a raw scan that works regardless of liveness, because key
// redistribution has to read a failed node's contents.
package node

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

// Pair is one key-value row from a node's table.
type Pair struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Node is one physical replica. Created once at manager construction,
// it transitions alive <-> dead any number of times; the sqlite file
// under dataDir persists across process restarts.
type Node struct {
	ID   int
	Port int

	mu    sync.RWMutex
	alive bool

	db     *sql.DB
	dbPath string
	log    *logrus.Entry
}

// New opens (or creates) the replica's database file at
// <dataDir>/replica_<id>.db and ensures the kv_store table exists.
// Nodes start alive.
func New(id, port int, dataDir string) (*Node, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	dbPath := filepath.Join(dataDir, fmt.Sprintf("replica_%d.db", id))
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open replica db: %w", err)
	}

	if _, err := db.Exec(
		`CREATE TABLE IF NOT EXISTS kv_store (key TEXT PRIMARY KEY, value TEXT)`,
	); err != nil {
		db.Close()
		return nil, fmt.Errorf("init kv_store table: %w", err)
	}

	return &Node{
		ID:     id,
		Port:   port,
		alive:  true,
		db:     db,
		dbPath: dbPath,
		log:    logrus.WithField("node", id),
	}, nil
}

// Write upserts key=value. No-op on a dead node.
func (n *Node) Write(key, value string) error {
	if !n.IsAlive() {
		return nil
	}
	_, err := n.db.Exec(
		`INSERT OR REPLACE INTO kv_store (key, value) VALUES (?, ?)`, key, value)
	if err != nil {
		return fmt.Errorf("node %d: write %q: %w", n.ID, key, err)
	}
	return nil
}

// Read returns the value stored for key and whether it was found.
// A dead node reports not-found.
func (n *Node) Read(key string) (string, bool, error) {
	if !n.IsAlive() {
		return "", false, nil
	}
	var value string
	err := n.db.QueryRow(
		`SELECT value FROM kv_store WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("node %d: read %q: %w", n.ID, key, err)
	}
	return value, true, nil
}

// Delete removes key. No-op on a dead node: the row stays in the file
// until the node recovers and resynchronizes.
func (n *Node) Delete(key string) error {
	if !n.IsAlive() {
		return nil
	}
	if _, err := n.db.Exec(`DELETE FROM kv_store WHERE key = ?`, key); err != nil {
		return fmt.Errorf("node %d: delete %q: %w", n.ID, key, err)
	}
	return nil
}

// KeyExists reports whether key is present. False on a dead node.
func (n *Node) KeyExists(key string) (bool, error) {
	if !n.IsAlive() {
		return false, nil
	}
	var one int
	err := n.db.QueryRow(`SELECT 1 FROM kv_store WHERE key = ?`, key).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("node %d: exists %q: %w", n.ID, key, err)
	}
	return true, nil
}

// AllKeys is the raw scan path: it returns every row in the table and
// deliberately ignores the liveness flag. Redistribution reads a dead
// node's contents through this.
func (n *Node) AllKeys() ([]Pair, error) {
	rows, err := n.db.Query(`SELECT key, value FROM kv_store`)
	if err != nil {
		return nil, fmt.Errorf("node %d: scan: %w", n.ID, err)
	}
	defer rows.Close()

	var pairs []Pair
	for rows.Next() {
		var p Pair
		if err := rows.Scan(&p.Key, &p.Value); err != nil {
			return nil, fmt.Errorf("node %d: scan row: %w", n.ID, err)
		}
		pairs = append(pairs, p)
	}
	return pairs, rows.Err()
}

// Fail marks the node dead. Idempotent.
func (n *Node) Fail() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.alive {
		n.alive = false
		n.log.Warn("node failed")
	}
}

// Recover marks the node alive again. Under full replication it then
// resynchronizes from the given peers so the revived node converges to
// the union of the live replicas. Recovering an already-alive node is
// a no-op.
func (n *Node) Recover(peers []*Node, fullSync bool) error {
	n.mu.Lock()
	if n.alive {
		n.mu.Unlock()
		return nil
	}
	n.alive = true
	n.mu.Unlock()

	n.log.Info("node recovered")
	if fullSync {
		return n.syncWithActiveNodes(peers)
	}
	return nil
}

// IsAlive returns the current liveness flag.
func (n *Node) IsAlive() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.alive
}

// syncWithActiveNodes ingests the full contents of every live peer in
// order (a later peer overwrites an earlier one on disagreement), then
// drops every local key that no live peer holds. With no live peers
// the node keeps whatever it had.
func (n *Node) syncWithActiveNodes(peers []*Node) error {
	union := make(map[string]struct{})
	synced := false

	for _, peer := range peers {
		if peer.ID == n.ID || !peer.IsAlive() {
			continue
		}
		pairs, err := peer.AllKeys()
		if err != nil {
			return fmt.Errorf("sync from node %d: %w", peer.ID, err)
		}
		for _, p := range pairs {
			if err := n.Write(p.Key, p.Value); err != nil {
				return err
			}
			union[p.Key] = struct{}{}
		}
		synced = true
	}
	if !synced {
		return nil
	}

	// Anything we hold that no live peer holds is a stale residue from
	// before the failure.
	pairs, err := n.AllKeys()
	if err != nil {
		return err
	}
	for _, p := range pairs {
		if _, ok := union[p.Key]; !ok {
			if err := n.Delete(p.Key); err != nil {
				return err
			}
		}
	}

	n.log.WithField("keys", len(union)).Info("resynchronized with active peers")
	return nil
}

// Close releases the database handle. The file itself is kept.
func (n *Node) Close() error {
	return n.db.Close()
}
