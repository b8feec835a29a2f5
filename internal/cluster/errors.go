package cluster

import "errors"

// Core error taxonomy. The HTTP layer maps these onto status codes;
// everything else surfaces as an internal error.
var (
	// ErrKeyAbsent means no alive replica holds the key.
	ErrKeyAbsent = errors.New("key not found")

	// ErrKeyConflict means a write targeted a key that already exists
	// on some alive replica.
	ErrKeyConflict = errors.New("key already exists")

	// ErrInvalidNodeID means the node id is outside the cluster.
	ErrInvalidNodeID = errors.New("invalid node id")

	// ErrInvalidStrategy means the strategy label is neither "full"
	// nor "consistent", or the operation requires consistent hashing.
	ErrInvalidStrategy = errors.New("invalid replication strategy")
)
