package cluster

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"replicated-kvstore/internal/node"
)

func makeNodes(t *testing.T, count int) []*node.Node {
	t.Helper()
	dir := t.TempDir()
	nodes := make([]*node.Node, 0, count)
	for i := 0; i < count; i++ {
		n, err := node.New(i, 5000+i, dir)
		require.NoError(t, err)
		t.Cleanup(func() { n.Close() })
		nodes = append(nodes, n)
	}
	return nodes
}

func ids(nodes []*node.Node) []int {
	out := make([]int, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, n.ID)
	}
	return out
}

// findKey probes deterministic candidate keys until one satisfies the
// placement predicate. MD5 placement is stable, so the same candidate
// wins on every run.
func findKey(t *testing.T, pred func(key string) bool) string {
	t.Helper()
	for i := 0; i < 100000; i++ {
		key := fmt.Sprintf("key-%d", i)
		if pred(key) {
			return key
		}
	}
	t.Fatal("no candidate key matched the placement predicate")
	return ""
}

func TestRingEntriesPerNode(t *testing.T) {
	nodes := makeNodes(t, 3)
	r := NewRing(nodes, 4)

	assert.Len(t, r.sortedKeys, 3*4)
	assert.Len(t, r.ring, 3*4)

	r.RemoveNode(nodes[1])
	assert.Len(t, r.sortedKeys, 2*4)
	assert.Nil(t, r.NodeByID(1))
}

func TestReplicasDefaultsToNodeCount(t *testing.T) {
	nodes := makeNodes(t, 3)
	r := NewRing(nodes, 0)
	assert.Equal(t, 3, r.replicas)
}

func TestPlacementIsDeterministic(t *testing.T) {
	nodes := makeNodes(t, 5)
	a := NewRing(nodes, 2)
	b := NewRing(nodes, 2)

	for i := 0; i < 50; i++ {
		key := fmt.Sprintf("key-%d", i)
		assert.Equal(t, ids(a.GetNodesForKey(key)), ids(b.GetNodesForKey(key)))
		assert.Equal(t, ids(a.GetNodesForKey(key)), ids(a.GetNodesForKey(key)))
	}
}

func TestGetNodesForKeyWidth(t *testing.T) {
	nodes := makeNodes(t, 5)
	r := NewRing(nodes, 3)

	for i := 0; i < 50; i++ {
		got := ids(r.GetNodesForKey(fmt.Sprintf("key-%d", i)))
		assert.Len(t, got, 3)

		seen := make(map[int]bool)
		for _, id := range got {
			assert.False(t, seen[id], "placement must be distinct")
			seen[id] = true
		}
	}
}

func TestGetNodesForKeyAllNodesInsertionOrder(t *testing.T) {
	nodes := makeNodes(t, 3)
	r := NewRing(nodes, 3)

	// Fan-out covers every physical node: insertion order, not ring
	// order.
	assert.Equal(t, []int{0, 1, 2}, ids(r.GetNodesForKey("anything")))
	assert.Equal(t, []int{0, 1, 2}, ids(r.GetNodesForKey("anything else")))
}

func TestGetNodeBelongsToPlacement(t *testing.T) {
	nodes := makeNodes(t, 5)
	r := NewRing(nodes, 2)

	for i := 0; i < 50; i++ {
		key := fmt.Sprintf("key-%d", i)
		primary := r.GetNode(key)
		require.NotNil(t, primary)
		assert.Contains(t, ids(r.GetNodesForKey(key)), primary.ID)
	}
}

func TestGetNextNodeSkipsDeadAndExcluded(t *testing.T) {
	nodes := makeNodes(t, 3)
	r := NewRing(nodes, 1)

	key := findKey(t, func(k string) bool { return r.GetNode(k).ID == 0 })

	next := r.GetNextNode(key, 0)
	require.NotNil(t, next)
	assert.NotEqual(t, 0, next.ID)

	nodes[1].Fail()
	nodes[2].Fail()
	assert.Nil(t, r.GetNextNode(key, 0), "no alive candidate remains")

	// Without the exclusion node 0 itself qualifies again.
	got := r.GetNextNode(key, -1)
	require.NotNil(t, got)
	assert.Equal(t, 0, got.ID)
}

func TestRedistributeKeysHandsOffToSuccessor(t *testing.T) {
	nodes := makeNodes(t, 3)
	r := NewRing(nodes, 1)

	key := findKey(t, func(k string) bool { return r.GetNode(k).ID == 2 })
	owner := nodes[2]
	require.NoError(t, owner.Write(key, "A"))

	owner.Fail()
	require.NoError(t, r.RedistributeKeys(owner))

	succ := r.GetNextNode("2:0", 2)
	require.NotNil(t, succ)

	exists, err := succ.KeyExists(key)
	require.NoError(t, err)
	assert.True(t, exists, "successor must hold the displaced key")

	h, ok := r.HandoffFor(key)
	require.True(t, ok)
	assert.Equal(t, succ.ID, h.NodeID)
	assert.Equal(t, "A", h.Value)
}

func TestRedistributeSkipsKeysSuccessorHolds(t *testing.T) {
	nodes := makeNodes(t, 3)
	r := NewRing(nodes, 1)

	key := findKey(t, func(k string) bool { return r.GetNode(k).ID == 2 })
	owner := nodes[2]
	require.NoError(t, owner.Write(key, "A"))

	owner.Fail()
	succ := r.GetNextNode("2:0", 2)
	require.NotNil(t, succ)
	require.NoError(t, succ.Write(key, "existing"))

	require.NoError(t, r.RedistributeKeys(owner))

	_, ok := r.HandoffFor(key)
	assert.False(t, ok, "keys the successor already holds are not recorded")

	value, found, err := succ.Read(key)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "existing", value, "successor's copy is never overwritten")
}

func TestRedistributeWithoutAliveSuccessor(t *testing.T) {
	nodes := makeNodes(t, 2)
	r := NewRing(nodes, 1)

	require.NoError(t, nodes[0].Write("k", "v"))
	nodes[0].Fail()
	nodes[1].Fail()

	require.NoError(t, r.RedistributeKeys(nodes[0]))
	assert.Equal(t, 0, r.HandoffCount())
}

func TestRecoverNodeRestitution(t *testing.T) {
	nodes := makeNodes(t, 3)
	r := NewRing(nodes, 1)

	key := findKey(t, func(k string) bool { return r.GetNode(k).ID == 2 })
	owner := nodes[2]
	require.NoError(t, owner.Write(key, "A"))

	owner.Fail()
	require.NoError(t, r.RedistributeKeys(owner))
	succ := r.GetNextNode("2:0", 2)
	require.NotNil(t, succ)

	require.NoError(t, owner.Recover(nil, false))
	require.NoError(t, r.RecoverNode(owner))

	// With fan-out 1 the custodian is never a natural replica, so its
	// stand-in copy is removed and the owner gets the key back.
	exists, err := succ.KeyExists(key)
	require.NoError(t, err)
	assert.False(t, exists)

	value, found, err := owner.Read(key)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "A", value)

	assert.Equal(t, 0, r.HandoffCount())
}

func TestRecoverNodeKeepsNaturalReplicaCopy(t *testing.T) {
	nodes := makeNodes(t, 3)
	r := NewRing(nodes, 2)

	// A key whose primary is node 2 and whose successor at failure
	// time is also one of its two natural replicas.
	key := findKey(t, func(k string) bool {
		if r.GetNode(k).ID != 2 {
			return false
		}
		succ := r.GetNextNode("2:0", 2)
		for _, n := range r.GetNodesForKey(k) {
			if n.ID == succ.ID {
				return true
			}
		}
		return false
	})

	owner := nodes[2]
	require.NoError(t, owner.Write(key, "A"))

	owner.Fail()
	require.NoError(t, r.RedistributeKeys(owner))
	succ := r.GetNextNode("2:0", 2)
	require.NotNil(t, succ)

	require.NoError(t, owner.Recover(nil, false))
	require.NoError(t, r.RecoverNode(owner))

	// The custodian is a legitimate replica of the key: its copy
	// stays, the owner gets the key back, and the handoff is drained.
	exists, err := succ.KeyExists(key)
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = owner.KeyExists(key)
	require.NoError(t, err)
	assert.True(t, exists)

	assert.Equal(t, 0, r.HandoffCount())
}

func TestRecoverNodeIgnoresOwnHandoffs(t *testing.T) {
	nodes := makeNodes(t, 3)
	r := NewRing(nodes, 1)

	// A handoff recorded against the revived node itself stays put.
	r.handoffs["k"] = Handoff{NodeID: 1, Value: "v"}
	require.NoError(t, r.RecoverNode(nodes[1]))

	_, ok := r.HandoffFor("k")
	assert.True(t, ok)
}
