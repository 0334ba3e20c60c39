package idgen

import (
	"sync"
	"sync/atomic"

	"github.com/bwmarrin/snowflake"
)

var (
	mu   sync.Mutex
	node atomic.Pointer[snowflake.Node]
)

// Initialize sets up the ID generator with this replica's node id. The first
// successful call wins; later calls are no-ops. A failed call does not
// consume the slot, so a bad node id can be corrected and retried.
func Initialize(nodeID int64) error {
	mu.Lock()
	defer mu.Unlock()

	if node.Load() != nil {
		return nil
	}
	n, err := snowflake.NewNode(nodeID)
	if err != nil {
		return err
	}
	node.Store(n)
	return nil
}

// GenerateID mints a new snowflake ID as a string. Account, identity, and
// security-event rows all take their primary keys from here, including from
// concurrent sweep workers, so the uninitialized fallback must be safe to
// race.
func GenerateID() string {
	n := node.Load()
	if n == nil {
		// Single-replica and test use never call Initialize; default the
		// node id rather than fail the write path.
		_ = Initialize(1)
		n = node.Load()
	}
	return n.Generate().String()
}
