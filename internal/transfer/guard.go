package transfer

import (
	"fmt"
	"sync"

	"github.com/tonimelisma/vaultsync/internal/asset"
)

// Guard key kinds. Every lifecycle operation on one asset (upload, restore,
// download, purge, forget) shares KindAsset so they exclude each other.
const (
	KindAsset     = "asset"
	KindMigration = "migration"
)

// Key names one guarded resource.
type Key struct {
	Kind      string
	Partition int
	ItemID    int64
}

// AssetKey is the key serializing work on one asset.
func AssetKey(ref asset.Ref) Key {
	return Key{Kind: KindAsset, Partition: ref.Partition, ItemID: ref.ID}
}

// String renders "{kind}:{partition}@{itemId}".
func (k Key) String() string {
	return fmt.Sprintf("%s:%d@%d", k.Kind, k.Partition, k.ItemID)
}

// Guard is a set of resource keys currently owned by a worker. Membership
// means "someone is working on this right now". One Guard is shared by every
// worker in the process and passed to them explicitly.
type Guard struct {
	mu     sync.Mutex
	active map[string]struct{}
}

// NewGuard returns an empty guard.
func NewGuard() *Guard {
	return &Guard{active: make(map[string]struct{})}
}

// TryAcquire inserts key and reports true, or reports false without side
// effects if key is already held.
func (g *Guard) TryAcquire(key Key) bool {
	k := key.String()

	g.mu.Lock()
	defer g.mu.Unlock()

	if _, held := g.active[k]; held {
		return false
	}

	g.active[k] = struct{}{}

	return true
}

// Release removes key. Releasing a key that is not held is a no-op.
func (g *Guard) Release(key Key) {
	g.mu.Lock()
	defer g.mu.Unlock()

	delete(g.active, key.String())
}

// Held reports whether key is currently owned.
func (g *Guard) Held(key Key) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	_, held := g.active[key.String()]

	return held
}

// Len returns the number of held keys.
func (g *Guard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	return len(g.active)
}
