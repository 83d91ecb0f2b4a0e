package ports

import (
	"fmt"
	"sync"

	"github.com/sashimono/agent/pkg/storage"
	"github.com/sashimono/agent/pkg/types"
)

// Allocator hands out (peer_port, user_port) pairs for new instances and
// reclaims pairs released by destroyed ones. Vacant pairs are reused LIFO so
// the port range stays dense on long-lived hosts; when none are vacant the
// counter branch guarantees monotonic novelty.
type Allocator struct {
	mu sync.Mutex

	store        storage.Store
	initPeerPort uint16
	initUserPort uint16

	lastAssigned types.PortPair
	vacant       []types.PortPair

	// lastFromVacant forces a fresh MaxPorts query before the next counter
	// increment; set whenever an allocation came off the vacant stack.
	lastFromVacant bool
}

// NewAllocator builds an allocator seeded from the store's vacant pairs
func NewAllocator(store storage.Store, initPeerPort, initUserPort uint16) (*Allocator, error) {
	vacant, err := store.VacantPorts()
	if err != nil {
		return nil, fmt.Errorf("failed to load vacant ports: %w", err)
	}

	return &Allocator{
		store:          store,
		initPeerPort:   initPeerPort,
		initUserPort:   initUserPort,
		vacant:         vacant,
		lastFromVacant: true,
	}, nil
}

// Allocate picks the next port pair. Pairs from the vacant stack are final;
// pairs from the counter branch must be confirmed with Commit once the
// instance row is persisted.
func (a *Allocator) Allocate() (types.PortPair, bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if n := len(a.vacant); n > 0 {
		pair := a.vacant[n-1]
		a.vacant = a.vacant[:n-1]
		a.lastFromVacant = true
		return pair, true, nil
	}

	if a.lastFromVacant {
		max, err := a.store.MaxPorts()
		if err != nil {
			return types.PortPair{}, false, err
		}
		if max.IsZero() {
			max = types.PortPair{Peer: a.initPeerPort - 1, User: a.initUserPort - 1}
		}
		a.lastAssigned = max
		a.lastFromVacant = false
	}

	return types.PortPair{Peer: a.lastAssigned.Peer + 1, User: a.lastAssigned.User + 1}, false, nil
}

// Commit records a counter-branch pair as assigned. Called only after the
// instance row made it into the store.
func (a *Allocator) Commit(pair types.PortPair) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.lastFromVacant {
		a.lastAssigned = pair
	}
}

// Release returns a pair to the vacant stack after a destroy. Duplicate
// releases are ignored.
func (a *Allocator) Release(pair types.PortPair) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, p := range a.vacant {
		if p == pair {
			return
		}
	}
	a.vacant = append(a.vacant, pair)
}
