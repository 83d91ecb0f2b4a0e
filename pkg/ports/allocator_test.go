package ports

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sashimono/agent/pkg/types"
)

// fakeStore is the minimal storage.Store the allocator exercises
type fakeStore struct {
	vacant []types.PortPair
	max    types.PortPair
}

func (f *fakeStore) InsertInstance(*types.Instance) error { return nil }
func (f *fakeStore) GetInstance(string) (*types.Instance, bool, error) {
	return nil, false, nil
}
func (f *fakeStore) UpdateStatus(string, types.InstanceStatus) error { return nil }
func (f *fakeStore) ListInstances() ([]*types.Instance, error)       { return nil, nil }
func (f *fakeStore) MaxPorts() (types.PortPair, error)               { return f.max, nil }
func (f *fakeStore) VacantPorts() ([]types.PortPair, error)          { return f.vacant, nil }
func (f *fakeStore) AllocatedCount() (int64, error)                  { return 0, nil }
func (f *fakeStore) RunningInstances() ([]types.RunningInstance, error) {
	return nil, nil
}
func (f *fakeStore) Close() error { return nil }

// TestAllocateFromEmptyStore verifies the init ports seed the counter branch
func TestAllocateFromEmptyStore(t *testing.T) {
	a, err := NewAllocator(&fakeStore{}, 22861, 26201)
	require.NoError(t, err)

	pair, fromVacant, err := a.Allocate()
	require.NoError(t, err)
	assert.False(t, fromVacant)
	assert.Equal(t, types.PortPair{Peer: 22861, User: 26201}, pair)
}

// TestAllocatePrefersVacant verifies vacant pairs are reused LIFO before the
// counter branch is touched
func TestAllocatePrefersVacant(t *testing.T) {
	store := &fakeStore{
		vacant: []types.PortPair{
			{Peer: 22861, User: 26201},
			{Peer: 22863, User: 26203},
		},
		max: types.PortPair{Peer: 22865, User: 26205},
	}
	a, err := NewAllocator(store, 22861, 26201)
	require.NoError(t, err)

	pair, fromVacant, err := a.Allocate()
	require.NoError(t, err)
	assert.True(t, fromVacant)
	assert.Equal(t, types.PortPair{Peer: 22863, User: 26203}, pair)

	pair, fromVacant, err = a.Allocate()
	require.NoError(t, err)
	assert.True(t, fromVacant)
	assert.Equal(t, types.PortPair{Peer: 22861, User: 26201}, pair)

	// Vacant stack exhausted: next pair comes from MaxPorts + 1
	pair, fromVacant, err = a.Allocate()
	require.NoError(t, err)
	assert.False(t, fromVacant)
	assert.Equal(t, types.PortPair{Peer: 22866, User: 26206}, pair)
}

// TestAllocateCounterAdvancesAfterCommit verifies committed counter pairs
// advance without re-querying the store
func TestAllocateCounterAdvancesAfterCommit(t *testing.T) {
	store := &fakeStore{max: types.PortPair{Peer: 22870, User: 26210}}
	a, err := NewAllocator(store, 22861, 26201)
	require.NoError(t, err)

	pair, fromVacant, err := a.Allocate()
	require.NoError(t, err)
	assert.False(t, fromVacant)
	assert.Equal(t, types.PortPair{Peer: 22871, User: 26211}, pair)
	a.Commit(pair)

	// Change the store's answer; the counter must not consult it again
	store.max = types.PortPair{Peer: 1, User: 1}

	pair, fromVacant, err = a.Allocate()
	require.NoError(t, err)
	assert.False(t, fromVacant)
	assert.Equal(t, types.PortPair{Peer: 22872, User: 26212}, pair)
}

// TestAllocateRefreshesAfterVacantUse verifies the counter re-reads MaxPorts
// once the vacant stack has been used
func TestAllocateRefreshesAfterVacantUse(t *testing.T) {
	store := &fakeStore{
		vacant: []types.PortPair{{Peer: 22861, User: 26201}},
		max:    types.PortPair{Peer: 22880, User: 26220},
	}
	a, err := NewAllocator(store, 22861, 26201)
	require.NoError(t, err)

	_, fromVacant, err := a.Allocate()
	require.NoError(t, err)
	require.True(t, fromVacant)

	pair, fromVacant, err := a.Allocate()
	require.NoError(t, err)
	assert.False(t, fromVacant)
	assert.Equal(t, types.PortPair{Peer: 22881, User: 26221}, pair)
}

// TestReleaseAndReuse verifies a released pair is the next one handed out
func TestReleaseAndReuse(t *testing.T) {
	a, err := NewAllocator(&fakeStore{}, 22861, 26201)
	require.NoError(t, err)

	released := types.PortPair{Peer: 22862, User: 26202}
	a.Release(released)
	a.Release(released) // duplicate release is ignored

	pair, fromVacant, err := a.Allocate()
	require.NoError(t, err)
	assert.True(t, fromVacant)
	assert.Equal(t, released, pair)

	pair, fromVacant, err = a.Allocate()
	require.NoError(t, err)
	assert.False(t, fromVacant)
	assert.NotEqual(t, released, pair)
}
