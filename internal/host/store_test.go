package host

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/meshguard/policy-engine/internal/engine"
)

func TestStoreSwapReplacesSnapshotAtomically(t *testing.T) {
	idx1 := engine.NewActionSetIndex(nil)
	idx2 := engine.NewActionSetIndex(nil)

	store := NewStore(&Snapshot{Index: idx1})
	services, idx := store.Current()
	assert.Nil(t, services)
	assert.Same(t, idx1, idx)

	store.Swap(&Snapshot{Index: idx2})
	_, idx = store.Current()
	assert.Same(t, idx2, idx)
}

func TestStoreCurrentOnNilSnapshotReturnsNil(t *testing.T) {
	store := &Store{}
	services, idx := store.Current()
	assert.Nil(t, services)
	assert.Nil(t, idx)
}
