package xenstore_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/canonical/vusbd/vusbd/xenstore"
)

func TestMemoryStoreReadWrite(t *testing.T) {
	s := xenstore.NewMemoryStore()

	_, err := s.Read("/local/domain/5/device")
	assert.ErrorIs(t, err, xenstore.ErrNotFound)

	require.NoError(t, s.Write("/local/domain/5/device/vusb/4099/state", "1"))

	v, err := s.Read("/local/domain/5/device/vusb/4099/state")
	require.NoError(t, err)
	assert.Equal(t, "1", v)
}

func TestMemoryStoreList(t *testing.T) {
	s := xenstore.NewMemoryStore()

	require.NoError(t, s.Write("/backend/vusb/5/4099/state", "4"))
	require.NoError(t, s.Write("/backend/vusb/5/4100/state", "4"))
	require.NoError(t, s.Write("/backend/vusb/5/4100/online", "1"))

	names, err := s.List("/backend/vusb/5")
	require.NoError(t, err)
	assert.Equal(t, []string{"4099", "4100"}, names)

	_, err = s.List("/backend/vusb/7")
	assert.ErrorIs(t, err, xenstore.ErrNotFound)
}

func TestMemoryStoreRemoveSubtree(t *testing.T) {
	s := xenstore.NewMemoryStore()

	require.NoError(t, s.Write("/backend/vusb/5/4099/state", "4"))
	require.NoError(t, s.Write("/backend/vusb/5/4099/online", "1"))

	require.NoError(t, s.Remove("/backend/vusb/5/4099"))

	_, err := s.Read("/backend/vusb/5/4099/state")
	assert.ErrorIs(t, err, xenstore.ErrNotFound)
}

func TestMemoryStoreWatch(t *testing.T) {
	s := xenstore.NewMemoryStore()

	require.NoError(t, s.Watch("/backend/vusb/5/4099/state", "be"))

	// Registration fires a synthetic event.
	ev := <-s.WatchEvents()
	assert.Equal(t, "be", ev.Token)

	require.NoError(t, s.Write("/backend/vusb/5/4099/state", "4"))

	ev = <-s.WatchEvents()
	assert.Equal(t, "/backend/vusb/5/4099/state", ev.Path)
	assert.Equal(t, "be", ev.Token)

	require.NoError(t, s.Unwatch("/backend/vusb/5/4099/state", "be"))
	require.NoError(t, s.Write("/backend/vusb/5/4099/state", "6"))

	select {
	case ev := <-s.WatchEvents():
		t.Fatalf("Unexpected event after unwatch: %+v", ev)
	default:
	}
}

func TestMemoryStoreTransaction(t *testing.T) {
	s := xenstore.NewMemoryStore()

	require.NoError(t, s.TransactionStart())
	require.NoError(t, s.Write("/a/b", "1"))

	// Uncommitted writes are visible inside the transaction only.
	v, err := s.Read("/a/b")
	require.NoError(t, err)
	assert.Equal(t, "1", v)

	require.NoError(t, s.TransactionEnd(true))

	v, err = s.Read("/a/b")
	require.NoError(t, err)
	assert.Equal(t, "1", v)

	// Aborted transactions leave no trace.
	require.NoError(t, s.TransactionStart())
	require.NoError(t, s.Write("/a/c", "2"))
	require.NoError(t, s.TransactionEnd(false))

	_, err = s.Read("/a/c")
	assert.ErrorIs(t, err, xenstore.ErrNotFound)
}

func TestMemoryStoreTransactionConflict(t *testing.T) {
	s := xenstore.NewMemoryStore()
	s.ConflictNext = true

	require.NoError(t, s.TransactionStart())
	require.NoError(t, s.Write("/a/b", "1"))

	err := s.TransactionEnd(true)
	assert.ErrorIs(t, err, xenstore.ErrAgain)

	// The conflicted commit must not have applied.
	_, err = s.Read("/a/b")
	assert.ErrorIs(t, err, xenstore.ErrNotFound)

	// The retry goes through.
	require.NoError(t, s.TransactionStart())
	require.NoError(t, s.Write("/a/b", "1"))
	require.NoError(t, s.TransactionEnd(true))

	v, err := s.Read("/a/b")
	require.NoError(t, err)
	assert.Equal(t, "1", v)
}
