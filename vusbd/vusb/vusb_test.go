package vusb_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/canonical/vusbd/vusbd/vusb"
	"github.com/canonical/vusbd/vusbd/xenstore"
)

// fakeDriver records claim/release calls.
type fakeDriver struct {
	claimed    [][2]uint16
	released   [][2]uint16
	claimErr   error
	releaseErr error
}

func (d *fakeDriver) Claim(vendor uint16, product uint16) error {
	if d.claimErr != nil {
		return d.claimErr
	}

	d.claimed = append(d.claimed, [2]uint16{vendor, product})
	return nil
}

func (d *fakeDriver) Release(vendor uint16, product uint16) error {
	if d.releaseErr != nil {
		return d.releaseErr
	}

	d.released = append(d.released, [2]uint16{vendor, product})
	return nil
}

func TestVirtID(t *testing.T) {
	assert.Equal(t, 0x1003, vusb.VirtID(1, 3))
	assert.Equal(t, 0x2FFF, vusb.VirtID(2, 0xFFF))
}

// connectGuest simulates the two driver halves marking themselves connected.
func connectGuest(store *xenstore.MemoryStore, domid int, virtid int) {
	_ = store.Write(fmt.Sprintf("/local/domain/0/backend/vusb/%d/%d/state", domid, virtid), "4")
	_ = store.Write(fmt.Sprintf("/local/domain/%d/device/vusb/%d/state", domid, virtid), "4")
}

func TestPlug(t *testing.T) {
	store := xenstore.NewMemoryStore()
	driver := &fakeDriver{}
	e := vusb.NewEngine(store, driver)
	e.SetWaitTimeout(100 * time.Millisecond)

	virtid := vusb.VirtID(1, 3)
	connectGuest(store, 5, virtid)

	err := e.Plug(5, 1, 3, 0x046D, 0xC534)
	require.NoError(t, err)

	// Frontend tree.
	fepath := fmt.Sprintf("/local/domain/5/device/vusb/%d", virtid)
	v, err := store.Read(fepath + "/backend-id")
	require.NoError(t, err)
	assert.Equal(t, "0", v)

	v, err = store.Read(fepath + "/virtual-device")
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprintf("%d", virtid), v)

	// Backend tree.
	bepath := fmt.Sprintf("/local/domain/0/backend/vusb/5/%d", virtid)
	v, err = store.Read(bepath + "/physical-device")
	require.NoError(t, err)
	assert.Equal(t, "1.3", v)

	v, err = store.Read(bepath + "/online")
	require.NoError(t, err)
	assert.Equal(t, "1", v)

	v, err = store.Read(bepath + "/frontend")
	require.NoError(t, err)
	assert.Equal(t, fepath, v)

	// The driver claimed the device.
	assert.Equal(t, [][2]uint16{{0x046D, 0xC534}}, driver.claimed)
}

func TestPlugRetriesOnTransactionConflict(t *testing.T) {
	store := xenstore.NewMemoryStore()
	store.ConflictNext = true

	driver := &fakeDriver{}
	e := vusb.NewEngine(store, driver)
	e.SetWaitTimeout(100 * time.Millisecond)

	virtid := vusb.VirtID(1, 3)
	connectGuest(store, 5, virtid)

	err := e.Plug(5, 1, 3, 0x046D, 0xC534)
	require.NoError(t, err)

	_, err = store.Read(fmt.Sprintf("/local/domain/0/backend/vusb/5/%d/state", virtid))
	require.NoError(t, err)
}

func TestPlugConnectTimeoutIsNonFatal(t *testing.T) {
	store := xenstore.NewMemoryStore()
	driver := &fakeDriver{}
	e := vusb.NewEngine(store, driver)
	e.SetWaitTimeout(50 * time.Millisecond)

	// The guest never connects; the plug still succeeds.
	err := e.Plug(5, 1, 3, 0x046D, 0xC534)
	require.NoError(t, err)
	assert.Len(t, driver.claimed, 1)
}

func TestPlugClaimFailureTearsDown(t *testing.T) {
	store := xenstore.NewMemoryStore()
	driver := &fakeDriver{claimErr: fmt.Errorf("no such driver")}
	e := vusb.NewEngine(store, driver)
	e.SetWaitTimeout(50 * time.Millisecond)

	virtid := vusb.VirtID(1, 3)
	connectGuest(store, 5, virtid)

	err := e.Plug(5, 1, 3, 0x046D, 0xC534)
	require.Error(t, err)

	// Both trees were removed again.
	_, err = store.Read(fmt.Sprintf("/local/domain/0/backend/vusb/5/%d/online", virtid))
	assert.ErrorIs(t, err, xenstore.ErrNotFound)

	_, err = store.Read(fmt.Sprintf("/local/domain/5/device/vusb/%d/backend", virtid))
	assert.ErrorIs(t, err, xenstore.ErrNotFound)
}

func TestPlugRejectsBadDeviceNumber(t *testing.T) {
	e := vusb.NewEngine(xenstore.NewMemoryStore(), &fakeDriver{})

	err := e.Plug(5, 1, 0x1000, 0x046D, 0xC534)
	assert.Error(t, err)
}

func TestUnplug(t *testing.T) {
	store := xenstore.NewMemoryStore()
	driver := &fakeDriver{}
	e := vusb.NewEngine(store, driver)
	e.SetWaitTimeout(time.Second)

	virtid := vusb.VirtID(1, 3)
	connectGuest(store, 5, virtid)

	require.NoError(t, e.Plug(5, 1, 3, 0x046D, 0xC534))

	bepath := fmt.Sprintf("/local/domain/0/backend/vusb/5/%d", virtid)
	fepath := fmt.Sprintf("/local/domain/5/device/vusb/%d", virtid)

	// Close the guest halves once the backend signals closing.
	go func() {
		for {
			v, err := store.Read(bepath + "/state")
			if err == nil && v == "5" {
				_ = store.Write(bepath+"/state", "6")
				_ = store.Write(fepath+"/state", "6")
				return
			}

			time.Sleep(5 * time.Millisecond)
		}
	}()

	err := e.Unplug(5, 1, 3, 0x046D, 0xC534)
	require.NoError(t, err)

	assert.Equal(t, [][2]uint16{{0x046D, 0xC534}}, driver.released)

	_, err = store.Read(bepath + "/state")
	assert.ErrorIs(t, err, xenstore.ErrNotFound)

	_, err = store.Read(fepath + "/state")
	assert.ErrorIs(t, err, xenstore.ErrNotFound)
}

func TestUnplugBackendVanished(t *testing.T) {
	store := xenstore.NewMemoryStore()
	driver := &fakeDriver{}
	e := vusb.NewEngine(store, driver)
	e.SetWaitTimeout(time.Second)

	virtid := vusb.VirtID(1, 3)
	connectGuest(store, 5, virtid)
	require.NoError(t, e.Plug(5, 1, 3, 0x046D, 0xC534))

	bepath := fmt.Sprintf("/local/domain/0/backend/vusb/5/%d", virtid)

	// The toolstack rips the backend tree out mid-wait (guest shutdown).
	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = store.Remove(bepath)
	}()

	err := e.Unplug(5, 1, 3, 0x046D, 0xC534)
	require.NoError(t, err)
}

func TestUnplugTimeoutStillCleans(t *testing.T) {
	store := xenstore.NewMemoryStore()
	driver := &fakeDriver{}
	e := vusb.NewEngine(store, driver)
	e.SetWaitTimeout(30 * time.Millisecond)

	virtid := vusb.VirtID(1, 3)
	connectGuest(store, 5, virtid)
	require.NoError(t, e.Plug(5, 1, 3, 0x046D, 0xC534))

	// Nobody ever moves to closed: the wait times out, removal happens
	// regardless and the timeout is surfaced.
	err := e.Unplug(5, 1, 3, 0x046D, 0xC534)
	require.Error(t, err)

	_, err = store.Read(fmt.Sprintf("/local/domain/0/backend/vusb/5/%d/state", virtid))
	assert.ErrorIs(t, err, xenstore.ErrNotFound)

	_, err = store.Read(fmt.Sprintf("/local/domain/5/device/vusb/%d/state", virtid))
	assert.ErrorIs(t, err, xenstore.ErrNotFound)
}

func TestActiveDevices(t *testing.T) {
	store := xenstore.NewMemoryStore()
	e := vusb.NewEngine(store, &fakeDriver{})

	_ = store.Write("/local/domain/0/backend/vusb/5/4099/online", "1")
	_ = store.Write("/local/domain/0/backend/vusb/5/4100/online", "0")
	_ = store.Write("/local/domain/0/backend/vusb/5/8200/online", "1")

	active := e.ActiveDevices(5)
	assert.Equal(t, [][2]int{{1, 3}, {2, 8}}, active)

	assert.Nil(t, e.ActiveDevices(9))
}
