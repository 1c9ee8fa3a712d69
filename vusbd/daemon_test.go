package main

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/canonical/vusbd/shared/api"
	"github.com/canonical/vusbd/vusbd/device"
	"github.com/canonical/vusbd/vusbd/policy"
	"github.com/canonical/vusbd/vusbd/settings"
	"github.com/canonical/vusbd/vusbd/vm"
	"github.com/canonical/vusbd/vusbd/vusb"
	"github.com/canonical/vusbd/vusbd/xenstore"
)

const testUUID = "b6a3a358-b354-4b12-a3bf-85637e8d1f27"

type nullDriver struct{}

func (nullDriver) Claim(vendor uint16, product uint16) error   { return nil }
func (nullDriver) Release(vendor uint16, product uint16) error { return nil }

// testDaemon builds a daemon around in-memory collaborators, without the
// dispatcher loop: tests drive the internals directly.
func testDaemon(t *testing.T) (*Daemon, *xenstore.MemoryStore) {
	t.Helper()

	store := xenstore.NewMemoryStore()

	d := newDaemon(&Config{}, false)
	d.store = store
	d.settings = settings.NewMemoryStore()
	d.attach = vusb.NewEngine(store, nullDriver{})
	d.attach.SetWaitTimeout(20 * time.Millisecond)
	d.policy = policy.NewEngine(d.settings, d.devices, d.vms, func(v *vm.VM, dev *device.Device) error {
		return d.attach.Plug(v.DomID, dev.BusNumber, dev.DeviceNumber, dev.VendorID, dev.ProductID)
	})

	require.NoError(t, d.policy.Load())

	_, err := d.vms.Add(vm.Dom0DomID, vm.Dom0UUID)
	require.NoError(t, err)

	return d, store
}

func addTestDevice(t *testing.T, d *Daemon, bus int, devnum int, vendor uint16, product uint16) *device.Device {
	t.Helper()

	dev := &device.Device{
		BusNumber:     bus,
		DeviceNumber:  devnum,
		VendorID:      vendor,
		ProductID:     product,
		ShortName:     "Test device",
		LongName:      "Test vendor",
		AssignedDomID: device.UnassignedDomID,
	}

	require.NoError(t, d.devices.Add(dev))
	return dev
}

func TestAssignDevice(t *testing.T) {
	d, store := testDaemon(t)

	v, err := d.vms.Add(5, testUUID)
	require.NoError(t, err)

	dev := addTestDevice(t, d, 1, 3, 0x046D, 0xC534)

	// Policy must allow the pairing.
	d.policy.AddRule(&policy.Rule{Pos: 10, Cmd: policy.CommandAllow, VMUUID: testUUID})

	resp := d.assignDevice(dev.ID(), testUUID)
	assert.Equal(t, "success", resp.String())
	assert.Equal(t, v.DomID, dev.AssignedDomID)

	// The store trees exist.
	_, err = store.Read(fmt.Sprintf("/local/domain/0/backend/vusb/5/%d/online", vusb.VirtID(1, 3)))
	require.NoError(t, err)

	// Double assignment is refused.
	resp = d.assignDevice(dev.ID(), testUUID)
	assert.NotEqual(t, "success", resp.String())
}

func TestAssignDeviceDenied(t *testing.T) {
	d, store := testDaemon(t)

	_, err := d.vms.Add(5, testUUID)
	require.NoError(t, err)

	dev := addTestDevice(t, d, 1, 3, 0x1234, 0x5678)

	// Deny at 10 wins over allow at 20.
	d.policy.AddRule(&policy.Rule{Pos: 10, Cmd: policy.CommandDeny, DeviceVendorID: 0x1234})
	d.policy.AddRule(&policy.Rule{Pos: 20, Cmd: policy.CommandAllow, DeviceVendorID: 0x1234, VMUUID: testUUID})

	resp := d.assignDevice(dev.ID(), testUUID)
	assert.NotEqual(t, "success", resp.String())
	assert.False(t, dev.Assigned())

	// No store residue.
	_, err = store.Read(fmt.Sprintf("/local/domain/0/backend/vusb/5/%d/online", vusb.VirtID(1, 3)))
	assert.ErrorIs(t, err, xenstore.ErrNotFound)
}

func TestAssignDeviceStickyElsewhere(t *testing.T) {
	d, _ := testDaemon(t)

	_, err := d.vms.Add(5, testUUID)
	require.NoError(t, err)

	dev := addTestDevice(t, d, 1, 3, 0x046D, 0xC534)

	// The device is always-assigned to another VM.
	d.policy.AddRule(&policy.Rule{Pos: 10, Cmd: policy.CommandAlways, DeviceVendorID: 0x046D, VMUUID: vm.UIVMUUID})

	resp := d.assignDevice(dev.ID(), testUUID)
	assert.NotEqual(t, "success", resp.String())
	assert.False(t, dev.Assigned())
}

func TestAssignDeviceUnknownVM(t *testing.T) {
	d, _ := testDaemon(t)

	dev := addTestDevice(t, d, 1, 3, 0x046D, 0xC534)

	resp := d.assignDevice(dev.ID(), testUUID)
	assert.NotEqual(t, "success", resp.String())
	assert.False(t, dev.Assigned())
}

func TestUnassignDevice(t *testing.T) {
	d, _ := testDaemon(t)

	_, err := d.vms.Add(5, testUUID)
	require.NoError(t, err)

	dev := addTestDevice(t, d, 1, 3, 0x046D, 0xC534)
	d.policy.AddRule(&policy.Rule{Pos: 10, Cmd: policy.CommandAllow, VMUUID: testUUID})

	resp := d.assignDevice(dev.ID(), testUUID)
	require.Equal(t, "success", resp.String())

	resp = d.unassignDevice(dev.ID())
	assert.Equal(t, "success", resp.String())
	assert.False(t, dev.Assigned())

	// Unassigning an unassigned device fails.
	resp = d.unassignDevice(dev.ID())
	assert.NotEqual(t, "success", resp.String())
}

func TestDeviceRemovedWhileBound(t *testing.T) {
	d, store := testDaemon(t)

	_, err := d.vms.Add(7, testUUID)
	require.NoError(t, err)

	dev := addTestDevice(t, d, 1, 3, 0x046D, 0xC534)
	d.policy.AddRule(&policy.Rule{Pos: 10, Cmd: policy.CommandAllow, VMUUID: testUUID})

	resp := d.assignDevice(dev.ID(), testUUID)
	require.Equal(t, "success", resp.String())

	bepath := fmt.Sprintf("/local/domain/0/backend/vusb/7/%d", vusb.VirtID(1, 3))

	// The toolstack tears the backend down while the daemon waits.
	go func() {
		time.Sleep(5 * time.Millisecond)
		_ = store.Remove(bepath)
	}()

	d.deviceRemoved(device.HotplugEvent{Action: "remove", Devnode: "/dev/bus/usb/001/003"})

	assert.Nil(t, d.devices.LookupByBusDev(1, 3))

	_, err = store.Read(bepath + "/state")
	assert.ErrorIs(t, err, xenstore.ErrNotFound)
}

func TestDeviceState(t *testing.T) {
	d, _ := testDaemon(t)

	v, err := d.vms.Add(5, testUUID)
	require.NoError(t, err)

	dev := addTestDevice(t, d, 1, 3, 0x046D, 0xC534)

	// Unassigned, no sticky rule.
	assert.Equal(t, api.DeviceStateUnused, d.deviceState(dev, testUUID))

	// Unassigned optical.
	dev.Type |= device.TypeOptical
	assert.Equal(t, api.DeviceStateCdDom0, d.deviceState(dev, testUUID))
	dev.Type = 0

	// Sticky for the caller.
	d.policy.AddRule(&policy.Rule{Pos: 10, Cmd: policy.CommandAlways, DeviceVendorID: 0x046D, VMUUID: testUUID})
	assert.Equal(t, api.DeviceStateAlwaysOnlyThis, d.deviceState(dev, testUUID))

	// Sticky for someone else.
	assert.Equal(t, api.DeviceStateAssigned, d.deviceState(dev, vm.UIVMUUID))

	// Sticky optical.
	dev.Type |= device.TypeOptical
	assert.Equal(t, api.DeviceStateCdAlways, d.deviceState(dev, testUUID))
	dev.Type = 0

	// Bound to the caller with a matching sticky rule.
	dev.AssignedDomID = v.DomID
	assert.Equal(t, api.DeviceStateThisAlways, d.deviceState(dev, testUUID))

	// Bound to the caller without one.
	require.NoError(t, d.policy.RemoveRule(10))
	assert.Equal(t, api.DeviceStateThis, d.deviceState(dev, testUUID))

	// Bound to someone else.
	assert.Equal(t, api.DeviceStateInUse, d.deviceState(dev, vm.UIVMUUID))
}

func TestDevnodeToAddress(t *testing.T) {
	bus, dev, err := devnodeToAddress("/dev/bus/usb/001/003")
	require.NoError(t, err)
	assert.Equal(t, 1, bus)
	assert.Equal(t, 3, dev)

	_, _, err = devnodeToAddress("/dev/null")
	assert.Error(t, err)

	_, _, err = devnodeToAddress("")
	assert.Error(t, err)
}

func TestUnplugAllOnVMStop(t *testing.T) {
	d, store := testDaemon(t)

	v, err := d.vms.Add(5, testUUID)
	require.NoError(t, err)

	a := addTestDevice(t, d, 1, 3, 0x046D, 0xC534)
	b := addTestDevice(t, d, 1, 4, 0x0BDA, 0x8153)

	d.policy.AddRule(&policy.Rule{Pos: 10, Cmd: policy.CommandAllow, VMUUID: testUUID})

	require.Equal(t, "success", d.assignDevice(a.ID(), testUUID).String())
	require.Equal(t, "success", d.assignDevice(b.ID(), testUUID).String())

	// Guests vanish instantly in this harness; drop the trees as the
	// backend moves to closing so the waits return quickly.
	for _, dev := range []*device.Device{a, b} {
		bepath := fmt.Sprintf("/local/domain/0/backend/vusb/5/%d", vusb.VirtID(dev.BusNumber, dev.DeviceNumber))
		go func(bepath string) {
			for {
				value, err := store.Read(bepath + "/state")
				if err == nil && value == "5" {
					_ = store.Remove(bepath)
					return
				}

				time.Sleep(time.Millisecond)
			}
		}(bepath)
	}

	ret := d.devices.UnplugAllFromVM(v.DomID, d.unplugDevice)
	assert.Zero(t, ret)
	assert.False(t, a.Assigned())
	assert.False(t, b.Assigned())
}
