// Package vusb drives the paravirtualised USB handshake between the host
// backend and a guest frontend through the shared store.
package vusb

import (
	"fmt"
	"strconv"
	"time"

	"github.com/canonical/vusbd/shared/logger"
	"github.com/canonical/vusbd/vusbd/xenstore"
)

// Bus states, written under the "state" key by both ends.
const (
	StateUnknown      = 0
	StateInitializing = 1
	StateInitWait     = 2
	StateInitialized  = 3
	StateConnected    = 4
	StateClosing      = 5
	StateClosed       = 6
)

// stateWaitTimeout bounds every state rendezvous.
const stateWaitTimeout = 5 * time.Second

// VirtID packs a device address into the identifier used in store paths.
// Distinct from the API device ID.
func VirtID(bus int, dev int) int {
	return bus<<12 | (dev & 0xFFF)
}

// Engine implements the plug/unplug sequences.
type Engine struct {
	store   xenstore.Client
	driver  Driver
	backend int // backend domid, the control domain

	// waitTimeout is overridable by tests.
	waitTimeout time.Duration
}

// NewEngine returns an attach engine using the given store and passthrough
// driver. The backend runs in the control domain.
func NewEngine(store xenstore.Client, driver Driver) *Engine {
	return &Engine{
		store:       store,
		driver:      driver,
		backend:     0,
		waitTimeout: stateWaitTimeout,
	}
}

// frontendPath is the guest owned half of the device tree.
func (e *Engine) frontendPath(domid int, virtid int) string {
	return fmt.Sprintf("%s/device/vusb/%d", e.store.GetDomainPath(domid), virtid)
}

// backendPath is the host owned half.
func (e *Engine) backendPath(domid int, virtid int) string {
	return fmt.Sprintf("%s/backend/vusb/%d/%d", e.store.GetDomainPath(e.backend), domid, virtid)
}

// addDir creates a directory with an owner and one reader.
func (e *Engine) addDir(path string, owner int, reader int) error {
	err := e.store.Mkdir(path)
	if err != nil {
		return fmt.Errorf("Failed to create %q in the shared store: %w", path, err)
	}

	perms := []xenstore.Permission{
		{DomID: owner, Access: xenstore.PermNone},
		{DomID: reader, Access: xenstore.PermRead},
	}

	err = e.store.SetPermissions(path, perms)
	if err != nil {
		_ = e.store.Remove(path)
		return fmt.Errorf("Failed to set permissions on %q: %w", path, err)
	}

	return nil
}

// createUSB populates the frontend and backend trees for a device in a
// single transaction, retrying on conflict.
func (e *Engine) createUSB(domid int, bus int, dev int) error {
	virtid := VirtID(bus, dev)
	fepath := e.frontendPath(domid, virtid)
	bepath := e.backendPath(domid, virtid)

	logger.Debug("Creating vusb node", logger.Ctx{"device": fmt.Sprintf("%d.%d", bus, dev), "domid": domid})

	for {
		err := e.store.TransactionStart()
		if err != nil {
			return fmt.Errorf("Failed to start a shared store transaction: %w", err)
		}

		err = e.populateUSB(domid, bus, dev, fepath, bepath)
		if err != nil {
			_ = e.store.TransactionEnd(false)
			return err
		}

		err = e.store.TransactionEnd(true)
		if err == nil {
			return nil
		}

		if err != xenstore.ErrAgain {
			return fmt.Errorf("Failed to commit the vusb node: %w", err)
		}
	}
}

// populateUSB writes both halves of the tree inside the open transaction.
func (e *Engine) populateUSB(domid int, bus int, dev int, fepath string, bepath string) error {
	virtid := VirtID(bus, dev)

	err := e.addDir(bepath, e.backend, domid)
	if err != nil {
		return err
	}

	err = e.addDir(fepath, domid, e.backend)
	if err != nil {
		return err
	}

	frontend := map[string]string{
		"backend-id":     strconv.Itoa(e.backend),
		"virtual-device": strconv.Itoa(virtid),
		"backend":        bepath,
		"state":          strconv.Itoa(StateInitializing),
	}

	for key, value := range frontend {
		err = e.store.Write(fepath+"/"+key, value)
		if err != nil {
			return fmt.Errorf("Failed to write %s/%s: %w", fepath, key, err)
		}
	}

	backendKeys := map[string]string{
		"domain":          fmt.Sprintf("Domain-%d", domid),
		"frontend":        fepath,
		"state":           strconv.Itoa(StateInitializing),
		"online":          "1",
		"frontend-id":     strconv.Itoa(domid),
		"physical-device": fmt.Sprintf("%d.%d", bus, dev),
	}

	for key, value := range backendKeys {
		err = e.store.Write(bepath+"/"+key, value)
		if err != nil {
			return fmt.Errorf("Failed to write %s/%s: %w", bepath, key, err)
		}
	}

	return nil
}

// waitForStates blocks until both endpoints' states are one of the two
// accepted values. A backend tree vanishing mid-wait counts as reached: the
// guest was torn down by the toolstack.
func (e *Engine) waitForStates(bepath string, fepath string, a int, b int) error {
	bstate := bepath + "/state"
	fstate := fepath + "/state"

	err := e.store.Watch(bstate, bstate)
	if err != nil {
		return fmt.Errorf("Failed to watch %q: %w", bstate, err)
	}

	defer func() { _ = e.store.Unwatch(bstate, bstate) }()

	err = e.store.Watch(fstate, fstate)
	if err != nil {
		return fmt.Errorf("Failed to watch %q: %w", fstate, err)
	}

	defer func() { _ = e.store.Unwatch(fstate, fstate) }()

	deadline := time.NewTimer(e.waitTimeout)
	defer deadline.Stop()

	events := e.store.WatchEvents()

	for {
		// Read both states; a vanished endpoint is a completed
		// teardown by an outer actor.
		bvalue, err := e.store.Read(bstate)
		if err != nil {
			return nil
		}

		fvalue, err := e.store.Read(fstate)
		if err != nil {
			return nil
		}

		bs, _ := strconv.Atoi(bvalue)
		fs, _ := strconv.Atoi(fvalue)

		if (bs == a || bs == b) && (fs == a || fs == b) {
			return nil
		}

		// Block until the next state change or the deadline.
		select {
		case <-events:
			// Drain coalesced notifications before re-reading.
			for {
				select {
				case <-events:
					continue
				default:
				}

				break
			}

		case <-deadline.C:
			return fmt.Errorf("Timed out waiting for states %d/%d on %s", a, b, bepath)
		}
	}
}

// destroyUSB tears the device trees down, waiting for the guest to let go
// first. The trees are removed even when the wait times out.
func (e *Engine) destroyUSB(domid int, bus int, dev int) error {
	virtid := VirtID(bus, dev)
	fepath := e.frontendPath(domid, virtid)
	bepath := e.backendPath(domid, virtid)

	logger.Info("Deleting vusb node", logger.Ctx{"virtid": virtid, "device": fmt.Sprintf("%d.%d", bus, dev)})

	// Notify the backend that the device is going away.
	_ = e.store.Write(bepath+"/online", "0")
	_ = e.store.Write(bepath+"/physical-device", "0.0")
	_ = e.store.Write(bepath+"/state", strconv.Itoa(StateClosing))

	err := e.waitForStates(bepath, fepath, StateUnknown, StateClosed)
	if err != nil {
		logger.Error("Failed to bring the USB device offline, cleaning the store anyway", logger.Ctx{"err": err})
	}

	_ = e.store.Remove(bepath)
	_ = e.store.Remove(fepath)

	return err
}

// Plug wires a device through to a VM: create the store trees, wait for both
// ends to connect, then hand the device to the passthrough driver.
func (e *Engine) Plug(domid int, bus int, dev int, vendor uint16, product uint16) error {
	if dev > 0xFFF {
		return fmt.Errorf("Bad device number %d", dev)
	}

	err := e.createUSB(domid, bus, dev)
	if err != nil {
		return fmt.Errorf("Failed to attach device: %w", err)
	}

	virtid := VirtID(bus, dev)
	err = e.waitForStates(e.backendPath(domid, virtid), e.frontendPath(domid, virtid), StateConnected, StateConnected)
	if err != nil {
		// Non fatal, the guest may connect late.
		logger.Error("The frontend or the backend didn't go online, continuing anyway", logger.Ctx{"domid": domid, "err": err})
	}

	err = e.driver.Claim(vendor, product)
	if err != nil {
		_ = e.destroyUSB(domid, bus, dev)
		return fmt.Errorf("Failed to assign device to the passthrough driver: %w", err)
	}

	return nil
}

// Unplug detaches a device from a VM: release it from the passthrough
// driver, then tear the store trees down.
func (e *Engine) Unplug(domid int, bus int, dev int, vendor uint16, product uint16) error {
	if dev > 0xFFF {
		return fmt.Errorf("Bad device number %d", dev)
	}

	err := e.driver.Release(vendor, product)
	if err != nil {
		return fmt.Errorf("Failed to release device from the passthrough driver: %w", err)
	}

	err = e.destroyUSB(domid, bus, dev)
	if err != nil {
		return fmt.Errorf("Failed to detach device: %w", err)
	}

	return nil
}

// Cleanup detaches a device whose hardware is already gone. The driver
// release is best effort, the store teardown always runs.
func (e *Engine) Cleanup(domid int, bus int, dev int, vendor uint16, product uint16) error {
	err := e.driver.Release(vendor, product)
	if err != nil {
		logger.Debug("Driver release failed for a removed device", logger.Ctx{"device": fmt.Sprintf("%d.%d", bus, dev), "err": err})
	}

	return e.destroyUSB(domid, bus, dev)
}

// ActiveDevices lists the (bus, dev) pairs with an online backend for a
// domain, for diagnostics.
func (e *Engine) ActiveDevices(domid int) [][2]int {
	base := fmt.Sprintf("%s/backend/vusb/%d", e.store.GetDomainPath(e.backend), domid)

	names, err := e.store.List(base)
	if err != nil {
		return nil
	}

	var active [][2]int
	for _, name := range names {
		virtid, err := strconv.Atoi(name)
		if err != nil {
			continue
		}

		online, err := e.store.Read(fmt.Sprintf("%s/%d/online", base, virtid))
		if err != nil || online != "1" {
			continue
		}

		active = append(active, [2]int{virtid >> 12, virtid & 0xFFF})
	}

	return active
}

// SetWaitTimeout adjusts the state rendezvous deadline (tests).
func (e *Engine) SetWaitTimeout(timeout time.Duration) {
	e.waitTimeout = timeout
}
