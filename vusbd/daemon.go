package main

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"gopkg.in/tomb.v2"

	"github.com/canonical/vusbd/shared/api"
	"github.com/canonical/vusbd/shared/logger"
	"github.com/canonical/vusbd/vusbd/device"
	"github.com/canonical/vusbd/vusbd/events"
	"github.com/canonical/vusbd/vusbd/policy"
	"github.com/canonical/vusbd/vusbd/response"
	"github.com/canonical/vusbd/vusbd/settings"
	"github.com/canonical/vusbd/vusbd/vm"
	"github.com/canonical/vusbd/vusbd/vusb"
	"github.com/canonical/vusbd/vusbd/xenstore"
)

// A Daemon can respond to requests from the management stack and to hotplug
// events from the kernel.
type Daemon struct {
	config   *Config
	stubMode bool

	// State, owned by the dispatcher goroutine.
	devices *device.Registry
	vms     *vm.Registry
	policy  *policy.Engine

	// External collaborators.
	store      xenstore.Client
	settings   settings.Store
	enum       *device.UdevEnumerator
	classifier *device.Classifier
	attach     *vusb.Engine

	// Event servers.
	events *events.Server

	// requests funnels API mutations onto the dispatcher so that RPC and
	// hotplug handling never interleave.
	requests chan func()

	tomb   tomb.Tomb
	server *http.Server
}

// newDaemon returns a new Daemon object with the given configuration.
func newDaemon(config *Config, stubMode bool) *Daemon {
	d := &Daemon{
		config:   config,
		stubMode: stubMode,
		devices:  device.NewRegistry(),
		vms:      vm.NewRegistry(),
		events:   events.NewServer(),
		requests: make(chan func()),
	}

	return d
}

// init opens the external collaborators and brings the state up. Failures
// here are fatal for the daemon.
func (d *Daemon) init() error {
	var err error

	// Shared store.
	d.store, err = xenstore.Dial(d.config.StoreSocket)
	if err != nil {
		return fmt.Errorf("Failed to connect to the shared store: %w", err)
	}

	d.attach = vusb.NewEngine(d.store, vusb.SysfsDriver{})

	// Settings store. Stub mode keeps the policy in memory only.
	if d.stubMode {
		d.settings = settings.NewMemoryStore()
	} else {
		d.settings, err = settings.OpenBolt(d.config.SettingsPath)
		if err != nil {
			return fmt.Errorf("Failed to open the settings store: %w", err)
		}
	}

	// Policy engine.
	d.policy = policy.NewEngine(d.settings, d.devices, d.vms, func(v *vm.VM, dev *device.Device) error {
		return d.attach.Plug(v.DomID, dev.BusNumber, dev.DeviceNumber, dev.VendorID, dev.ProductID)
	})

	if !d.stubMode {
		err = d.policy.Load()
		if err != nil {
			return fmt.Errorf("Failed to load the policy: %w", err)
		}
	}

	// The control domain is always known.
	_, err = d.vms.Add(vm.Dom0DomID, vm.Dom0UUID)
	if err != nil {
		return err
	}

	// Hotplug.
	d.enum = device.NewUdevEnumerator()
	d.classifier = device.NewClassifier(d.enum, device.SysfsProber{})

	hotplug, err := d.enum.Monitor(d.tomb.Context(context.Background()))
	if err != nil {
		return fmt.Errorf("Failed to start the hotplug monitor: %w", err)
	}

	// Pick up the devices already present. Their device trees settled
	// long ago, so the classifier skips its event waits.
	d.fillDevices()

	// REST API.
	if !d.stubMode {
		err = startServer(d)
		if err != nil {
			return fmt.Errorf("Failed to start the API server: %w", err)
		}
	}

	d.tomb.Go(func() error {
		d.dispatch(hotplug)
		return nil
	})

	return nil
}

// dispatch is the single-threaded event loop: hotplug events and API
// mutations execute here, strictly serially.
func (d *Daemon) dispatch(hotplug <-chan device.HotplugEvent) {
	for {
		select {
		case <-d.tomb.Dying():
			return

		case f := <-d.requests:
			f()

		case event, ok := <-hotplug:
			if !ok {
				return
			}

			d.handleHotplug(event)
		}
	}
}

// exec runs a function on the dispatcher and returns its response.
func (d *Daemon) exec(f func() response.Response) response.Response {
	reply := make(chan response.Response, 1)

	select {
	case d.requests <- func() { reply <- f() }:
	case <-d.tomb.Dying():
		return response.InternalError(fmt.Errorf("Daemon is shutting down"))
	}

	return <-reply
}

// fillDevices rescans the enumerator for already present devices.
func (d *Daemon) fillDevices() {
	nodes, err := d.enum.Existing()
	if err != nil {
		logger.Error("Failed to enumerate existing devices", logger.Ctx{"err": err})
		return
	}

	for _, node := range nodes {
		dev, err := d.classifier.Classify(node, true)
		if err != nil || dev == nil {
			continue
		}

		err = d.devices.Add(dev)
		if err != nil {
			logger.Warn("Skipping duplicate device", logger.Ctx{"device": dev.String(), "err": err})
		}
	}
}

// handleHotplug routes one enumerator event.
func (d *Daemon) handleHotplug(event device.HotplugEvent) {
	switch event.Action {
	case "add":
		d.deviceAdded(event.Node)
	case "remove":
		d.deviceRemoved(event)
	}
}

// deviceAdded classifies a new device, adds it to the registry and runs the
// assignment policy.
func (d *Daemon) deviceAdded(node device.Node) {
	dev, err := d.classifier.Classify(node, false)
	if err != nil {
		logger.Error("Failed to classify device", logger.Ctx{"err": err})
		return
	}

	if dev == nil {
		// Interface, hub or half-gone device.
		return
	}

	err = d.devices.Add(dev)
	if err != nil {
		logger.Warn("Device appeared twice", logger.Ctx{"device": dev.String(), "err": err})
		return
	}

	logger.Info("Device added", logger.Ctx{"device": dev.String(), "name": dev.ShortName, "types": dev.Type.Strings()})

	target, err := d.policy.AutoAssignNewDevice(dev)
	if err != nil {
		logger.Warn("Device was not auto-assigned", logger.Ctx{"device": dev.String(), "err": err})
	} else if target != nil {
		logger.Info("Device auto-assigned", logger.Ctx{"device": dev.String(), "domid": target.DomID})
	}

	d.events.SendLifecycle(api.EventDeviceAdded, map[string]any{"device": dev.ID()})
	if dev.Type.Has(device.TypeOptical) {
		d.events.SendLifecycle(api.EventOpticalDeviceDetected, nil)
	}

	d.events.SendLifecycle(api.EventDevicesChanged, nil)
}

// deviceRemoved cleans up after a physically removed device.
func (d *Daemon) deviceRemoved(event device.HotplugEvent) {
	bus, devnum, err := devnodeToAddress(event.Devnode)
	if err != nil {
		logger.Debug("Ignoring removal with an unparseable devnode", logger.Ctx{"devnode": event.Devnode})
		return
	}

	dev := d.devices.LookupByBusDev(bus, devnum)
	if dev == nil {
		// Happens on quick plug-unplug, when classification never
		// finished.
		return
	}

	if dev.Assigned() {
		err := d.attach.Cleanup(dev.AssignedDomID, bus, devnum, dev.VendorID, dev.ProductID)
		if err != nil {
			logger.Warn("Failed to clean up a removed device", logger.Ctx{"device": dev.String(), "err": err})
		}
	}

	err = d.devices.Remove(bus, devnum)
	if err != nil {
		logger.Error("Failed to drop removed device", logger.Ctx{"device": dev.String(), "err": err})
		return
	}

	logger.Info("Device removed", logger.Ctx{"device": dev.String()})
	d.events.SendLifecycle(api.EventDevicesChanged, nil)
}

// devnodeToAddress extracts the bus and device numbers from a USB devnode
// path ("/dev/bus/usb/BBB/DDD").
func devnodeToAddress(devnode string) (int, int, error) {
	parts := strings.Split(devnode, "/")
	if len(parts) < 2 {
		return 0, 0, fmt.Errorf("Unexpected devnode %q", devnode)
	}

	bus, err := strconv.Atoi(parts[len(parts)-2])
	if err != nil {
		return 0, 0, fmt.Errorf("Unexpected devnode %q: %w", devnode, err)
	}

	dev, err := strconv.Atoi(parts[len(parts)-1])
	if err != nil {
		return 0, 0, fmt.Errorf("Unexpected devnode %q: %w", devnode, err)
	}

	return bus, dev, nil
}

// unplugDevice runs the full detach sequence for one bound device.
func (d *Daemon) unplugDevice(dev *device.Device) error {
	return d.attach.Unplug(dev.AssignedDomID, dev.BusNumber, dev.DeviceNumber, dev.VendorID, dev.ProductID)
}

// shutdown detaches every bound device and closes the collaborators.
func (d *Daemon) shutdown() {
	for _, dev := range d.devices.Devices() {
		if !dev.Assigned() {
			continue
		}

		err := d.unplugDevice(dev)
		if err != nil {
			logger.Warn("Failed to detach device during shutdown", logger.Ctx{"device": dev.String(), "err": err})
		}

		dev.AssignedDomID = device.UnassignedDomID
	}

	if d.server != nil {
		_ = d.server.Close()
	}

	if d.settings != nil {
		_ = d.settings.Close()
	}

	if d.store != nil {
		_ = d.store.Close()
	}
}

// Kill asks the daemon to stop.
func (d *Daemon) Kill() {
	d.tomb.Kill(nil)
}

// Wait blocks until the daemon stopped.
func (d *Daemon) Wait() error {
	return d.tomb.Wait()
}
