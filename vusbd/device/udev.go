package device

import (
	"context"
	"fmt"
	"time"

	"github.com/jochenvg/go-udev"

	"github.com/canonical/vusbd/shared/logger"
)

// HotplugEvent is one add/remove notification from the enumerator monitor.
type HotplugEvent struct {
	// "add" or "remove"
	Action string

	// The device node. For removals only the identity attributes remain
	// readable.
	Node Node

	// Device node path ("/dev/bus/usb/BBB/DDD"), used to recover the bus
	// and device numbers of removed devices.
	Devnode string
}

// UdevEnumerator implements Enumerator and the hotplug event source on top
// of libudev.
type UdevEnumerator struct {
	u *udev.Udev
}

// NewUdevEnumerator returns the real enumerator.
func NewUdevEnumerator() *UdevEnumerator {
	return &UdevEnumerator{u: &udev.Udev{}}
}

// Monitor starts delivering usb_device hotplug events until ctx is done.
func (e *UdevEnumerator) Monitor(ctx context.Context) (<-chan HotplugEvent, error) {
	m := e.u.NewMonitorFromNetlink("udev")
	if m == nil {
		return nil, fmt.Errorf("Failed to create the hotplug monitor")
	}

	err := m.FilterAddMatchSubsystemDevtype("usb", "usb_device")
	if err != nil {
		return nil, fmt.Errorf("Failed to install the hotplug monitor filter: %w", err)
	}

	devices, err := m.DeviceChan(ctx)
	if err != nil {
		return nil, fmt.Errorf("Failed to start the hotplug monitor: %w", err)
	}

	events := make(chan HotplugEvent)
	go func() {
		defer close(events)

		for d := range devices {
			events <- HotplugEvent{
				Action:  d.Action(),
				Node:    &udevNode{u: e.u, d: d},
				Devnode: d.Devnode(),
			}
		}
	}()

	return events, nil
}

// Existing returns the usb_device nodes already present, for the startup
// rescan.
func (e *UdevEnumerator) Existing() ([]Node, error) {
	enumerate := e.u.NewEnumerate()
	err := enumerate.AddMatchSubsystem("usb")
	if err != nil {
		return nil, err
	}

	// Configurations and interfaces have sysnames like "1-2:1.0"; devices
	// start with the bus number.
	err = enumerate.AddMatchSysname("[0-9]*")
	if err != nil {
		return nil, err
	}

	devices, err := enumerate.Devices()
	if err != nil {
		return nil, fmt.Errorf("Failed to enumerate USB devices: %w", err)
	}

	nodes := make([]Node, 0, len(devices))
	for _, d := range devices {
		nodes = append(nodes, &udevNode{u: e.u, d: d})
	}

	return nodes, nil
}

// QueueEmpty reports whether the udev event queue has drained.
func (e *UdevEnumerator) QueueEmpty() (bool, bool) {
	queue := e.u.NewQueue()
	if queue == nil {
		return false, false
	}

	return queue.IsEmpty(), true
}

// WaitForDisk blocks until a disk device appears on the block subsystem or
// the timeout expires.
func (e *UdevEnumerator) WaitForDisk(timeout time.Duration) bool {
	m := e.u.NewMonitorFromNetlink("udev")
	if m == nil {
		return false
	}

	err := m.FilterAddMatchSubsystemDevtype("block", "disk")
	if err != nil {
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	devices, err := m.DeviceChan(ctx)
	if err != nil {
		return false
	}

	for range devices {
		return true
	}

	return false
}

// udevNode adapts a udev device to the Node interface.
type udevNode struct {
	u *udev.Udev
	d *udev.Device
}

// Sysname returns the kernel name of the node.
func (n *udevNode) Sysname() string {
	return n.d.Sysname()
}

// Devtype returns the enumerator device type of the node.
func (n *udevNode) Devtype() string {
	return n.d.Devtype()
}

// SysattrValue returns a sysfs attribute, "" when absent.
func (n *udevNode) SysattrValue(name string) string {
	return n.d.SysattrValue(name)
}

// PropertyValue returns an enumerator property, "" when absent.
func (n *udevNode) PropertyValue(name string) string {
	return n.d.PropertyValue(name)
}

// Parent returns the parent node, nil at the top of the tree.
func (n *udevNode) Parent() Node {
	parent := n.d.Parent()
	if parent == nil {
		return nil
	}

	return &udevNode{u: n.u, d: parent}
}

// Children returns all descendant nodes.
func (n *udevNode) Children() []Node {
	enumerate := n.u.NewEnumerate()
	err := enumerate.AddMatchParent(n.d)
	if err != nil {
		logger.Debug("Failed to scope child enumeration", logger.Ctx{"err": err})
		return nil
	}

	devices, err := enumerate.Devices()
	if err != nil {
		logger.Debug("Failed to enumerate children", logger.Ctx{"err": err})
		return nil
	}

	children := make([]Node, 0, len(devices))
	for _, d := range devices {
		// The parent match includes the device itself.
		if d.Syspath() == n.d.Syspath() {
			continue
		}

		children = append(children, &udevNode{u: n.u, d: d})
	}

	return children
}
