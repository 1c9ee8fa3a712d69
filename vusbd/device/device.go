// Package device maintains the registry of USB devices present on the host
// and derives each device's classification from the hotplug enumerator.
package device

import (
	"fmt"
	"sort"

	"github.com/canonical/vusbd/shared/usbid"
)

// Type is the classification bitset of a device. A device can carry several
// bits at once (combo keyboard/mouse receivers are common).
type Type uint

// Classification flags.
const (
	TypeKeyboard Type = 1 << iota
	TypeMouse
	TypeGameController
	TypeMassStorage
	TypeOptical
	TypeNIC
	TypeBluetooth
	TypeAudio
)

// typeNames maps flags to the names used on the API and in the settings tree.
var typeNames = map[Type]string{
	TypeKeyboard:       "keyboard",
	TypeMouse:          "mouse",
	TypeGameController: "game_controller",
	TypeMassStorage:    "mass_storage",
	TypeOptical:        "optical",
	TypeNIC:            "nic",
	TypeBluetooth:      "bluetooth",
	TypeAudio:          "audio",
}

// TypeFlagNames returns the full set of flag names, sorted.
func TypeFlagNames() []string {
	names := make([]string, 0, len(typeNames))
	for _, name := range typeNames {
		names = append(names, name)
	}

	sort.Strings(names)
	return names
}

// TypeFromName returns the flag carrying the given settings tree name.
func TypeFromName(name string) (Type, bool) {
	for t, n := range typeNames {
		if n == name {
			return t, true
		}
	}

	return 0, false
}

// Has reports whether all the bits of flag are set.
func (t Type) Has(flag Type) bool {
	return t&flag == flag
}

// Strings returns the names of all set flags, sorted.
func (t Type) Strings() []string {
	var names []string
	for flag, name := range typeNames {
		if t&flag != 0 {
			names = append(names, name)
		}
	}

	sort.Strings(names)
	return names
}

// Node is the retained enumerator record of a device. Advanced policy rules
// match on sysattrs and properties anywhere in the device's tree, so the
// record exposes tree traversal on top of the attribute getters.
type Node interface {
	// Sysname returns the kernel name of the node.
	Sysname() string

	// Devtype returns the enumerator device type of the node.
	Devtype() string

	// SysattrValue returns a sysfs attribute, "" when absent.
	SysattrValue(name string) string

	// PropertyValue returns an enumerator property, "" when absent.
	PropertyValue(name string) string

	// Parent returns the parent node, nil at the top of the tree.
	Parent() Node

	// Children returns all descendant nodes.
	Children() []Node
}

// UnassignedDomID marks a device attached to the control domain.
const UnassignedDomID = -1

// Device is a USB device currently present on the host.
type Device struct {
	BusNumber    int
	DeviceNumber int
	VendorID     uint16
	ProductID    uint16
	Serial       string
	ShortName    string // product facing name
	LongName     string // manufacturer
	Sysname      string
	Type         Type

	// Node is the retained enumerator record, used by advanced rule
	// matching. May be nil for devices created outside the classifier.
	Node Node

	// AssignedDomID is the domid of the VM using the device, or
	// UnassignedDomID while the device sits in the control domain.
	AssignedDomID int
}

// ID returns the packed API identifier of the device.
func (d *Device) ID() int {
	return usbid.Pack(d.BusNumber, d.DeviceNumber)
}

// Assigned reports whether the device is bound to a VM.
func (d *Device) Assigned() bool {
	return d.AssignedDomID != UnassignedDomID
}

// String renders the device address for logging.
func (d *Device) String() string {
	return fmt.Sprintf("%d-%d (%04x:%04x)", d.BusNumber, d.DeviceNumber, d.VendorID, d.ProductID)
}

// hasUsableSerial reports whether the serial can disambiguate the device.
func (d *Device) hasUsableSerial() bool {
	return d.Serial != ""
}
