package device

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/canonical/vusbd/shared/logger"
)

// USB class numbers the classifier cares about.
const (
	usbClassCommunications = 0x02
	usbClassMassStorage    = 0x08
	usbClassHub            = 0x09
	usbClassWireless       = 0xE0

	usbSubclassEthernet = 0x06
	usbSubclassRF       = 0x01

	usbProtocolBluetooth = 0x01
)

// settlePollInterval and settlePollCount bound the hotplug queue settle loop.
const (
	settlePollInterval = 50 * time.Millisecond
	settlePollCount    = 10
	settleFallback     = 100 * time.Millisecond
)

// opticalProbeTimeout bounds the wait for the block layer to instantiate the
// disk node of a freshly plugged storage device.
const opticalProbeTimeout = 3 * time.Second

// probeIterationLimit caps the descriptor walk of the NIC/Bluetooth probe.
const probeIterationLimit = 1000

// Enumerator is the slice of the hotplug facility the classifier needs
// besides the device node itself.
type Enumerator interface {
	// QueueEmpty reports whether the hotplug event queue has drained.
	// The second return is false when the queue facility is unavailable.
	QueueEmpty() (bool, bool)

	// WaitForDisk blocks until a disk appears on the block subsystem or
	// the timeout expires, reporting whether an event arrived.
	WaitForDisk(timeout time.Duration) bool
}

// InterfaceDesc is one interface alternate setting from the descriptor walk.
type InterfaceDesc struct {
	Class    uint8
	SubClass uint8
	Protocol uint8
}

// Prober reads a device's full descriptor set to refine classification.
type Prober interface {
	// Interfaces returns the interface descriptors of every
	// (configuration, interface, altsetting) of the device.
	Interfaces(bus int, dev int) ([]InterfaceDesc, error)
}

// Classifier turns raw enumerator nodes into typed device records.
type Classifier struct {
	enum   Enumerator
	prober Prober
}

// NewClassifier returns a classifier using the given enumerator and
// descriptor prober.
func NewClassifier(enum Enumerator, prober Prober) *Classifier {
	return &Classifier{enum: enum, prober: prober}
}

// settle waits for the hotplug queue to drain so that a device's children
// exist by the time they are inspected.
func (c *Classifier) settle() {
	empty, ok := c.enum.QueueEmpty()
	if !ok {
		// No queue facility, a fixed nap usually does it.
		time.Sleep(settleFallback)
		return
	}

	for i := 0; i < settlePollCount && !empty; i++ {
		time.Sleep(settlePollInterval)
		empty, _ = c.enum.QueueEmpty()
	}
}

// isJunkProductString reports whether a product string is just a hex or
// decimal number of up to 4 digits (optionally 0x prefixed), the garbage some
// firmware puts where a name belongs.
func isJunkProductString(s string) bool {
	trimmed := strings.TrimPrefix(s, "0x")
	if trimmed == "" || len(trimmed) > 4 {
		return false
	}

	for _, r := range trimmed {
		isHex := (r >= '0' && r <= '9') || (r >= 'a' && r <= 'f') || (r >= 'A' && r <= 'F')
		if !isHex {
			return false
		}
	}

	return true
}

// requiredHex reads a mandatory hex sysattr.
func requiredHex(node Node, name string) (uint64, bool) {
	value := node.SysattrValue(name)
	if value == "" {
		return 0, false
	}

	parsed, err := strconv.ParseUint(strings.TrimSpace(value), 16, 16)
	if err != nil {
		return 0, false
	}

	return parsed, true
}

// requiredInt reads a mandatory decimal sysattr.
func requiredInt(node Node, name string) (int, bool) {
	value := node.SysattrValue(name)
	if value == "" {
		return 0, false
	}

	parsed, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return 0, false
	}

	return parsed, true
}

// Classify builds a device record from a raw usb_device node. It returns
// (nil, nil) for nodes the daemon doesn't manage: interfaces, hubs and nodes
// with incomplete attributes. With rescan set, the optical probe skips its
// event wait; existing devices have had their block children created long ago.
func (c *Classifier) Classify(node Node, rescan bool) (*Device, error) {
	// Give the enumerator time to finish instantiating the device tree.
	c.settle()

	// Configurations and interfaces carry a ':' in their sysname.
	sysname := node.Sysname()
	if sysname == "" || strings.Contains(sysname, ":") {
		return nil, nil
	}

	busnum, ok := requiredInt(node, "busnum")
	if !ok {
		return nil, nil
	}

	devnum, ok := requiredInt(node, "devnum")
	if !ok {
		return nil, nil
	}

	vendorID, ok := requiredHex(node, "idVendor")
	if !ok {
		return nil, nil
	}

	productID, ok := requiredHex(node, "idProduct")
	if !ok {
		return nil, nil
	}

	class, ok := requiredHex(node, "bDeviceClass")
	if !ok {
		return nil, nil
	}

	subclass, ok := requiredHex(node, "bDeviceSubClass")
	if !ok {
		return nil, nil
	}

	protocol, ok := requiredHex(node, "bDeviceProtocol")
	if !ok {
		return nil, nil
	}

	// Hubs stay with the control domain.
	if class == usbClassHub {
		return nil, nil
	}

	// Manufacturer string, falling back to the hardware database.
	manufacturer := node.SysattrValue("manufacturer")
	if manufacturer == "" {
		manufacturer = node.PropertyValue("ID_VENDOR_FROM_DATABASE")
	}

	if manufacturer == "" {
		manufacturer = "Unknown"
	}

	// Product string, with the same fallback plus a junk filter.
	product := node.SysattrValue("product")
	if product == "" || isJunkProductString(product) {
		product = node.PropertyValue("ID_MODEL_FROM_DATABASE")
	}

	if product == "" {
		typeString := deviceTypeString(uint8(class), uint8(subclass), uint8(protocol))
		if typeString != "" {
			product = fmt.Sprintf("%s device (%s)", manufacturer, typeString)
		} else {
			product = fmt.Sprintf("%s device (%04x:%04x)", manufacturer, vendorID, productID)
		}
	}

	d := &Device{
		BusNumber:     busnum,
		DeviceNumber:  devnum,
		VendorID:      uint16(vendorID),
		ProductID:     uint16(productID),
		Serial:        node.SysattrValue("serial"),
		ShortName:     product,
		LongName:      manufacturer,
		Sysname:       sysname,
		Node:          node,
		AssignedDomID: UnassignedDomID,
	}

	c.inspectChildren(node, d, rescan)
	c.probeInterfaces(d)

	return d, nil
}

// inspectChildren walks the device's children to derive type flags.
func (c *Classifier) inspectChildren(node Node, d *Device, rescan bool) {
	hasSCSIHost := false

	for _, child := range node.Children() {
		inspectInput(child, d)

		if hexEquals(child.SysattrValue("bDeviceClass"), usbClassMassStorage) || hexEquals(child.SysattrValue("bInterfaceClass"), usbClassMassStorage) {
			d.Type |= TypeMassStorage
		}

		if child.Devtype() == "scsi_host" {
			hasSCSIHost = true
		}
	}

	if !hasSCSIHost {
		return
	}

	// A SCSI host child may mean an optical drive, but the block layer
	// needs a moment to create the disk node. Existing devices found
	// during startup rescans have settled long ago.
	if !rescan {
		if !c.enum.WaitForDisk(opticalProbeTimeout) {
			logger.Warn("Timed out waiting for the block layer, optical detection skipped", logger.Ctx{"device": d.String()})
			return
		}

		c.settle()
	}

	for _, child := range node.Children() {
		value := child.PropertyValue("ID_CDROM")
		if value != "" && value != "0" {
			d.Type |= TypeOptical
			break
		}
	}
}

// inspectInput applies the input subsystem's classification properties.
func inspectInput(child Node, d *Device) {
	value := child.PropertyValue("ID_INPUT")
	if value == "" || value == "0" {
		return
	}

	flags := map[string]Type{
		"ID_INPUT_KEYBOARD": TypeKeyboard,
		"ID_INPUT_MOUSE":    TypeMouse,
		"ID_INPUT_TOUCHPAD": TypeMouse,
		"ID_INPUT_JOYSTICK": TypeGameController,
	}

	for property, flag := range flags {
		value := child.PropertyValue(property)
		if value != "" && value != "0" {
			d.Type |= flag
		}
	}
}

// probeInterfaces refines NIC and Bluetooth classification from the device's
// full descriptor set.
func (c *Classifier) probeInterfaces(d *Device) {
	if c.prober == nil {
		return
	}

	interfaces, err := c.prober.Interfaces(d.BusNumber, d.DeviceNumber)
	if err != nil {
		logger.Warn("Unable to read descriptors, NIC/Bluetooth detection skipped", logger.Ctx{"device": d.String(), "err": err})
		return
	}

	for i, iface := range interfaces {
		if i >= probeIterationLimit {
			logger.Warn("Descriptor walk exceeded the interface limit, aborting", logger.Ctx{"device": d.String()})
			break
		}

		isBluetooth := iface.Class == usbClassWireless && iface.SubClass == usbSubclassRF && iface.Protocol == usbProtocolBluetooth
		isEthernet := iface.Class == usbClassCommunications && iface.SubClass == usbSubclassEthernet
		isOtherWireless := iface.Class == usbClassWireless && !isBluetooth

		if isEthernet || isOtherWireless {
			d.Type |= TypeNIC
		}

		if isBluetooth {
			d.Type |= TypeBluetooth
		}
	}
}

// hexEquals parses a hex sysattr value and compares it to want.
func hexEquals(value string, want uint64) bool {
	if value == "" {
		return false
	}

	parsed, err := strconv.ParseUint(strings.TrimSpace(value), 16, 16)
	if err != nil {
		return false
	}

	return parsed == want
}
