package device_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/canonical/vusbd/vusbd/device"
)

// fakeNode is a synthetic enumerator record.
type fakeNode struct {
	sysname    string
	devtype    string
	sysattrs   map[string]string
	properties map[string]string
	parent     *fakeNode
	children   []*fakeNode
}

func (n *fakeNode) Sysname() string { return n.sysname }
func (n *fakeNode) Devtype() string { return n.devtype }

func (n *fakeNode) SysattrValue(name string) string {
	return n.sysattrs[name]
}

func (n *fakeNode) PropertyValue(name string) string {
	return n.properties[name]
}

func (n *fakeNode) Parent() device.Node {
	if n.parent == nil {
		return nil
	}

	return n.parent
}

func (n *fakeNode) Children() []device.Node {
	var nodes []device.Node
	for _, child := range n.children {
		nodes = append(nodes, child)
		nodes = append(nodes, child.Children()...)
	}

	return nodes
}

// fakeEnum settles immediately.
type fakeEnum struct {
	diskEvent bool
	diskWaits int
}

func (e *fakeEnum) QueueEmpty() (bool, bool) {
	return true, true
}

func (e *fakeEnum) WaitForDisk(timeout time.Duration) bool {
	e.diskWaits++
	return e.diskEvent
}

// fakeProber returns a canned descriptor walk.
type fakeProber struct {
	interfaces []device.InterfaceDesc
	err        error
}

func (p *fakeProber) Interfaces(bus int, dev int) ([]device.InterfaceDesc, error) {
	return p.interfaces, p.err
}

func usbDeviceNode(sysname string) *fakeNode {
	return &fakeNode{
		sysname: sysname,
		devtype: "usb_device",
		sysattrs: map[string]string{
			"busnum":          "1",
			"devnum":          "3",
			"idVendor":        "046d",
			"idProduct":       "c534",
			"bDeviceClass":    "00",
			"bDeviceSubClass": "00",
			"bDeviceProtocol": "00",
			"manufacturer":    "Logitech",
			"product":         "USB Receiver",
		},
		properties: map[string]string{},
	}
}

func TestClassifyBasics(t *testing.T) {
	c := device.NewClassifier(&fakeEnum{}, &fakeProber{})

	d, err := c.Classify(usbDeviceNode("1-2"), false)
	require.NoError(t, err)
	require.NotNil(t, d)

	assert.Equal(t, 1, d.BusNumber)
	assert.Equal(t, 3, d.DeviceNumber)
	assert.Equal(t, uint16(0x046D), d.VendorID)
	assert.Equal(t, uint16(0xC534), d.ProductID)
	assert.Equal(t, "USB Receiver", d.ShortName)
	assert.Equal(t, "Logitech", d.LongName)
	assert.False(t, d.Assigned())
}

func TestClassifyRejectsInterfaces(t *testing.T) {
	c := device.NewClassifier(&fakeEnum{}, &fakeProber{})

	d, err := c.Classify(usbDeviceNode("1-2:1.0"), false)
	require.NoError(t, err)
	assert.Nil(t, d)
}

func TestClassifyRejectsHubs(t *testing.T) {
	c := device.NewClassifier(&fakeEnum{}, &fakeProber{})

	node := usbDeviceNode("1-2")
	node.sysattrs["bDeviceClass"] = "09"

	d, err := c.Classify(node, false)
	require.NoError(t, err)
	assert.Nil(t, d)
}

func TestClassifyRejectsIncompleteAttributes(t *testing.T) {
	c := device.NewClassifier(&fakeEnum{}, &fakeProber{})

	for _, attr := range []string{"busnum", "devnum", "idVendor", "idProduct", "bDeviceClass", "bDeviceSubClass", "bDeviceProtocol"} {
		node := usbDeviceNode("1-2")
		delete(node.sysattrs, attr)

		d, err := c.Classify(node, false)
		require.NoError(t, err)
		assert.Nil(t, d, "device with missing %s should be rejected", attr)
	}
}

func TestClassifyNameFallbacks(t *testing.T) {
	c := device.NewClassifier(&fakeEnum{}, &fakeProber{})

	// A numeric product string falls back to the hardware database.
	node := usbDeviceNode("1-2")
	node.sysattrs["product"] = "0x1234"
	node.properties["ID_MODEL_FROM_DATABASE"] = "Unifying Receiver"

	d, err := c.Classify(node, false)
	require.NoError(t, err)
	assert.Equal(t, "Unifying Receiver", d.ShortName)

	// Without a database entry either, synthesise from the class name.
	node = usbDeviceNode("1-2")
	delete(node.sysattrs, "product")
	delete(node.sysattrs, "manufacturer")
	node.sysattrs["bDeviceClass"] = "07"
	node.sysattrs["bDeviceSubClass"] = "01"
	node.sysattrs["bDeviceProtocol"] = "02"

	d, err = c.Classify(node, false)
	require.NoError(t, err)
	assert.Equal(t, "Unknown device (Printer - Bidirectional)", d.ShortName)
	assert.Equal(t, "Unknown", d.LongName)

	// Unknown class: fall back to the numeric IDs.
	node = usbDeviceNode("1-2")
	delete(node.sysattrs, "product")
	node.sysattrs["bDeviceClass"] = "d0"

	d, err = c.Classify(node, false)
	require.NoError(t, err)
	assert.Equal(t, "Logitech device (046d:c534)", d.ShortName)
}

func TestClassifyInputChildren(t *testing.T) {
	c := device.NewClassifier(&fakeEnum{}, &fakeProber{})

	node := usbDeviceNode("1-2")
	node.children = []*fakeNode{
		{
			sysname: "1-2:1.0",
			properties: map[string]string{
				"ID_INPUT":          "1",
				"ID_INPUT_KEYBOARD": "1",
			},
		},
		{
			sysname: "1-2:1.1",
			properties: map[string]string{
				"ID_INPUT":          "1",
				"ID_INPUT_MOUSE":    "1",
				"ID_INPUT_TOUCHPAD": "1",
			},
		},
		{
			// ID_INPUT unset: the input properties are ignored.
			sysname: "1-2:1.2",
			properties: map[string]string{
				"ID_INPUT_JOYSTICK": "1",
			},
		},
	}

	d, err := c.Classify(node, false)
	require.NoError(t, err)

	assert.True(t, d.Type.Has(device.TypeKeyboard))
	assert.True(t, d.Type.Has(device.TypeMouse))
	assert.False(t, d.Type.Has(device.TypeGameController))
}

func TestClassifyMassStorageChild(t *testing.T) {
	c := device.NewClassifier(&fakeEnum{}, &fakeProber{})

	node := usbDeviceNode("1-2")
	node.children = []*fakeNode{
		{
			sysname:    "1-2:1.0",
			sysattrs:   map[string]string{"bInterfaceClass": "08"},
			properties: map[string]string{},
		},
	}

	d, err := c.Classify(node, false)
	require.NoError(t, err)
	assert.True(t, d.Type.Has(device.TypeMassStorage))
}

func TestClassifyOpticalProbe(t *testing.T) {
	enum := &fakeEnum{diskEvent: true}
	c := device.NewClassifier(enum, &fakeProber{})

	node := usbDeviceNode("1-2")
	node.children = []*fakeNode{
		{
			sysname:    "host4",
			devtype:    "scsi_host",
			properties: map[string]string{},
		},
		{
			sysname:    "sr0",
			devtype:    "disk",
			properties: map[string]string{"ID_CDROM": "1"},
		},
	}

	d, err := c.Classify(node, false)
	require.NoError(t, err)
	assert.True(t, d.Type.Has(device.TypeOptical))
	assert.Equal(t, 1, enum.diskWaits)
}

func TestClassifyOpticalProbeTimeout(t *testing.T) {
	// On block watch timeout the optical bit stays unset, the device is
	// still added.
	enum := &fakeEnum{diskEvent: false}
	c := device.NewClassifier(enum, &fakeProber{})

	node := usbDeviceNode("1-2")
	node.children = []*fakeNode{
		{
			sysname:    "host4",
			devtype:    "scsi_host",
			properties: map[string]string{},
		},
	}

	d, err := c.Classify(node, false)
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.False(t, d.Type.Has(device.TypeOptical))
}

func TestClassifyOpticalProbeSkippedOnRescan(t *testing.T) {
	enum := &fakeEnum{diskEvent: true}
	c := device.NewClassifier(enum, &fakeProber{})

	node := usbDeviceNode("1-2")
	node.children = []*fakeNode{
		{
			sysname:    "host4",
			devtype:    "scsi_host",
			properties: map[string]string{},
		},
		{
			sysname:    "sr0",
			devtype:    "disk",
			properties: map[string]string{"ID_CDROM": "1"},
		},
	}

	d, err := c.Classify(node, true)
	require.NoError(t, err)

	// The existing disk node is still inspected, without waiting.
	assert.True(t, d.Type.Has(device.TypeOptical))
	assert.Zero(t, enum.diskWaits)
}

func TestClassifyNICAndBluetooth(t *testing.T) {
	prober := &fakeProber{interfaces: []device.InterfaceDesc{
		{Class: 0x02, SubClass: 0x06, Protocol: 0x00}, // CDC ethernet
		{Class: 0xE0, SubClass: 0x01, Protocol: 0x01}, // Bluetooth radio
	}}

	c := device.NewClassifier(&fakeEnum{}, prober)

	d, err := c.Classify(usbDeviceNode("1-2"), false)
	require.NoError(t, err)

	assert.True(t, d.Type.Has(device.TypeNIC))
	assert.True(t, d.Type.Has(device.TypeBluetooth))

	// Wireless non-Bluetooth counts as NIC only.
	prober.interfaces = []device.InterfaceDesc{
		{Class: 0xE0, SubClass: 0x02, Protocol: 0x01},
	}

	d, err = c.Classify(usbDeviceNode("1-2"), false)
	require.NoError(t, err)
	assert.True(t, d.Type.Has(device.TypeNIC))
	assert.False(t, d.Type.Has(device.TypeBluetooth))
}
