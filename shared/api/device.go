package api

// Device state values returned in DeviceInfo.State.
//
// The full enum is defined for wire compatibility with existing management
// clients; the daemon currently never produces DeviceStateBlocked,
// DeviceStatePlatform or the two hid values.
const (
	DeviceStateError          = -1
	DeviceStateUnused         = 0
	DeviceStateAssigned       = 1
	DeviceStateInUse          = 2
	DeviceStateBlocked        = 3
	DeviceStateThis           = 4
	DeviceStateThisAlways     = 5
	DeviceStateAlwaysOnlyThis = 6
	DeviceStatePlatform       = 7
	DeviceStateHidDom0        = 8
	DeviceStateHidAlways      = 9
	DeviceStateCdDom0         = 10
	DeviceStateCdAlways       = 11
)

// Device represents a USB device known to the daemon.
type Device struct {
	// Packed device identifier (see shared/usbid)
	ID int `json:"id" yaml:"id"`

	// Bus number the device sits on
	BusNumber int `json:"bus_number" yaml:"bus_number"`

	// Device number on the bus
	DeviceNumber int `json:"device_number" yaml:"device_number"`

	// Vendor ID as a 4 digit hex string
	VendorID string `json:"vendor_id" yaml:"vendor_id"`

	// Product ID as a 4 digit hex string
	ProductID string `json:"product_id" yaml:"product_id"`

	// Serial string, may be empty
	Serial string `json:"serial,omitempty" yaml:"serial,omitempty"`

	// Product facing name
	Name string `json:"name" yaml:"name"`

	// Manufacturer name
	Description string `json:"description" yaml:"description"`

	// Kernel sysfs name
	Sysname string `json:"sysname" yaml:"sysname"`

	// Classification flags (keyboard, mouse, ...)
	Types []string `json:"types" yaml:"types"`

	// UUID of the VM the device is assigned to ("" when attached to the control domain)
	AssignedVM string `json:"assigned_vm,omitempty" yaml:"assigned_vm,omitempty"`
}

// DeviceInfo is the answer to a device info query scoped to a caller VM.
type DeviceInfo struct {
	// Product facing name
	Name string `json:"name" yaml:"name"`

	// Device state as seen from the caller's VM (DeviceState* values)
	State int `json:"state" yaml:"state"`

	// UUID of the VM the device is assigned to ("" when unassigned)
	AssignedVM string `json:"assigned_vm" yaml:"assigned_vm"`

	// Manufacturer name
	Detail string `json:"detail" yaml:"detail"`
}

// DevicePut represents an action on a device.
type DevicePut struct {
	// One of "assign", "unassign", "sticky", "name"
	Action string `json:"action" yaml:"action"`

	// Target VM UUID (assign)
	VMUUID string `json:"vm_uuid,omitempty" yaml:"vm_uuid,omitempty"`

	// Sticky flag (sticky): 1 creates the rule, 0 deletes it
	Sticky int `json:"sticky,omitempty" yaml:"sticky,omitempty"`

	// New device name (name)
	Name string `json:"name,omitempty" yaml:"name,omitempty"`
}
