package device

import (
	"fmt"
	"net/http"

	"github.com/canonical/vusbd/shared/api"
	"github.com/canonical/vusbd/shared/logger"
)

// Registry is the authoritative set of devices present on the host. It keeps
// insertion order and is keyed by (bus, device); it is only ever mutated from
// the dispatcher goroutine.
type Registry struct {
	devices []*Device
}

// NewRegistry returns an empty device registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// LookupByBusDev returns the device with the given bus and device numbers.
func (r *Registry) LookupByBusDev(bus int, dev int) *Device {
	for _, d := range r.devices {
		if d.BusNumber == bus && d.DeviceNumber == dev {
			return d
		}
	}

	return nil
}

// LookupByAttributes returns the first device matching vendor, product and
// serial. An empty serial (on either side) makes the serial comparison a
// wildcard.
func (r *Registry) LookupByAttributes(vendor uint16, product uint16, serial string) *Device {
	for _, d := range r.devices {
		if d.VendorID != vendor || d.ProductID != product {
			continue
		}

		if serial == "" || !d.hasUsableSerial() || d.Serial == serial {
			return d
		}
	}

	return nil
}

// IsAmbiguous reports whether another present device shares the given
// device's vendor and product pair without a serial to tell them apart.
func (r *Registry) IsAmbiguous(device *Device) bool {
	for _, d := range r.devices {
		if d == device {
			continue
		}

		if d.VendorID != device.VendorID || d.ProductID != device.ProductID {
			continue
		}

		if !d.hasUsableSerial() || !device.hasUsableSerial() {
			return true
		}

		if d.Serial == device.Serial {
			return true
		}
	}

	return false
}

// Add inserts a device. Duplicate (bus, device) keys are rejected.
func (r *Registry) Add(device *Device) error {
	existing := r.LookupByBusDev(device.BusNumber, device.DeviceNumber)
	if existing != nil {
		return api.StatusErrorf(http.StatusConflict, "Device %d-%d already registered", device.BusNumber, device.DeviceNumber)
	}

	r.devices = append(r.devices, device)
	return nil
}

// Remove deletes the device with the given bus and device numbers.
func (r *Registry) Remove(bus int, dev int) error {
	for i, d := range r.devices {
		if d.BusNumber == bus && d.DeviceNumber == dev {
			r.devices = append(r.devices[:i], r.devices[i+1:]...)
			return nil
		}
	}

	return api.StatusErrorf(http.StatusNotFound, "Device %d-%d not found", bus, dev)
}

// Devices returns the devices in insertion order. The returned slice is
// shared; callers must not mutate it.
func (r *Registry) Devices() []*Device {
	return r.devices
}

// UnplugAllFromVM detaches every device bound to the given domain, clearing
// the assignment even when the detach fails. Per-device failures are folded
// into the bitwise OR of their return codes.
func (r *Registry) UnplugAllFromVM(domid int, unplug func(d *Device) error) int {
	ret := 0
	for _, d := range r.devices {
		if d.AssignedDomID != domid {
			continue
		}

		err := unplug(d)
		if err != nil {
			logger.Error("Failed to unplug device from VM", logger.Ctx{"device": d.String(), "domid": domid, "err": err})
			ret |= 1
		}

		d.AssignedDomID = UnassignedDomID
	}

	return ret
}

// String renders a one device per line summary for the state dump.
func (r *Registry) String() string {
	out := ""
	for _, d := range r.devices {
		assigned := "dom0"
		if d.Assigned() {
			assigned = fmt.Sprintf("domid %d", d.AssignedDomID)
		}

		out += fmt.Sprintf("  %5d  %s  %q (%s)  types=%v  %s\n", d.ID(), d.String(), d.ShortName, d.LongName, d.Type.Strings(), assigned)
	}

	return out
}
