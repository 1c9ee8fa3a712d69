package device

import (
	"fmt"

	usb "github.com/daedaluz/gousb"
)

// SysfsProber reads descriptor sets straight from sysfs. It backs the
// NIC/Bluetooth refinement of the classifier.
type SysfsProber struct{}

// Interfaces returns the interface descriptors of every (configuration,
// interface, altsetting) of the addressed device.
func (SysfsProber) Interfaces(bus int, dev int) ([]InterfaceDesc, error) {
	devices, err := usb.EnumerateDevices()
	if err != nil {
		return nil, fmt.Errorf("Failed to enumerate USB descriptors: %w", err)
	}

	for _, d := range devices {
		if d.BusNumber != bus || d.DeviceNumber != dev {
			continue
		}

		var interfaces []InterfaceDesc
		for _, desc := range d.Descriptors {
			iface, ok := desc.(*usb.InterfaceDescriptor)
			if !ok {
				continue
			}

			interfaces = append(interfaces, InterfaceDesc{
				Class:    uint8(iface.BInterfaceClass),
				SubClass: uint8(iface.BInterfaceSubClass),
				Protocol: uint8(iface.BInterfaceProtocol),
			})
		}

		return interfaces, nil
	}

	return nil, fmt.Errorf("Device %d-%d not found in sysfs. Was it removed?", bus, dev)
}
