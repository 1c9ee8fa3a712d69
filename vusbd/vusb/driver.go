package vusb

import (
	"fmt"
	"os"
)

// Passthrough driver sysfs entries.
const (
	vusbNewID    = "/sys/bus/usb/drivers/vusb/new_id"
	vusbRemoveID = "/sys/bus/usb/drivers/vusb/remove_id"
)

// Driver claims and releases devices on the host's passthrough driver.
type Driver interface {
	// Claim hands all devices with the given vendor/product pair to the
	// passthrough driver.
	Claim(vendor uint16, product uint16) error

	// Release returns them to the regular host drivers.
	Release(vendor uint16, product uint16) error
}

// SysfsDriver drives the kernel module through its new_id/remove_id entries.
type SysfsDriver struct{}

func (SysfsDriver) write(path string, vendor uint16, product uint16) error {
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return fmt.Errorf("Failed to open %q: %w", path, err)
	}

	_, err = fmt.Fprintf(f, "%x %x\n", vendor, product)
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("Failed to write to %q: %w", path, err)
	}

	return f.Close()
}

// Claim hands all devices with the given vendor/product pair to the
// passthrough driver.
func (d SysfsDriver) Claim(vendor uint16, product uint16) error {
	return d.write(vusbNewID, vendor, product)
}

// Release returns them to the regular host drivers.
func (d SysfsDriver) Release(vendor uint16, product uint16) error {
	return d.write(vusbRemoveID, vendor, product)
}
