package device

import (
	"fmt"
)

// usbProtocol names a (class, subclass, protocol) leaf.
type usbProtocol struct {
	id   uint8
	name string
}

// usbSubclass names a (class, subclass) pair and its known protocols.
type usbSubclass struct {
	id    uint8
	name  string
	prots []usbProtocol
}

// usbClass names a class and its known subclasses.
type usbClass struct {
	id   uint8
	name string
	subs []usbSubclass
}

// usbClasses is derived from the standard USB class database (usb.ids).
var usbClasses = []usbClass{
	{0x00, "(Defined at Interface level)", nil},
	{0x01, "Audio", []usbSubclass{
		{0x01, "Control Device", nil},
		{0x02, "Streaming", nil},
		{0x03, "MIDI Streaming", nil},
	}},
	{0x02, "Communications", []usbSubclass{
		{0x01, "Direct Line", nil},
		{0x02, "Abstract (modem)", []usbProtocol{
			{0x00, "None"},
			{0x01, "AT-commands (v.25ter)"},
			{0x02, "AT-commands (PCCA101)"},
			{0x06, "AT-commands (CDMA)"},
		}},
		{0x03, "Telephone", nil},
		{0x04, "Multi-Channel", nil},
		{0x05, "CAPI Control", nil},
		{0x06, "Ethernet Networking", nil},
		{0x07, "ATM Networking", nil},
		{0x08, "Wireless Handset Control", nil},
		{0x09, "Device Management", nil},
		{0x0a, "Mobile Direct Line", nil},
		{0x0b, "OBEX", nil},
		{0x0c, "Ethernet Emulation", []usbProtocol{
			{0x07, "Ethernet Emulation (EEM)"},
		}},
	}},
	{0x03, "Human Interface Device", []usbSubclass{
		{0x00, "No Subclass", nil},
		{0x01, "Boot Interface Subclass", []usbProtocol{
			{0x00, "None"},
			{0x01, "Keyboard"},
			{0x02, "Mouse"},
		}},
	}},
	{0x05, "Physical Interface Device", nil},
	{0x06, "Imaging", []usbSubclass{
		{0x01, "Still Image Capture", []usbProtocol{
			{0x01, "Picture Transfer Protocol (PIMA 15470)"},
		}},
	}},
	{0x07, "Printer", []usbSubclass{
		{0x01, "Printer", []usbProtocol{
			{0x00, "Reserved/Undefined"},
			{0x01, "Unidirectional"},
			{0x02, "Bidirectional"},
			{0x03, "IEEE 1284.4 compatible bidirectional"},
			{0xff, "Vendor Specific"},
		}},
	}},
	{0x08, "Mass Storage", []usbSubclass{
		{0x01, "RBC (typically Flash)", []usbProtocol{
			{0x00, "Control/Bulk/Interrupt"},
			{0x01, "Control/Bulk"},
			{0x50, "Bulk-Only"},
		}},
		{0x02, "SFF-8020i, MMC-2 (ATAPI)", nil},
		{0x03, "QIC-157", nil},
		{0x04, "Floppy (UFI)", []usbProtocol{
			{0x00, "Control/Bulk/Interrupt"},
			{0x01, "Control/Bulk"},
			{0x50, "Bulk-Only"},
		}},
		{0x05, "SFF-8070i", nil},
		{0x06, "SCSI", []usbProtocol{
			{0x00, "Control/Bulk/Interrupt"},
			{0x01, "Control/Bulk"},
			{0x50, "Bulk-Only"},
		}},
	}},
	{0x09, "Hub", []usbSubclass{
		{0x00, "Unused", []usbProtocol{
			{0x00, "Full speed (or root) hub"},
			{0x01, "Single TT"},
			{0x02, "TT per port"},
		}},
	}},
	{0x0a, "CDC Data", nil},
	{0x0b, "Chip/SmartCard", nil},
	{0x0d, "Content Security", nil},
	{0x0e, "Video", []usbSubclass{
		{0x00, "Undefined", nil},
		{0x01, "Video Control", nil},
		{0x02, "Video Streaming", nil},
		{0x03, "Video Interface Collection", nil},
	}},
	{0x0f, "Personal Healthcare", nil},
	{0x10, "Audio/Video", nil},
	{0x11, "Billboard", nil},
	{0x58, "Xbox", []usbSubclass{
		{0x42, "Controller", nil},
	}},
	{0xdc, "Diagnostic", []usbSubclass{
		{0x01, "Reprogrammable Diagnostics", []usbProtocol{
			{0x01, "USB2 Compliance"},
		}},
	}},
	{0xe0, "Wireless", []usbSubclass{
		{0x01, "Radio Frequency", []usbProtocol{
			{0x01, "Bluetooth"},
			{0x02, "Ultra WideBand Radio Control"},
			{0x03, "RNDIS"},
		}},
		{0x02, "Wireless USB Wire Adapter", []usbProtocol{
			{0x01, "Host Wire Adapter Control/Data Streaming"},
			{0x02, "Device Wire Adapter Control/Data Streaming"},
			{0x03, "Device Wire Adapter Isochronous Streaming"},
		}},
	}},
	{0xef, "Miscellaneous Device", []usbSubclass{
		{0x01, "Device Firmware Update", nil},
		{0x02, "Common Class", []usbProtocol{
			{0x01, "Interface Association"},
			{0x02, "Wire Adapter Multifunction Peripheral"},
		}},
	}},
	{0xfe, "Application Specific Interface", []usbSubclass{
		{0x01, "Device Firmware Update", nil},
		{0x02, "IRDA Bridge", nil},
		{0x03, "Test and Measurement", nil},
	}},
	{0xff, "Vendor Specific Class", []usbSubclass{
		{0xff, "Vendor Specific Subclass", []usbProtocol{
			{0xff, "Vendor Specific Protocol"},
		}},
	}},
}

// deviceTypeString builds the human readable type string for a class triple
// by returning the deepest known level: protocol, else subclass, else class.
// An unknown class yields "".
func deviceTypeString(class uint8, subclass uint8, protocol uint8) string {
	for _, c := range usbClasses {
		if c.id != class {
			continue
		}

		for _, s := range c.subs {
			if s.id != subclass {
				continue
			}

			for _, p := range s.prots {
				if p.id == protocol {
					return fmt.Sprintf("%s - %s", c.name, p.name)
				}
			}

			return fmt.Sprintf("%s - %s", c.name, s.name)
		}

		return c.name
	}

	return ""
}
