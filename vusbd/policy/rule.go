// Package policy implements the rule list deciding which VM receives which
// USB device, and the automatic assignment driven by it.
package policy

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/canonical/vusbd/shared/api"
	"github.com/canonical/vusbd/vusbd/device"
	"github.com/canonical/vusbd/vusbd/vm"
)

// Command is a rule's effect.
type Command int

// Rule commands, in priority-neutral declaration order. Always and Default
// both imply Allow.
const (
	CommandAlways Command = iota
	CommandDefault
	CommandAllow
	CommandDeny
)

// ParseCommand parses a command name.
func ParseCommand(name string) (Command, error) {
	switch name {
	case "always":
		return CommandAlways, nil
	case "default":
		return CommandDefault, nil
	case "allow":
		return CommandAllow, nil
	case "deny":
		return CommandDeny, nil
	}

	return 0, api.StatusErrorf(http.StatusBadRequest, "Unknown command %q", name)
}

// String returns the command name.
func (c Command) String() string {
	switch c {
	case CommandAlways:
		return "always"
	case CommandDefault:
		return "default"
	case CommandAllow:
		return "allow"
	case CommandDeny:
		return "deny"
	}

	return "unknown"
}

// Rule is one policy record. Zero valued criteria are wildcards; a rule with
// no criteria at all matches every device and every VM.
type Rule struct {
	// Pos is the rule's identity and priority, lower wins.
	Pos int

	// Cmd is the rule's effect.
	Cmd Command

	// Description is free form.
	Description string

	// Device criteria.
	DeviceVendorID   uint16 // 0 for any
	DeviceProductID  uint16 // 0 for any
	DeviceSerial     string // "" for any
	DeviceType       device.Type
	DeviceNotType    device.Type
	DeviceSysattrs   map[string]string
	DeviceProperties map[string]string

	// VM criteria.
	VMUUID string // "" for any
}

// MatchesDevice reports whether every non-empty device criterion matches.
func (r *Rule) MatchesDevice(d *device.Device) bool {
	if r.DeviceVendorID != 0 && d.VendorID != r.DeviceVendorID {
		return false
	}

	if r.DeviceProductID != 0 && d.ProductID != r.DeviceProductID {
		return false
	}

	if r.DeviceSerial != "" && (d.Serial == "" || d.Serial != r.DeviceSerial) {
		return false
	}

	// All required type bits must be present.
	if r.DeviceType != 0 && !d.Type.Has(r.DeviceType) {
		return false
	}

	// No forbidden type bit may be present.
	if r.DeviceNotType != 0 && d.Type&r.DeviceNotType != 0 {
		return false
	}

	for key, value := range r.DeviceSysattrs {
		if !nodeTreeHasSysattr(d.Node, key, value) {
			return false
		}
	}

	for key, value := range r.DeviceProperties {
		if !nodeTreeHasProperty(d.Node, key, value) {
			return false
		}
	}

	return true
}

// MatchesVM reports whether the VM criterion matches.
func (r *Rule) MatchesVM(v *vm.VM) bool {
	return r.VMUUID == "" || r.VMUUID == v.UUID
}

// nodeTree walks the device node, its ancestors and its descendants.
func nodeTree(node device.Node) []device.Node {
	if node == nil {
		return nil
	}

	nodes := []device.Node{node}
	nodes = append(nodes, node.Children()...)

	for parent := node.Parent(); parent != nil; parent = parent.Parent() {
		nodes = append(nodes, parent)
	}

	return nodes
}

func nodeTreeHasSysattr(node device.Node, key string, value string) bool {
	for _, n := range nodeTree(node) {
		if n.SysattrValue(key) == value {
			return true
		}
	}

	return false
}

func nodeTreeHasProperty(node device.Node, key string, value string) bool {
	for _, n := range nodeTree(node) {
		if n.PropertyValue(key) == value {
			return true
		}
	}

	return false
}

// ToAPI converts the rule for the wire.
func (r *Rule) ToAPI() api.Rule {
	out := api.Rule{Pos: r.Pos}
	out.Command = r.Cmd.String()
	out.Description = r.Description

	if r.DeviceVendorID != 0 {
		out.Device.VendorID = fmt.Sprintf("%04X", r.DeviceVendorID)
	}

	if r.DeviceProductID != 0 {
		out.Device.ProductID = fmt.Sprintf("%04X", r.DeviceProductID)
	}

	out.Device.Serial = r.DeviceSerial

	if r.DeviceType != 0 || r.DeviceNotType != 0 {
		out.Device.Types = map[string]bool{}
		for _, name := range r.DeviceType.Strings() {
			out.Device.Types[name] = true
		}

		for _, name := range r.DeviceNotType.Strings() {
			out.Device.Types[name] = false
		}
	}

	if len(r.DeviceSysattrs) > 0 {
		out.Device.Sysattrs = r.DeviceSysattrs
	}

	if len(r.DeviceProperties) > 0 {
		out.Device.Properties = r.DeviceProperties
	}

	out.VM.UUID = r.VMUUID

	return out
}

// RuleFromAPI validates and converts a wire rule.
func RuleFromAPI(pos int, put api.RulePut) (*Rule, error) {
	if pos < 0 || pos > 0xFFFF {
		return nil, api.StatusErrorf(http.StatusBadRequest, "Rule position %d out of range", pos)
	}

	cmd, err := ParseCommand(put.Command)
	if err != nil {
		return nil, err
	}

	r := &Rule{
		Pos:         pos,
		Cmd:         cmd,
		Description: put.Description,
	}

	parseID := func(value string) (uint16, error) {
		if value == "" {
			return 0, nil
		}

		parsed, err := strconv.ParseUint(value, 16, 16)
		if err != nil {
			return 0, api.StatusErrorf(http.StatusBadRequest, "Invalid device ID %q, expected up to 4 hex digits", value)
		}

		return uint16(parsed), nil
	}

	r.DeviceVendorID, err = parseID(put.Device.VendorID)
	if err != nil {
		return nil, err
	}

	r.DeviceProductID, err = parseID(put.Device.ProductID)
	if err != nil {
		return nil, err
	}

	r.DeviceSerial = put.Device.Serial

	for name, required := range put.Device.Types {
		flag, ok := device.TypeFromName(name)
		if !ok {
			return nil, api.StatusErrorf(http.StatusBadRequest, "Unknown device type %q", name)
		}

		if required {
			r.DeviceType |= flag
		} else {
			r.DeviceNotType |= flag
		}
	}

	if len(put.Device.Sysattrs) > 0 {
		r.DeviceSysattrs = put.Device.Sysattrs
	}

	if len(put.Device.Properties) > 0 {
		r.DeviceProperties = put.Device.Properties
	}

	if put.VM.UUID != "" {
		canonical, err := vm.CanonicalUUID(put.VM.UUID)
		if err != nil {
			return nil, api.NewStatusError(http.StatusBadRequest, err)
		}

		r.VMUUID = canonical
	}

	return r, nil
}

// String renders the rule for the state dump.
func (r *Rule) String() string {
	parts := []string{fmt.Sprintf("pos %d %s", r.Pos, r.Cmd)}

	if r.DeviceVendorID != 0 {
		parts = append(parts, fmt.Sprintf("vendor=%04X", r.DeviceVendorID))
	}

	if r.DeviceProductID != 0 {
		parts = append(parts, fmt.Sprintf("product=%04X", r.DeviceProductID))
	}

	if r.DeviceSerial != "" {
		parts = append(parts, fmt.Sprintf("serial=%q", r.DeviceSerial))
	}

	if r.DeviceType != 0 {
		parts = append(parts, fmt.Sprintf("type=%v", r.DeviceType.Strings()))
	}

	if r.DeviceNotType != 0 {
		parts = append(parts, fmt.Sprintf("type!=%v", r.DeviceNotType.Strings()))
	}

	if r.VMUUID != "" {
		parts = append(parts, "vm="+r.VMUUID)
	}

	if r.Description != "" {
		parts = append(parts, fmt.Sprintf("(%s)", r.Description))
	}

	return strings.Join(parts, " ")
}
