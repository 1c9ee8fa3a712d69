package policy

import (
	"fmt"
	"net/http"

	"github.com/canonical/vusbd/shared/api"
	"github.com/canonical/vusbd/shared/logger"
	"github.com/canonical/vusbd/shared/usbid"
	"github.com/canonical/vusbd/vusbd/device"
	"github.com/canonical/vusbd/vusbd/settings"
	"github.com/canonical/vusbd/vusbd/vm"
)

// defaultStickyPos is where user created sticky rules land when the list
// doesn't force a higher priority.
const defaultStickyPos = 1000

// PlugFunc binds the engine to the attach protocol.
type PlugFunc func(v *vm.VM, d *device.Device) error

// Engine owns the in-memory rule list and implements the assignment
// decisions around it.
type Engine struct {
	store   settings.Store
	devices *device.Registry
	vms     *vm.Registry
	plug    PlugFunc

	rules []*Rule // sorted by Pos, unique
}

// NewEngine returns a policy engine. Call Load before use.
func NewEngine(store settings.Store, devices *device.Registry, vms *vm.Registry, plug PlugFunc) *Engine {
	return &Engine{
		store:   store,
		devices: devices,
		vms:     vms,
		plug:    plug,
	}
}

// Load reads the policy from the settings store.
func (e *Engine) Load() error {
	rules, err := loadRules(e.store)
	if err != nil {
		return err
	}

	e.rules = rules
	return nil
}

// Reload flushes the in-memory list and re-reads the settings store.
func (e *Engine) Reload() error {
	e.rules = nil
	return e.Load()
}

// persist writes the current list back to the settings store.
func (e *Engine) persist() {
	err := saveRules(e.store, e.rules)
	if err != nil {
		logger.Error("Failed to persist the policy", logger.Ctx{"err": err})
	}
}

// Rules returns the rules in priority order. The slice is shared; callers
// must not mutate it.
func (e *Engine) Rules() []*Rule {
	return e.rules
}

// GetRule returns the rule at the given position, nil when absent.
func (e *Engine) GetRule(pos int) *Rule {
	for _, rule := range e.rules {
		if rule.Pos == pos {
			return rule
		}

		if rule.Pos > pos {
			break
		}
	}

	return nil
}

// AddRule inserts a rule preserving the position order. A rule already at
// that position is replaced. The policy is persisted.
func (e *Engine) AddRule(rule *Rule) {
	for i, existing := range e.rules {
		if existing.Pos == rule.Pos {
			e.rules[i] = rule
			e.persist()
			return
		}

		if existing.Pos > rule.Pos {
			e.rules = append(e.rules[:i], append([]*Rule{rule}, e.rules[i:]...)...)
			e.persist()
			return
		}
	}

	e.rules = append(e.rules, rule)
	e.persist()
}

// RemoveRule deletes the rule at the given position and persists the policy.
func (e *Engine) RemoveRule(pos int) error {
	for i, rule := range e.rules {
		if rule.Pos == pos {
			e.rules = append(e.rules[:i], e.rules[i+1:]...)
			e.persist()
			return nil
		}
	}

	return api.StatusErrorf(http.StatusNotFound, "No rule at position %d", pos)
}

// IsAllowed walks the rule list and decides whether the pairing is
// permitted. The first rule matching both the device and the VM wins; no
// match means deny. The deciding rule, if any, is returned alongside.
func (e *Engine) IsAllowed(d *device.Device, v *vm.VM) (bool, *Rule) {
	for _, rule := range e.rules {
		if rule.MatchesDevice(d) && rule.MatchesVM(v) {
			return rule.Cmd != CommandDeny, rule
		}
	}

	return false, nil
}

// StickyLookup returns the first always rule matching the device.
func (e *Engine) StickyLookup(d *device.Device) *Rule {
	for _, rule := range e.rules {
		if rule.Cmd == CommandAlways && rule.MatchesDevice(d) {
			return rule
		}
	}

	return nil
}

// DefaultLookup returns the first default rule matching the device.
func (e *Engine) DefaultLookup(d *device.Device) *Rule {
	for _, rule := range e.rules {
		if rule.Cmd == CommandDefault && rule.MatchesDevice(d) {
			return rule
		}
	}

	return nil
}

// StickyUUIDFor returns the VM UUID of the sticky rule matching the device,
// "" when there is none.
func (e *Engine) StickyUUIDFor(devID int) string {
	bus, dev := usbid.Unpack(devID)

	d := e.devices.LookupByBusDev(bus, dev)
	if d == nil {
		return ""
	}

	rule := e.StickyLookup(d)
	if rule == nil {
		return ""
	}

	return rule.VMUUID
}

// ErrAmbiguousDevice refuses operations on devices that can't be told apart
// from a sibling.
var ErrAmbiguousDevice = api.StatusErrorf(http.StatusConflict, "Device is ambiguous: another device shares its vendor and product without a distinguishing serial")

// AutoAssignNewDevice assigns a freshly plugged device per policy: the
// sticky rule's VM, else the default rule's VM, else the focused VM when it
// opted into receiving devices. Returns the VM the device was plugged into,
// nil when the device stays in the control domain.
func (e *Engine) AutoAssignNewDevice(d *device.Device) (*vm.VM, error) {
	if e.devices.IsAmbiguous(d) {
		return nil, ErrAmbiguousDevice
	}

	var target *vm.VM

	rule := e.StickyLookup(d)
	if rule == nil {
		rule = e.DefaultLookup(d)
	}

	if rule != nil {
		target = e.vms.LookupByUUID(rule.VMUUID)
	} else {
		target = e.vms.Focused()
		if target != nil && !target.AutoPassthrough {
			target = nil
		}
	}

	if target == nil || !target.Running() || target.UUID == vm.UIVMUUID {
		return nil, nil
	}

	allowed, _ := e.IsAllowed(d, target)
	if !allowed {
		return nil, nil
	}

	d.AssignedDomID = target.DomID

	err := e.plug(target, d)
	if err != nil {
		d.AssignedDomID = device.UnassignedDomID
		return nil, err
	}

	return target, nil
}

// StickySet synthesises an always rule from a device and its current
// assignment, placing it above every existing rule at or below the default
// sticky position.
func (e *Engine) StickySet(devID int) error {
	bus, dev := usbid.Unpack(devID)

	d := e.devices.LookupByBusDev(bus, dev)
	if d == nil {
		return api.StatusErrorf(http.StatusNotFound, "Device %d not found", devID)
	}

	if !d.Assigned() {
		return api.StatusErrorf(http.StatusBadRequest, "Device %d is not assigned to a VM", devID)
	}

	if e.devices.IsAmbiguous(d) {
		return ErrAmbiguousDevice
	}

	v := e.vms.Lookup(d.AssignedDomID)
	if v == nil {
		return api.StatusErrorf(http.StatusInternalServerError, "Device %d is assigned to an unknown VM", devID)
	}

	pos := defaultStickyPos
	if len(e.rules) > 0 && e.rules[0].Pos <= defaultStickyPos {
		pos = e.rules[0].Pos - 1
	}

	e.AddRule(&Rule{
		Pos:             pos,
		Cmd:             CommandAlways,
		Description:     d.ShortName,
		DeviceVendorID:  d.VendorID,
		DeviceProductID: d.ProductID,
		DeviceSerial:    d.Serial,
		VMUUID:          v.UUID,
	})

	return nil
}

// StickyUnset deletes the sticky rule matching the device.
func (e *Engine) StickyUnset(devID int) error {
	bus, dev := usbid.Unpack(devID)

	d := e.devices.LookupByBusDev(bus, dev)
	if d == nil {
		return api.StatusErrorf(http.StatusNotFound, "Device %d not found", devID)
	}

	rule := e.StickyLookup(d)
	if rule == nil {
		return api.StatusErrorf(http.StatusNotFound, "No sticky rule matches device %d", devID)
	}

	return e.RemoveRule(rule.Pos)
}

// AutoAssignToVM plugs every unassigned device claimed by the new VM's
// always/default rules. Ambiguous matches void their rule: the rule is
// removed after the iteration and the policy persisted. Integrity
// violations (a claimed device bound elsewhere) and plug failures fold into
// the non-zero return.
func (e *Engine) AutoAssignToVM(v *vm.VM) int {
	ret := 0
	cleanse := map[int]bool{}

	for _, rule := range e.rules {
		if rule.Cmd != CommandAlways && rule.Cmd != CommandDefault {
			continue
		}

		if rule.VMUUID == "" || rule.VMUUID != v.UUID {
			continue
		}

		for _, d := range e.devices.Devices() {
			if !rule.MatchesDevice(d) {
				continue
			}

			if d.Assigned() {
				if d.AssignedDomID != v.DomID {
					logger.Error("An always-assign device is assigned to another VM, this shouldn't happen!", logger.Ctx{"device": d.String(), "domid": d.AssignedDomID})
					ret |= 1
				}

				continue
			}

			if e.devices.IsAmbiguous(d) {
				logger.Warn("Sticky rule matches an ambiguous device, scheduling the rule for removal", logger.Ctx{"pos": rule.Pos, "device": d.String()})
				cleanse[rule.Pos] = true
				continue
			}

			// No policy check needed, always implies allow.
			d.AssignedDomID = v.DomID

			err := e.plug(v, d)
			if err != nil {
				logger.Error("Failed to plug device", logger.Ctx{"device": d.String(), "domid": v.DomID, "err": err})
				d.AssignedDomID = device.UnassignedDomID
				ret |= 2
			}
		}
	}

	if len(cleanse) > 0 {
		kept := e.rules[:0]
		for _, rule := range e.rules {
			if !cleanse[rule.Pos] {
				kept = append(kept, rule)
			}
		}

		e.rules = kept
		e.persist()
	}

	return ret
}

// String renders the rule list for the state dump.
func (e *Engine) String() string {
	out := ""
	for _, rule := range e.rules {
		out += fmt.Sprintf("  %s\n", rule)
	}

	return out
}
