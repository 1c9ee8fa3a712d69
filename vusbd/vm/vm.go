// Package vm tracks the guests known to the daemon.
package vm

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/canonical/vusbd/shared/api"
	"github.com/canonical/vusbd/shared/logger"
)

// Well known identities.
const (
	// Dom0DomID is the control domain's domid.
	Dom0DomID = 0

	// Dom0UUID is the control domain's UUID.
	Dom0UUID = "00000000-0000-0000-0000-000000000000"

	// UIVMUUID is the UI VM's fixed UUID. Devices are never auto-assigned
	// to it.
	UIVMUUID = "00000000-0000-0000-0000-000000000001"
)

// VM is a known guest.
type VM struct {
	// DomID is the Xen domain ID, negative while the VM isn't running.
	DomID int

	// UUID in canonical 36 character form.
	UUID string

	// Focused marks the VM currently holding input focus.
	Focused bool

	// AutoPassthrough marks a VM that receives new devices while focused.
	AutoPassthrough bool
}

// Running reports whether the VM has a live domain.
func (v *VM) Running() bool {
	return v.DomID > 0
}

// CanonicalUUID canonicalizes a UUID: underscores (as found in management
// stack object paths) become hyphens, and the result must parse as a
// 36 character UUID.
func CanonicalUUID(raw string) (string, error) {
	candidate := strings.ReplaceAll(raw, "_", "-")
	if len(candidate) != 36 {
		return "", fmt.Errorf("Invalid UUID %q: wrong length", raw)
	}

	parsed, err := uuid.Parse(candidate)
	if err != nil {
		return "", fmt.Errorf("Invalid UUID %q: %w", raw, err)
	}

	return parsed.String(), nil
}

// Registry is the set of known VMs, in insertion order.
type Registry struct {
	vms []*VM
}

// NewRegistry returns an empty VM registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Lookup returns the VM with the given domid.
func (r *Registry) Lookup(domid int) *VM {
	for _, v := range r.vms {
		if v.DomID == domid {
			return v
		}
	}

	return nil
}

// LookupByUUID returns the VM with the given canonical UUID.
func (r *Registry) LookupByUUID(uuid string) *VM {
	for _, v := range r.vms {
		if v.UUID == uuid {
			return v
		}
	}

	return nil
}

// Add registers a VM. Re-announcing a known UUID updates its domid (the VM
// restarted); announcing a known domid under a new UUID is an error.
func (r *Registry) Add(domid int, rawUUID string) (*VM, error) {
	canonical, err := CanonicalUUID(rawUUID)
	if err != nil {
		return nil, api.NewStatusError(http.StatusBadRequest, err)
	}

	for _, v := range r.vms {
		if v.UUID == canonical {
			if v.DomID != domid {
				logger.Warn("VM already registered, updating domid", logger.Ctx{"uuid": canonical, "old": v.DomID, "new": domid})
				v.DomID = domid
			}

			return v, nil
		}

		if v.DomID == domid {
			return nil, api.StatusErrorf(http.StatusConflict, "VM with domid %d already registered (%s)", domid, v.UUID)
		}
	}

	logger.Info("Adding VM", logger.Ctx{"domid": domid, "uuid": canonical})

	v := &VM{DomID: domid, UUID: canonical}
	r.vms = append(r.vms, v)

	return v, nil
}

// Remove deletes the VM with the given domid.
func (r *Registry) Remove(domid int) error {
	for i, v := range r.vms {
		if v.DomID == domid {
			logger.Info("Deleting VM", logger.Ctx{"domid": v.DomID, "uuid": v.UUID})
			r.vms = append(r.vms[:i], r.vms[i+1:]...)
			return nil
		}
	}

	return api.StatusErrorf(http.StatusNotFound, "VM with domid %d not found", domid)
}

// VMs returns the VMs in insertion order. The returned slice is shared;
// callers must not mutate it.
func (r *Registry) VMs() []*VM {
	return r.vms
}

// Focused returns the VM currently holding input focus, nil if none.
func (r *Registry) Focused() *VM {
	for _, v := range r.vms {
		if v.Focused {
			return v
		}
	}

	return nil
}

// SetFocused moves input focus to the given VM, clearing it elsewhere.
func (r *Registry) SetFocused(target *VM) {
	for _, v := range r.vms {
		v.Focused = v == target
	}
}

// String renders a one VM per line summary for the state dump.
func (r *Registry) String() string {
	out := ""
	for _, v := range r.vms {
		flags := ""
		if v.Focused {
			flags += " focused"
		}

		if v.AutoPassthrough {
			flags += " auto-passthrough"
		}

		out += fmt.Sprintf("  domid %-5d %s%s\n", v.DomID, v.UUID, flags)
	}

	return out
}
