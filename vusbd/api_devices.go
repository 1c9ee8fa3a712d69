package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/canonical/vusbd/shared/api"
	"github.com/canonical/vusbd/shared/usbid"
	"github.com/canonical/vusbd/shared/validate"
	"github.com/canonical/vusbd/vusbd/device"
	"github.com/canonical/vusbd/vusbd/response"
	"github.com/canonical/vusbd/vusbd/vm"
)

var devicesCmd = APIEndpoint{
	Path: "devices",

	Get: APIEndpointAction{Handler: devicesGet},
}

var deviceCmd = APIEndpoint{
	Path: "devices/{id}",

	Get: APIEndpointAction{Handler: deviceGet},
	Put: APIEndpointAction{Handler: devicePut},
}

// devicesGet lists the present devices. Plain requests return the packed
// IDs; recursion=1 returns full records.
func devicesGet(d *Daemon, r *http.Request) response.Response {
	recursion := r.FormValue("recursion") == "1"

	return d.exec(func() response.Response {
		if !recursion {
			ids := []int{}
			for _, dev := range d.devices.Devices() {
				ids = append(ids, dev.ID())
			}

			return response.SyncResponse(true, ids)
		}

		devices := []api.Device{}
		for _, dev := range d.devices.Devices() {
			devices = append(devices, d.deviceToAPI(dev))
		}

		return response.SyncResponse(true, devices)
	})
}

// deviceToAPI renders a device record for the wire.
func (d *Daemon) deviceToAPI(dev *device.Device) api.Device {
	out := api.Device{
		ID:           dev.ID(),
		BusNumber:    dev.BusNumber,
		DeviceNumber: dev.DeviceNumber,
		VendorID:     fmt.Sprintf("%04x", dev.VendorID),
		ProductID:    fmt.Sprintf("%04x", dev.ProductID),
		Serial:       dev.Serial,
		Name:         dev.ShortName,
		Description:  dev.LongName,
		Sysname:      dev.Sysname,
		Types:        dev.Type.Strings(),
	}

	if dev.Assigned() {
		v := d.vms.Lookup(dev.AssignedDomID)
		if v != nil {
			out.AssignedVM = v.UUID
		}
	}

	return out
}

// requestDeviceID parses the {id} path variable.
func requestDeviceID(r *http.Request) (int, error) {
	id, err := strconv.Atoi(mux.Vars(r)["id"])
	if err != nil {
		return 0, fmt.Errorf("Invalid device ID %q", mux.Vars(r)["id"])
	}

	return id, nil
}

// deviceGet answers the management UI's device info query: name, state as
// seen from the caller's VM, assignment and detail.
func deviceGet(d *Daemon, r *http.Request) response.Response {
	id, err := requestDeviceID(r)
	if err != nil {
		return response.BadRequest(err)
	}

	callerUUID := r.FormValue("vm_uuid")
	if callerUUID != "" {
		callerUUID, err = vm.CanonicalUUID(callerUUID)
		if err != nil {
			return response.BadRequest(err)
		}
	}

	return d.exec(func() response.Response {
		bus, devnum := usbid.Unpack(id)

		dev := d.devices.LookupByBusDev(bus, devnum)
		if dev == nil {
			return response.NotFound(fmt.Errorf("Device %d not found", id))
		}

		info := api.DeviceInfo{
			Name:   dev.ShortName,
			State:  d.deviceState(dev, callerUUID),
			Detail: dev.LongName,
		}

		if dev.Assigned() {
			v := d.vms.Lookup(dev.AssignedDomID)
			if v != nil {
				info.AssignedVM = v.UUID
			}
		}

		return response.SyncResponse(true, info)
	})
}

// deviceState resolves the state enum for a device as seen by callerUUID.
func (d *Daemon) deviceState(dev *device.Device, callerUUID string) int {
	sticky := d.policy.StickyLookup(dev)
	optical := dev.Type.Has(device.TypeOptical)

	if dev.Assigned() {
		assignedUUID := ""
		v := d.vms.Lookup(dev.AssignedDomID)
		if v != nil {
			assignedUUID = v.UUID
		}

		if assignedUUID != callerUUID {
			return api.DeviceStateInUse
		}

		if sticky != nil && sticky.VMUUID == callerUUID {
			return api.DeviceStateThisAlways
		}

		return api.DeviceStateThis
	}

	if sticky != nil {
		if optical {
			return api.DeviceStateCdAlways
		}

		if sticky.VMUUID == callerUUID {
			return api.DeviceStateAlwaysOnlyThis
		}

		return api.DeviceStateAssigned
	}

	if optical {
		return api.DeviceStateCdDom0
	}

	return api.DeviceStateUnused
}

// devicePut dispatches the device actions: assign, unassign, sticky, name.
func devicePut(d *Daemon, r *http.Request) response.Response {
	id, err := requestDeviceID(r)
	if err != nil {
		return response.BadRequest(err)
	}

	var req api.DevicePut
	err = json.NewDecoder(r.Body).Decode(&req)
	if err != nil {
		return response.BadRequest(err)
	}

	switch req.Action {
	case "assign":
		err := validate.IsUUID(req.VMUUID)
		if err != nil {
			return response.BadRequest(err)
		}

		return d.exec(func() response.Response { return d.assignDevice(id, req.VMUUID) })

	case "unassign":
		return d.exec(func() response.Response { return d.unassignDevice(id) })

	case "sticky":
		return d.exec(func() response.Response {
			var err error
			if req.Sticky != 0 {
				err = d.policy.StickySet(id)
			} else {
				err = d.policy.StickyUnset(id)
			}

			if err != nil {
				return response.SmartError(err)
			}

			return response.EmptySyncResponse
		})

	case "name":
		// Accepted for protocol compatibility; device names aren't
		// persisted anywhere yet.
		return response.EmptySyncResponse
	}

	return response.BadRequest(fmt.Errorf("Unknown device action %q", req.Action))
}

// assignDevice manually binds a device to a VM, subject to policy.
func (d *Daemon) assignDevice(id int, vmUUID string) response.Response {
	bus, devnum := usbid.Unpack(id)

	dev := d.devices.LookupByBusDev(bus, devnum)
	if dev == nil {
		return response.NotFound(fmt.Errorf("Device %d not found", id))
	}

	v := d.vms.LookupByUUID(vmUUID)
	if v == nil {
		return response.NotFound(fmt.Errorf("VM %s not found", vmUUID))
	}

	if dev.Assigned() {
		return response.Conflict(fmt.Errorf("Device %d is already assigned", id))
	}

	// A sticky rule pointing elsewhere wins over a manual assignment.
	sticky := d.policy.StickyLookup(dev)
	if sticky != nil && sticky.VMUUID != "" && sticky.VMUUID != v.UUID {
		return response.Conflict(fmt.Errorf("Device %d is always assigned to VM %s", id, sticky.VMUUID))
	}

	allowed, matched := d.policy.IsAllowed(dev, v)
	if !allowed {
		reason := "Denied by policy"
		if matched != nil {
			reason = fmt.Sprintf("Denied by policy rule %d", matched.Pos)
		}

		d.events.SendLifecycle(api.EventDeviceRejected, map[string]any{"name": dev.ShortName, "reason": reason})
		return response.Forbidden(fmt.Errorf("%s", reason))
	}

	dev.AssignedDomID = v.DomID

	err := d.attach.Plug(v.DomID, dev.BusNumber, dev.DeviceNumber, dev.VendorID, dev.ProductID)
	if err != nil {
		dev.AssignedDomID = device.UnassignedDomID
		return response.SmartError(err)
	}

	d.events.SendLifecycle(api.EventDevicesChanged, nil)

	return response.EmptySyncResponse
}

// unassignDevice detaches a device from its VM.
func (d *Daemon) unassignDevice(id int) response.Response {
	bus, devnum := usbid.Unpack(id)

	dev := d.devices.LookupByBusDev(bus, devnum)
	if dev == nil {
		return response.NotFound(fmt.Errorf("Device %d not found", id))
	}

	if !dev.Assigned() {
		return response.BadRequest(fmt.Errorf("Device %d is not assigned to a VM", id))
	}

	err := d.unplugDevice(dev)
	if err != nil {
		return response.SmartError(err)
	}

	dev.AssignedDomID = device.UnassignedDomID
	d.events.SendLifecycle(api.EventDevicesChanged, nil)

	return response.EmptySyncResponse
}
