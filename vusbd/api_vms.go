package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"github.com/canonical/vusbd/shared/api"
	"github.com/canonical/vusbd/shared/logger"
	"github.com/canonical/vusbd/vusbd/response"
	"github.com/canonical/vusbd/vusbd/vm"
)

var vmsCmd = APIEndpoint{
	Path: "vms",

	Get:  APIEndpointAction{Handler: vmsGet},
	Post: APIEndpointAction{Handler: vmsPost},
}

var vmCmd = APIEndpoint{
	Path: "vms/{domid}",

	Get:    APIEndpointAction{Handler: vmGet},
	Put:    APIEndpointAction{Handler: vmPut},
	Delete: APIEndpointAction{Handler: vmDelete},
}

func vmToAPI(v *vm.VM) api.VM {
	return api.VM{
		DomID:           v.DomID,
		UUID:            v.UUID,
		Focused:         v.Focused,
		AutoPassthrough: v.AutoPassthrough,
	}
}

func vmsGet(d *Daemon, r *http.Request) response.Response {
	return d.exec(func() response.Response {
		vms := []api.VM{}
		for _, v := range d.vms.VMs() {
			vms = append(vms, vmToAPI(v))
		}

		return response.SyncResponse(true, vms)
	})
}

// vmsPost announces a started VM and runs the sticky rules against it.
func vmsPost(d *Daemon, r *http.Request) response.Response {
	var req api.VMsPost
	err := json.NewDecoder(r.Body).Decode(&req)
	if err != nil {
		return response.BadRequest(err)
	}

	if req.DomID <= 0 {
		return response.BadRequest(fmt.Errorf("Invalid domid %d", req.DomID))
	}

	return d.exec(func() response.Response {
		uuid := req.UUID
		if uuid == "" {
			// The toolstack keeps the VM's uuid in the shared store,
			// under the domain's "vm" key ("/vm/<uuid>").
			value, err := d.store.Read(d.store.GetDomainPath(req.DomID) + "/vm")
			if err != nil {
				return response.BadRequest(fmt.Errorf("Couldn't find UUID for domid %d: %w", req.DomID, err))
			}

			uuid = strings.TrimPrefix(value, "/vm/")
		}

		v, err := d.vms.Add(req.DomID, uuid)
		if err != nil {
			return response.SmartError(err)
		}

		// Hand the VM the devices its always/default rules claim.
		ret := d.policy.AutoAssignToVM(v)
		if ret != 0 {
			logger.Warn("Auto-assignment to new VM finished with errors", logger.Ctx{"domid": v.DomID, "ret": ret})
		}

		d.events.SendLifecycle(api.EventDevicesChanged, nil)

		return response.SyncResponse(true, vmToAPI(v))
	})
}

// requestDomID parses the {domid} path variable.
func requestDomID(r *http.Request) (int, error) {
	domid, err := strconv.Atoi(mux.Vars(r)["domid"])
	if err != nil {
		return 0, fmt.Errorf("Invalid domid %q", mux.Vars(r)["domid"])
	}

	return domid, nil
}

func vmGet(d *Daemon, r *http.Request) response.Response {
	domid, err := requestDomID(r)
	if err != nil {
		return response.BadRequest(err)
	}

	return d.exec(func() response.Response {
		v := d.vms.Lookup(domid)
		if v == nil {
			return response.NotFound(fmt.Errorf("VM with domid %d not found", domid))
		}

		return response.SyncResponse(true, vmToAPI(v))
	})
}

// vmPut updates the focus and auto-passthrough flags, which the management
// UI tracks on behalf of the input stack.
func vmPut(d *Daemon, r *http.Request) response.Response {
	domid, err := requestDomID(r)
	if err != nil {
		return response.BadRequest(err)
	}

	var req api.VMPut
	err = json.NewDecoder(r.Body).Decode(&req)
	if err != nil {
		return response.BadRequest(err)
	}

	return d.exec(func() response.Response {
		v := d.vms.Lookup(domid)
		if v == nil {
			return response.NotFound(fmt.Errorf("VM with domid %d not found", domid))
		}

		v.AutoPassthrough = req.AutoPassthrough

		if req.Focused {
			d.vms.SetFocused(v)
		} else if v.Focused {
			d.vms.SetFocused(nil)
		}

		return response.EmptySyncResponse
	})
}

// vmDelete handles a stopped VM: unplug everything it held, then forget it.
func vmDelete(d *Daemon, r *http.Request) response.Response {
	domid, err := requestDomID(r)
	if err != nil {
		return response.BadRequest(err)
	}

	return d.exec(func() response.Response {
		v := d.vms.Lookup(domid)
		if v == nil {
			return response.NotFound(fmt.Errorf("VM with domid %d not found", domid))
		}

		ret := d.devices.UnplugAllFromVM(domid, d.unplugDevice)
		if ret != 0 {
			logger.Warn("Some devices failed to detach from the stopped VM", logger.Ctx{"domid": domid})
		}

		err := d.vms.Remove(domid)
		if err != nil {
			return response.SmartError(err)
		}

		d.events.SendLifecycle(api.EventDevicesChanged, nil)

		return response.EmptySyncResponse
	})
}
