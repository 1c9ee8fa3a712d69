package main

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/canonical/vusbd/vusbd/response"
)

var stateCmd = APIEndpoint{
	Path: "state",

	Get: APIEndpointAction{Handler: stateGet},
}

// stateGet produces the human readable diagnostic dump.
func stateGet(d *Daemon, r *http.Request) response.Response {
	return d.exec(func() response.Response {
		b := &strings.Builder{}

		fmt.Fprintf(b, "----------DEVICES----------\n")
		b.WriteString(d.devices.String())

		fmt.Fprintf(b, "----------VMS--------------\n")
		b.WriteString(d.vms.String())

		fmt.Fprintf(b, "----------RULES------------\n")
		b.WriteString(d.policy.String())

		fmt.Fprintf(b, "----------VUSB NODES-------\n")
		for _, v := range d.vms.VMs() {
			if !v.Running() {
				continue
			}

			for _, pair := range d.attach.ActiveDevices(v.DomID) {
				fmt.Fprintf(b, "  domid %d: %d.%d\n", v.DomID, pair[0], pair[1])
			}
		}

		fmt.Fprintf(b, "---------------------------\n")

		return response.SyncResponse(true, b.String())
	})
}
