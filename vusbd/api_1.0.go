package main

import (
	"net/http"
	"os"

	"golang.org/x/sys/unix"

	"github.com/canonical/vusbd/shared/api"
	"github.com/canonical/vusbd/shared/version"
	"github.com/canonical/vusbd/vusbd/response"
)

var api10Cmd = APIEndpoint{
	Get: APIEndpointAction{Handler: api10Get},
}

var api10 = []APIEndpoint{
	api10Cmd,
	devicesCmd,
	deviceCmd,
	eventsCmd,
	policyCmd,
	policyReloadCmd,
	policyRulesCmd,
	policyRuleCmd,
	stateCmd,
	vmsCmd,
	vmCmd,
}

func api10Get(d *Daemon, r *http.Request) response.Response {
	var uname unix.Utsname
	_ = unix.Uname(&uname)

	env := api.ServerEnvironment{
		Kernel:        unix.ByteSliceToString(uname.Sysname[:]),
		KernelVersion: unix.ByteSliceToString(uname.Release[:]),
		Server:        "vusbd",
		ServerPid:     os.Getpid(),
		ServerVersion: version.Version,
		StubMode:      d.stubMode,
	}

	srv := api.Server{
		APIVersion:  version.APIVersion,
		APIStatus:   "stable",
		Environment: env,
	}

	return response.SyncResponse(true, srv)
}
