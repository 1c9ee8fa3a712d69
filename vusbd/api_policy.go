package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/canonical/vusbd/shared/api"
	"github.com/canonical/vusbd/vusbd/policy"
	"github.com/canonical/vusbd/vusbd/response"
)

var policyCmd = APIEndpoint{
	Path: "policy",

	Get: APIEndpointAction{Handler: policyGet},
}

var policyRulesCmd = APIEndpoint{
	Path: "policy/rules",

	Get: APIEndpointAction{Handler: policyRulesGet},
}

var policyRuleCmd = APIEndpoint{
	Path: "policy/rules/{pos}",

	Get:    APIEndpointAction{Handler: policyRuleGet},
	Put:    APIEndpointAction{Handler: policyRulePut},
	Delete: APIEndpointAction{Handler: policyRuleDelete},
}

var policyReloadCmd = APIEndpoint{
	Path: "policy/reload",

	Post: APIEndpointAction{Handler: policyReloadPost},
}

// policyGet lists the rule positions in priority order.
func policyGet(d *Daemon, r *http.Request) response.Response {
	return d.exec(func() response.Response {
		positions := []int{}
		for _, rule := range d.policy.Rules() {
			positions = append(positions, rule.Pos)
		}

		return response.SyncResponse(true, positions)
	})
}

// policyRulesGet returns the full rule list as structured records.
func policyRulesGet(d *Daemon, r *http.Request) response.Response {
	return d.exec(func() response.Response {
		rules := []api.Rule{}
		for _, rule := range d.policy.Rules() {
			rules = append(rules, rule.ToAPI())
		}

		return response.SyncResponse(true, rules)
	})
}

// requestRulePos parses the {pos} path variable.
func requestRulePos(r *http.Request) (int, error) {
	pos, err := strconv.Atoi(mux.Vars(r)["pos"])
	if err != nil || pos < 0 || pos > 0xFFFF {
		return 0, fmt.Errorf("Invalid rule position %q", mux.Vars(r)["pos"])
	}

	return pos, nil
}

func policyRuleGet(d *Daemon, r *http.Request) response.Response {
	pos, err := requestRulePos(r)
	if err != nil {
		return response.BadRequest(err)
	}

	return d.exec(func() response.Response {
		rule := d.policy.GetRule(pos)
		if rule == nil {
			return response.NotFound(fmt.Errorf("No rule at position %d", pos))
		}

		return response.SyncResponse(true, rule.ToAPI())
	})
}

// policyRulePut installs or replaces the rule at the given position. The
// basic (ids and type flags) and advanced (sysattr/property matchers)
// flavours of the management protocol both map onto this: the request simply
// carries the subset of criteria it uses.
func policyRulePut(d *Daemon, r *http.Request) response.Response {
	pos, err := requestRulePos(r)
	if err != nil {
		return response.BadRequest(err)
	}

	var req api.RulePut
	err = json.NewDecoder(r.Body).Decode(&req)
	if err != nil {
		return response.BadRequest(err)
	}

	rule, err := policy.RuleFromAPI(pos, req)
	if err != nil {
		return response.SmartError(err)
	}

	return d.exec(func() response.Response {
		d.policy.AddRule(rule)
		return response.EmptySyncResponse
	})
}

func policyRuleDelete(d *Daemon, r *http.Request) response.Response {
	pos, err := requestRulePos(r)
	if err != nil {
		return response.BadRequest(err)
	}

	return d.exec(func() response.Response {
		err := d.policy.RemoveRule(pos)
		if err != nil {
			return response.SmartError(err)
		}

		return response.EmptySyncResponse
	})
}

// policyReloadPost flushes the in-memory policy and re-reads the settings
// store.
func policyReloadPost(d *Daemon, r *http.Request) response.Response {
	return d.exec(func() response.Response {
		err := d.policy.Reload()
		if err != nil {
			return response.SmartError(err)
		}

		return response.EmptySyncResponse
	})
}
