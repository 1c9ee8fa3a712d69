package policy

import (
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/canonical/vusbd/shared/logger"
	"github.com/canonical/vusbd/vusbd/device"
	"github.com/canonical/vusbd/vusbd/settings"
)

// Settings tree layout.
const (
	rulesPath = "/usb-rules"

	nodeCommand     = "command"
	nodeDescription = "description"
	nodeDevice      = "device"
	nodeVendorID    = "vendor_id"
	nodeDeviceID    = "device_id"
	nodeSerial      = "serial"
	nodeSysattr     = "sysattr"
	nodeProperty    = "property"
	nodeVM          = "vm"
	nodeUUID        = "uuid"
)

// loadRules reads the whole policy from the settings store. Parsing is
// lenient: unknown keys are logged and skipped, broken rules are dropped.
func loadRules(store settings.Store) ([]*Rule, error) {
	names, err := store.List(rulesPath)
	if err != nil {
		if errors.Is(err, settings.ErrNotFound) {
			// No policy yet.
			return nil, nil
		}

		return nil, fmt.Errorf("Failed to list the policy tree: %w", err)
	}

	var rules []*Rule
	for _, name := range names {
		pos, err := strconv.Atoi(name)
		if err != nil {
			logger.Warn("Ignoring policy entry with a non-numeric position", logger.Ctx{"entry": name})
			continue
		}

		rule, err := loadRule(store, pos)
		if err != nil {
			logger.Warn("Ignoring broken policy rule", logger.Ctx{"pos": pos, "err": err})
			continue
		}

		rules = append(rules, rule)
	}

	sort.Slice(rules, func(i, j int) bool { return rules[i].Pos < rules[j].Pos })

	return rules, nil
}

func loadRule(store settings.Store, pos int) (*Rule, error) {
	base := fmt.Sprintf("%s/%d", rulesPath, pos)

	keys, err := store.List(base)
	if err != nil {
		return nil, err
	}

	rule := &Rule{Pos: pos}
	for _, key := range keys {
		switch key {
		case nodeCommand:
			value, err := store.Get(base + "/" + nodeCommand)
			if err != nil {
				return nil, err
			}

			rule.Cmd, err = ParseCommand(value)
			if err != nil {
				return nil, err
			}

		case nodeDescription:
			rule.Description, _ = store.Get(base + "/" + nodeDescription)

		case nodeDevice:
			err := loadRuleDevice(store, base+"/"+nodeDevice, rule)
			if err != nil {
				return nil, err
			}

		case nodeVM:
			rule.VMUUID, _ = store.Get(base + "/" + nodeVM + "/" + nodeUUID)

		default:
			logger.Warn("Unknown rule attribute", logger.Ctx{"pos": pos, "attribute": key})
		}
	}

	return rule, nil
}

func loadRuleDevice(store settings.Store, base string, rule *Rule) error {
	keys, err := store.List(base)
	if err != nil {
		return err
	}

	for _, key := range keys {
		flag, isFlag := device.TypeFromName(key)
		if isFlag {
			value, err := store.Get(base + "/" + key)
			if err != nil {
				continue
			}

			if value == "0" {
				rule.DeviceNotType |= flag
			} else {
				rule.DeviceType |= flag
			}

			continue
		}

		switch key {
		case nodeVendorID:
			value, _ := store.Get(base + "/" + nodeVendorID)
			parsed, err := strconv.ParseUint(value, 16, 16)
			if err != nil {
				return fmt.Errorf("Invalid vendor ID %q: %w", value, err)
			}

			rule.DeviceVendorID = uint16(parsed)

		case nodeDeviceID:
			value, _ := store.Get(base + "/" + nodeDeviceID)
			parsed, err := strconv.ParseUint(value, 16, 16)
			if err != nil {
				return fmt.Errorf("Invalid device ID %q: %w", value, err)
			}

			rule.DeviceProductID = uint16(parsed)

		case nodeSerial:
			rule.DeviceSerial, _ = store.Get(base + "/" + nodeSerial)

		case nodeSysattr:
			rule.DeviceSysattrs = loadRulePairs(store, base+"/"+nodeSysattr)

		case nodeProperty:
			rule.DeviceProperties = loadRulePairs(store, base+"/"+nodeProperty)

		default:
			logger.Warn("Unknown device attribute", logger.Ctx{"attribute": key})
		}
	}

	return nil
}

func loadRulePairs(store settings.Store, base string) map[string]string {
	keys, err := store.List(base)
	if err != nil {
		return nil
	}

	pairs := map[string]string{}
	for _, key := range keys {
		value, err := store.Get(base + "/" + key)
		if err != nil {
			continue
		}

		pairs[key] = value
	}

	return pairs
}

// saveRules writes the whole policy back: the subtree is cleared and every
// rule rewritten.
func saveRules(store settings.Store, rules []*Rule) error {
	err := store.Remove(rulesPath)
	if err != nil {
		return fmt.Errorf("Failed to clear the policy tree: %w", err)
	}

	for _, rule := range rules {
		err = saveRule(store, rule)
		if err != nil {
			return err
		}
	}

	return nil
}

func saveRule(store settings.Store, rule *Rule) error {
	base := fmt.Sprintf("%s/%d", rulesPath, rule.Pos)

	set := func(key string, value string) error {
		return store.Set(base+"/"+key, value)
	}

	err := set(nodeCommand, rule.Cmd.String())
	if err != nil {
		return fmt.Errorf("Failed to persist rule %d: %w", rule.Pos, err)
	}

	if rule.Description != "" {
		err = set(nodeDescription, rule.Description)
		if err != nil {
			return err
		}
	}

	for _, name := range rule.DeviceType.Strings() {
		err = set(nodeDevice+"/"+name, "1")
		if err != nil {
			return err
		}
	}

	for _, name := range rule.DeviceNotType.Strings() {
		err = set(nodeDevice+"/"+name, "0")
		if err != nil {
			return err
		}
	}

	if rule.DeviceVendorID != 0 {
		err = set(nodeDevice+"/"+nodeVendorID, fmt.Sprintf("%04X", rule.DeviceVendorID))
		if err != nil {
			return err
		}
	}

	if rule.DeviceProductID != 0 {
		err = set(nodeDevice+"/"+nodeDeviceID, fmt.Sprintf("%04X", rule.DeviceProductID))
		if err != nil {
			return err
		}
	}

	if rule.DeviceSerial != "" {
		err = set(nodeDevice+"/"+nodeSerial, rule.DeviceSerial)
		if err != nil {
			return err
		}
	}

	for key, value := range rule.DeviceSysattrs {
		err = set(nodeDevice+"/"+nodeSysattr+"/"+key, value)
		if err != nil {
			return err
		}
	}

	for key, value := range rule.DeviceProperties {
		err = set(nodeDevice+"/"+nodeProperty+"/"+key, value)
		if err != nil {
			return err
		}
	}

	if rule.VMUUID != "" {
		err = set(nodeVM+"/"+nodeUUID, rule.VMUUID)
		if err != nil {
			return err
		}
	}

	return nil
}
