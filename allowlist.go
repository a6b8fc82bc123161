package zkfleet

import (
	"strings"

	"github.com/pkg/errors"
)

// ParseDeviceAllowlist parses an allowlist of device keys from its
// environment form. Entries may be separated by commas, semicolons, pipes or
// whitespace; duplicates collapse, first occurrence wins:
//
//	ZK_DEVICE_ALLOWLIST="tmi,lobby"
//	ZK_DEVICE_ALLOWLIST="tmi lobby"
//
// An empty value means no restriction.
func ParseDeviceAllowlist(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.FieldsFunc(raw, func(r rune) bool {
		switch r {
		case ',', ';', '|', ' ', '\t', '\n', '\r':
			return true
		default:
			return false
		}
	})
	out := make([]string, 0, len(parts))
	seen := make(map[string]struct{}, len(parts))
	for _, part := range parts {
		key := strings.TrimSpace(part)
		if key == "" {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, key)
	}
	return out
}

// filterAllowedKeys narrows the registry's keys to the allowlist, keeping
// registry order. An allowlist entry naming no known device is an error: a
// typo must not silently drop a terminal from the managed fleet.
func filterAllowedKeys(reg *Registry, allowlist []string) ([]string, error) {
	if len(allowlist) == 0 {
		return reg.Keys(), nil
	}
	allowed := make(map[string]struct{}, len(allowlist))
	for _, key := range allowlist {
		if _, err := reg.Get(key); err != nil {
			return nil, errors.Wrapf(err, "device allowlist")
		}
		allowed[key] = struct{}{}
	}
	out := make([]string, 0, len(allowed))
	for _, key := range reg.Keys() {
		if _, ok := allowed[key]; ok {
			out = append(out, key)
		}
	}
	return out, nil
}
