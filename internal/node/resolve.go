package node

import (
	"fmt"
	"regexp"
)

const DefaultName = "main"

var nameRegexp = regexp.MustCompile(`^[a-z0-9_-]{1,64}$`)

// ValidateName checks that name conforms to node naming rules.
func ValidateName(name string) error {
	if !nameRegexp.MatchString(name) {
		return fmt.Errorf("invalid node name %q: must match ^[a-z0-9_-]{1,64}$", name)
	}
	return nil
}

// Resolve determines the node name using precedence:
// 1. flagOverride (--node flag)
// 2. node in config.toml
// 3. "main"
func Resolve(flagOverride, configured string) string {
	if flagOverride != "" {
		return flagOverride
	}
	if configured != "" {
		return configured
	}
	return DefaultName
}
