package dynamo

import "strings"

// PK/SK prefix constants.
const (
	prefixLock     = "LOCK#"
	prefixCooldown = "COOLDOWN#"

	skLock     = "LOCK"
	skCooldown = "COOLDOWN"
)

func lockPK(key string) string { return prefixLock + key }
func lockSK() string           { return skLock }

func cooldownPK(subjectID, category, kind string) string {
	return prefixCooldown + strings.Join([]string{subjectID, category, kind}, "#")
}

func cooldownSK() string { return skCooldown }
