package subagent

import (
	"regexp"
	"strings"
)

// ProjectNamePattern is the contract for user-supplied project names.
var ProjectNamePattern = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

const maxDerivedNameLen = 40

// DeriveProjectName produces a deterministic, contract-conforming project
// name from a requirement. Used by the orchestrator stage when the user
// did not supply one.
func DeriveProjectName(requirement string) string {
	var b strings.Builder
	lastUnderscore := true // suppress leading underscore
	for _, r := range strings.ToLower(requirement) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastUnderscore = false
		default:
			if !lastUnderscore {
				b.WriteByte('_')
				lastUnderscore = true
			}
		}
		if b.Len() >= maxDerivedNameLen {
			break
		}
	}
	name := strings.Trim(b.String(), "_")
	if name == "" || !ProjectNamePattern.MatchString(name) {
		return "generated_agent"
	}
	return name
}
