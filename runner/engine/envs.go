package engine

import (
	"fmt"
	"slices"

	"tangled.sh/tangled.sh/gate/runner/secrets"
)

type EnvVars []string

// ConstructEnvs converts a map of variables into a KEY=value slice, sorted
// by key so the result is stable.
func ConstructEnvs(envs map[string]string) EnvVars {
	keys := make([]string, 0, len(envs))
	for k := range envs {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	var out EnvVars
	for _, k := range keys {
		out.AddEnv(k, envs[k])
	}
	return out
}

// SecretEnvs exposes unlocked secrets as environment variables.
func SecretEnvs(s []secrets.UnlockedSecret) EnvVars {
	var out EnvVars
	for _, sec := range s {
		out.AddEnv(sec.Key, sec.Value)
	}
	return out
}

// Slice returns the EnvVar as a []string slice.
func (ev EnvVars) Slice() []string {
	return ev
}

// AddEnv adds a key=value string to the EnvVar.
func (ev *EnvVars) AddEnv(key, value string) {
	*ev = append(*ev, fmt.Sprintf("%s=%s", key, value))
}

// Append adds every entry of other after the existing ones. Later entries
// win when the slice is handed to a process.
func (ev *EnvVars) Append(other EnvVars) {
	*ev = append(*ev, other...)
}
