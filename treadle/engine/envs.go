package engine

import (
	"fmt"
	"sort"
)

type EnvVars []string

// ConstructEnvs converts an environment map into a docker-friendly
// []string{"KEY=value", ...} slice, sorted by key so that containers
// are created deterministically.
func ConstructEnvs(envs map[string]string) EnvVars {
	keys := make([]string, 0, len(envs))
	for k := range envs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var dockerEnvs EnvVars
	for _, k := range keys {
		dockerEnvs = append(dockerEnvs, fmt.Sprintf("%s=%s", k, envs[k]))
	}
	return dockerEnvs
}

// Slice returns the EnvVars as a []string slice.
func (ev EnvVars) Slice() []string {
	return ev
}

// AddEnv adds a key=value string to the EnvVars.
func (ev *EnvVars) AddEnv(key, value string) {
	*ev = append(*ev, fmt.Sprintf("%s=%s", key, value))
}
