package runner

import (
	"os"
	"sort"
	"strings"
)

// DefaultEnvAllowlist is copied from the engine's environment when no list
// is configured.
var DefaultEnvAllowlist = []string{"PATH", "HOME", "LANG", "LC_ALL", "TZ", "TMPDIR"}

// BuildEnv returns a child environment made only of the allow-listed
// variables present in the parent plus the explicit extra pairs. Extra pairs
// win over inherited values. The result is sorted for stable logs.
func BuildEnv(allow []string, extra map[string]string, lookup func(string) (string, bool)) []string {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	if allow == nil {
		allow = DefaultEnvAllowlist
	}
	vals := make(map[string]string, len(allow)+len(extra))
	for _, k := range allow {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		if v, ok := lookup(k); ok {
			vals[k] = v
		}
	}
	for k, v := range extra {
		if k = strings.TrimSpace(k); k != "" && !strings.Contains(k, "=") {
			vals[k] = v
		}
	}
	out := make([]string, 0, len(vals))
	for k, v := range vals {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}
