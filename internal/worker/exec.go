package worker

import (
	"regexp"
	"sort"
	"strings"
)

// envRef matches shell-style $UPPER_NAME references inside argument
// strings. Lower-case and ${...} forms are intentionally not expanded.
var envRef = regexp.MustCompile(`\$[A-Z_][A-Z0-9_]*`)

// mergeEnv overlays overrides onto base ("KEY=VALUE" entries); an
// override wins on key collision. New keys are appended in sorted order
// so the result is deterministic.
func mergeEnv(base []string, overrides map[string]string) []string {
	out := make([]string, 0, len(base)+len(overrides))
	replaced := make(map[string]bool, len(overrides))

	for _, kv := range base {
		key, _, ok := strings.Cut(kv, "=")
		if ok {
			if v, hit := overrides[key]; hit {
				out = append(out, key+"="+v)
				replaced[key] = true
				continue
			}
		}
		out = append(out, kv)
	}

	extra := make([]string, 0, len(overrides))
	for key, v := range overrides {
		if !replaced[key] {
			extra = append(extra, key+"="+v)
		}
	}
	sort.Strings(extra)
	return append(out, extra...)
}

// expandArgs resolves $UPPER_NAME references in each argument against
// env. References with no matching key stay verbatim.
func expandArgs(args []string, env []string) []string {
	vals := make(map[string]string, len(env))
	for _, kv := range env {
		if key, v, ok := strings.Cut(kv, "="); ok {
			vals[key] = v
		}
	}

	out := make([]string, len(args))
	for i, arg := range args {
		out[i] = envRef.ReplaceAllStringFunc(arg, func(ref string) string {
			if v, ok := vals[ref[1:]]; ok {
				return v
			}
			return ref
		})
	}
	return out
}
