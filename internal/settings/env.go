package settings

import (
	"log/slog"
	"os"
	"strings"
)

// environMap snapshots the process environment as a map.
func environMap() map[string]string {
	env := make(map[string]string)
	for _, kv := range os.Environ() {
		if idx := strings.IndexByte(kv, '='); idx > 0 {
			env[kv[:idx]] = kv[idx+1:]
		}
	}
	return env
}

// parseEnvLayer extracts a module's environment overrides: variables whose
// name starts with the module's prefix are stripped, lowercased, and mapped
// onto the defaults tree. Underscores resolve to nesting greedily against
// the keys the schema declares; values are coerced to the default's type.
// Variables that do not map onto a known key are logged and ignored.
func parseEnvLayer(environ map[string]string, prefix string, defaults map[string]any, logger *slog.Logger) map[string]any {
	layer := make(map[string]any)

	for name, raw := range environ {
		if !strings.HasPrefix(name, prefix) {
			continue
		}

		rest := strings.ToLower(strings.TrimPrefix(name, prefix))
		parts := strings.Split(rest, "_")

		path, sample, ok := matchEnvPath(parts, defaults)
		if !ok {
			logger.Warn("environment variable does not match a settings key, ignoring",
				"variable", name)
			continue
		}

		value, err := coerceValue(raw, sample)
		if err != nil {
			logger.Warn("environment variable value has incompatible type, ignoring",
				"variable", name, "error", err)
			continue
		}

		setPath(layer, path, value)
	}

	return layer
}

// matchEnvPath resolves underscore-separated parts against the defaults
// tree. At each level the longest underscore-joined run matching a declared
// key wins, so TIMEOUT_SECONDS matches key "timeout_seconds" before trying
// "timeout" as a nesting level.
func matchEnvPath(parts []string, tree map[string]any) ([]string, any, bool) {
	for take := len(parts); take >= 1; take-- {
		key := strings.Join(parts[:take], "_")
		value, ok := tree[key]
		if !ok {
			continue
		}

		if take == len(parts) {
			if _, isMap := value.(map[string]any); isMap {
				// Path ends on a section, not a leaf.
				continue
			}
			return []string{key}, value, true
		}

		sub, isMap := value.(map[string]any)
		if !isMap {
			continue
		}
		rest, sample, ok := matchEnvPath(parts[take:], sub)
		if !ok {
			continue
		}
		return append([]string{key}, rest...), sample, true
	}
	return nil, nil, false
}
