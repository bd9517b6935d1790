package settings

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
)

// validate is the shared validator instance. Struct tag is `validate`.
var validate = validator.New()

// encodeDefaults converts a schema prototype to its plain map form using
// mapstructure tags.
func encodeDefaults(proto any) (map[string]any, error) {
	out := make(map[string]any)
	if err := mapstructure.Decode(proto, &out); err != nil {
		return nil, fmt.Errorf("failed to encode schema defaults; %w", err)
	}
	return out, nil
}

// decodeInto decodes a merged settings map into a schema-shaped pointer.
// Input is weakly typed so JSON numbers decode into int fields.
func decodeInto(merged map[string]any, out any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return fmt.Errorf("failed to build decoder; %w", err)
	}
	return decoder.Decode(merged)
}

// validateSchema runs struct validation and returns human-readable
// violations, one per failed field.
func validateSchema(out any) []string {
	err := validate.Struct(out)
	if err == nil {
		return nil
	}

	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return []string{err.Error()}
	}

	violations := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		violations = append(violations,
			fmt.Sprintf("%s: failed %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value()))
	}
	return violations
}

// deepMerge merges src into dst recursively. Nested maps merge; any other
// value in src overwrites dst. Returns dst.
func deepMerge(dst, src map[string]any) map[string]any {
	for key, sv := range src {
		if sm, ok := sv.(map[string]any); ok {
			if dm, ok := dst[key].(map[string]any); ok {
				dst[key] = deepMerge(dm, sm)
				continue
			}
			dst[key] = copyMap(sm)
			continue
		}
		dst[key] = sv
	}
	return dst
}

// copyMap returns a deep copy of a settings map.
func copyMap(src map[string]any) map[string]any {
	dst := make(map[string]any, len(src))
	for key, value := range src {
		if m, ok := value.(map[string]any); ok {
			dst[key] = copyMap(m)
			continue
		}
		dst[key] = value
	}
	return dst
}

// lookupPath walks a dotted key path through nested maps.
func lookupPath(tree map[string]any, path []string) (any, bool) {
	if len(path) == 0 {
		return nil, false
	}
	value, ok := tree[path[0]]
	if !ok {
		return nil, false
	}
	if len(path) == 1 {
		return value, true
	}
	sub, ok := value.(map[string]any)
	if !ok {
		return nil, false
	}
	return lookupPath(sub, path[1:])
}

// setPath writes a value at a dotted key path, creating intermediate maps.
func setPath(tree map[string]any, path []string, value any) {
	if len(path) == 0 {
		return
	}
	if len(path) == 1 {
		tree[path[0]] = value
		return
	}
	sub, ok := tree[path[0]].(map[string]any)
	if !ok {
		sub = make(map[string]any)
		tree[path[0]] = sub
	}
	setPath(sub, path[1:], value)
}

// coerceValue converts value to the type of sample, the schema default at
// the same key. Strings are parsed; JSON numbers (float64) convert to int
// samples when integral.
func coerceValue(value, sample any) (any, error) {
	switch sample.(type) {
	case bool:
		return coerceBool(value)
	case int, int8, int16, int32, int64:
		return coerceInt(value)
	case float32, float64:
		return coerceFloat(value)
	case string:
		if s, ok := value.(string); ok {
			return s, nil
		}
		return fmt.Sprintf("%v", value), nil
	case []string, []any:
		return coerceList(value)
	default:
		return value, nil
	}
}

func coerceBool(value any) (any, error) {
	switch v := value.(type) {
	case bool:
		return v, nil
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "true", "1", "yes":
			return true, nil
		case "false", "0", "no":
			return false, nil
		}
		return nil, fmt.Errorf("cannot parse %q as bool", v)
	case float64:
		return v != 0, nil
	case int:
		return v != 0, nil
	default:
		return nil, fmt.Errorf("cannot coerce %T to bool", value)
	}
}

func coerceInt(value any) (any, error) {
	switch v := value.(type) {
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case float64:
		if v != float64(int64(v)) {
			return nil, fmt.Errorf("value %v is not an integer", v)
		}
		return int(v), nil
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return nil, fmt.Errorf("cannot parse %q as int; %w", v, err)
		}
		return n, nil
	default:
		return nil, fmt.Errorf("cannot coerce %T to int", value)
	}
}

func coerceFloat(value any) (any, error) {
	switch v := value.(type) {
	case float64:
		return v, nil
	case int:
		return float64(v), nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return nil, fmt.Errorf("cannot parse %q as float; %w", v, err)
		}
		return f, nil
	default:
		return nil, fmt.Errorf("cannot coerce %T to float", value)
	}
}

func coerceList(value any) (any, error) {
	switch v := value.(type) {
	case []string:
		return v, nil
	case []any:
		items := make([]string, 0, len(v))
		for _, item := range v {
			items = append(items, fmt.Sprintf("%v", item))
		}
		return items, nil
	case string:
		parts := strings.Split(v, ",")
		items := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				items = append(items, trimmed)
			}
		}
		return items, nil
	default:
		return nil, fmt.Errorf("cannot coerce %T to list", value)
	}
}
