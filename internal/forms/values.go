// ABOUTME: Conversion between typed gateway config values and form text
// ABOUTME: Input is parsed back to the type the backend reported for the key

package forms

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/2389/condor/internal/flow"
)

// formatValue renders a config value as editable text.
func formatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case json.Number:
		return x.String()
	default:
		b, err := json.Marshal(x)
		if err != nil {
			return fmt.Sprint(x)
		}
		return string(b)
	}
}

// typeName describes the expected input for a value's type.
func typeName(v any) string {
	switch v.(type) {
	case bool:
		return "true or false"
	case float64, int, int64, json.Number:
		return "number"
	case []any:
		return "JSON list"
	case map[string]any:
		return "JSON object"
	default:
		return "text"
	}
}

// parseLike converts input to the type of orig.
func parseLike(orig any, input string) (any, error) {
	switch orig.(type) {
	case bool:
		b, err := strconv.ParseBool(strings.TrimSpace(input))
		if err != nil {
			return nil, fmt.Errorf("%q is not true or false", input)
		}
		return b, nil
	case float64, int, int64, json.Number:
		n, err := strconv.ParseFloat(strings.TrimSpace(input), 64)
		if err != nil {
			return nil, fmt.Errorf("%q is not a number", input)
		}
		return n, nil
	case []any:
		var out []any
		if err := json.Unmarshal([]byte(input), &out); err != nil {
			return nil, fmt.Errorf("expected a JSON list: %v", err)
		}
		return out, nil
	case map[string]any:
		var out map[string]any
		if err := json.Unmarshal([]byte(input), &out); err != nil {
			return nil, fmt.Errorf("expected a JSON object: %v", err)
		}
		return out, nil
	default:
		return input, nil
	}
}

// typedValidator accepts input that parses as orig's type and normalizes
// it to its canonical text.
func typedValidator(orig any) flow.Validator {
	return func(_ context.Context, in string, _ flow.Values) (string, error) {
		v, err := parseLike(orig, in)
		if err != nil {
			return "", err
		}
		return formatValue(v), nil
	}
}

// sensitiveKey reports whether a config key likely holds a credential.
func sensitiveKey(key string) bool {
	k := strings.ToLower(key)
	for _, marker := range []string{"private", "secret", "password", "passphrase", "api_key", "apikey"} {
		if strings.Contains(k, marker) {
			return true
		}
	}
	return false
}
