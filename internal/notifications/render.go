package notifications

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Template bodies use {{key}} placeholders. text/template is deliberately
// not used here: an unresolved key must stay in the output as a literal
// marker and be reported as a warning, which template execution cannot do.
var placeholderPattern = regexp.MustCompile(`\{\{\s*([^{}\s]+)\s*\}\}`)

// Render substitutes every {{key}} in body and subject with the string form
// of properties[key]. Unresolved keys are left as literal markers and
// reported in the returned warning list. Render never fails.
func Render(body, subject string, properties map[string]any) (RenderedPayload, []string) {
	var warnings []string
	seen := make(map[string]bool)

	substitute := func(text string) string {
		return placeholderPattern.ReplaceAllStringFunc(text, func(match string) string {
			key := placeholderPattern.FindStringSubmatch(match)[1]
			value, ok := properties[key]
			if !ok {
				if !seen[key] {
					seen[key] = true
					warnings = append(warnings, key)
				}
				return match
			}
			return formatValue(value)
		})
	}

	return RenderedPayload{Body: substitute(body), Subject: substitute(subject)}, warnings
}

// formatValue produces a stable, locale-independent textual form.
func formatValue(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case float64:
		// JSON decoding yields float64 for all numbers; render integral
		// values without a fractional part.
		if val == float64(int64(val)) {
			return strconv.FormatInt(int64(val), 10)
		}
		return strconv.FormatFloat(val, 'f', -1, 64)
	case json.Number:
		return val.String()
	case time.Time:
		return val.UTC().Format(time.RFC3339)
	default:
		encoded, err := json.Marshal(val)
		if err != nil {
			return ""
		}
		return strings.Trim(string(encoded), `"`)
	}
}
