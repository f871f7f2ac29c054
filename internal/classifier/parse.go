package classifier

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

var requiredFields = []string{"avito_id", "normalized_title", "product_category", "key_specs"}

// ParseResponse extracts the results array from a model answer. Markdown code
// fences and text around the array are tolerated. Elements that are not
// objects or lack a required field are skipped with a warning.
func ParseResponse(text string, logger *zap.Logger) ([]Result, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cleaned := stripFence(strings.TrimSpace(text))
	start := strings.Index(cleaned, "[")
	end := strings.LastIndex(cleaned, "]")
	if start == -1 || end == -1 || end < start {
		return nil, fmt.Errorf("%w: no JSON array in %q", ErrMalformedResponse, truncate(text, 200))
	}

	var raw []json.RawMessage
	if err := json.Unmarshal([]byte(cleaned[start:end+1]), &raw); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedResponse, err)
	}

	results := make([]Result, 0, len(raw))
	for i, elem := range raw {
		var fields map[string]any
		dec := json.NewDecoder(bytes.NewReader(elem))
		dec.UseNumber()
		if err := dec.Decode(&fields); err != nil || fields == nil {
			logger.Warn("Classifier result is not an object", zap.Int("index", i))
			continue
		}
		if missing := missingFields(fields); len(missing) > 0 {
			logger.Warn("Classifier result is missing fields",
				zap.Strings("missing", missing),
				zap.String("id", stringify(fields["avito_id"])),
			)
			continue
		}
		results = append(results, Result{
			ID:              strings.TrimSpace(stringify(fields["avito_id"])),
			NormalizedTitle: strings.TrimSpace(stringify(fields["normalized_title"])),
			Category:        strings.TrimSpace(stringify(fields["product_category"])),
			KeySpecs:        strings.TrimSpace(stringify(fields["key_specs"])),
		})
	}
	return results, nil
}

func stripFence(s string) string {
	open := "```json"
	i := strings.Index(s, open)
	if i == -1 {
		open = "```"
		i = strings.Index(s, open)
	}
	if i == -1 {
		return s
	}
	rest := s[i+len(open):]
	if j := strings.Index(rest, "```"); j != -1 {
		rest = rest[:j]
	}
	return strings.TrimSpace(rest)
}

func missingFields(fields map[string]any) []string {
	var missing []string
	for _, name := range requiredFields {
		if _, ok := fields[name]; !ok {
			missing = append(missing, name)
		}
	}
	return missing
}

// stringify renders a decoded JSON value. Numeric IDs arrive as json.Number.
func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case json.Number:
		return t.String()
	default:
		return fmt.Sprint(t)
	}
}
