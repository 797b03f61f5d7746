package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

// render writes payload as indented JSON or as sorted "key: value" lines.
// Nested values are inlined as compact JSON in text mode.
func render(w io.Writer, format string, payload map[string]any) error {
	if format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(payload)
	}
	keys := make([]string, 0, len(payload))
	for key := range payload {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		var value string
		switch v := payload[key].(type) {
		case string:
			value = v
		case nil:
			value = "-"
		case []any, map[string]any:
			raw, err := json.Marshal(v)
			if err != nil {
				return err
			}
			value = string(raw)
		default:
			value = fmt.Sprint(v)
		}
		if _, err := fmt.Fprintf(w, "%s: %s\n", key, value); err != nil {
			return err
		}
	}
	return nil
}

// parseAmount validates a decimal token amount before it is sent to vaultd.
func parseAmount(field, raw string) (string, error) {
	value, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("invalid %s %q", field, raw)
	}
	if value.Sign() <= 0 {
		return "", fmt.Errorf("%s must be positive", field)
	}
	return value.String(), nil
}

// parseOptionalAmount allows an empty value.
func parseOptionalAmount(field, raw string) (string, error) {
	if strings.TrimSpace(raw) == "" {
		return "", nil
	}
	return parseAmount(field, raw)
}
