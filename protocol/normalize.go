package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"crmlicense.app/licensing/models"
)

var ErrMissingStatus = errors.New("response has no status")

var (
	statusFields      = []string{"status", "license_status"}
	typeFields        = []string{"license_type", "type"}
	packageFields     = []string{"license_package", "package", "package_name"}
	descriptionFields = []string{"license_type_description", "description"}
	expiryFields      = []string{"expires_on", "expiry", "expires_at", "expiration_date", "license_expiry"}
	userLimitFields   = []string{"user_limit", "max_users", "license_user_limit"}
	moduleFields      = []string{"modules", "license_modules", "allowed_modules"}
	messageFields     = []string{"message", "msg"}
)

// Normalize decodes any accepted response variant into the canonical shape.
// It unwraps {"success":..,"data":{..}} envelopes and accepts alias field
// names, numeric or string user limits and list or comma-separated modules.
func Normalize(body []byte) (*Response, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	var raw map[string]interface{}
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	fields := unwrap(raw)

	status := strings.ToLower(stringField(fields, statusFields))
	if status == "" {
		if msg := stringField(raw, []string{"error", "message"}); msg != "" {
			return nil, fmt.Errorf("%w: %s", ErrMissingStatus, msg)
		}
		return nil, ErrMissingStatus
	}

	// an unreadable expiry must not turn into "never expires"
	expires, err := models.ParseDate(stringField(fields, expiryFields))
	if err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	resp := &Response{
		Status:                 status,
		LicenseType:            stringField(fields, typeFields),
		LicensePackage:         stringField(fields, packageFields),
		LicenseTypeDescription: stringField(fields, descriptionFields),
		ExpiresOn:              models.FormatDate(expires),
		UserLimit:              intField(fields, userLimitFields, models.DefaultUserLimit),
		Modules:                listField(fields, moduleFields),
		Message:                stringField(fields, messageFields),
	}
	return resp, nil
}

func unwrap(raw map[string]interface{}) map[string]interface{} {
	if _, ok := raw["status"]; ok {
		return raw
	}
	if data, ok := raw["data"].(map[string]interface{}); ok {
		return data
	}
	return raw
}

func lookup(fields map[string]interface{}, names []string) (interface{}, bool) {
	for _, name := range names {
		if v, ok := fields[name]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

func stringField(fields map[string]interface{}, names []string) string {
	v, ok := lookup(fields, names)
	if !ok {
		return ""
	}
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case json.Number:
		return t.String()
	case bool:
		return strconv.FormatBool(t)
	}
	return ""
}

func intField(fields map[string]interface{}, names []string, fallback int) int {
	v, ok := lookup(fields, names)
	if !ok {
		return fallback
	}

	var n float64
	switch t := v.(type) {
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return fallback
		}
		n = f
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return fallback
		}
		n = f
	default:
		return fallback
	}

	if n <= 0 || n > math.MaxInt32 {
		return fallback
	}
	return int(n)
}

func listField(fields map[string]interface{}, names []string) []string {
	out := []string{}
	v, ok := lookup(fields, names)
	if !ok {
		return out
	}

	var items []string
	switch t := v.(type) {
	case []interface{}:
		for _, item := range t {
			if s, ok := item.(string); ok {
				items = append(items, s)
			}
		}
	case string:
		items = strings.Split(t, ",")
	}

	seen := make(map[string]bool, len(items))
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" || seen[item] {
			continue
		}
		seen[item] = true
		out = append(out, item)
	}
	return out
}
