// Package protocol defines the validation wire format shared by the license
// server and the embedded client.
package protocol

import (
	"errors"
	"strings"

	"crmlicense.app/licensing/models"
)

const (
	ActionValidate = "validate"
	ActionInfo     = "info"
	ActionStatus   = "status"
)

// Callback-style method names accepted on the generic callback path.
const (
	MethodValidate = "license.validate"
	MethodInfo     = "license.info"
	MethodStatus   = "license.status"
)

// Statuses a server may answer with besides the stored license statuses.
// Clients treat all of them as revocation.
const (
	StatusDeleted  = "deleted"
	StatusNotFound = "not_found"
	StatusInactive = "inactive"
)

var (
	ErrMissingKey    = errors.New("license_key is required")
	ErrMissingDomain = errors.New("domain is required")
	ErrUnknownMethod = errors.New("unknown callback method")
)

type Request struct {
	LicenseKey string `json:"license_key"`
	Domain     string `json:"domain,omitempty"`
	Action     string `json:"action,omitempty"`
}

// Normalized trims fields and defaults the action. Anything other than info
// or status is treated as validate.
func (r Request) Normalized() Request {
	r.LicenseKey = strings.TrimSpace(r.LicenseKey)
	r.Domain = strings.TrimSpace(r.Domain)
	r.Action = strings.ToLower(strings.TrimSpace(r.Action))
	switch r.Action {
	case ActionInfo, ActionStatus:
	default:
		r.Action = ActionValidate
	}
	return r
}

// Check reports missing required fields. The domain is only required for
// the validate action.
func (r Request) Check() error {
	if r.LicenseKey == "" {
		return ErrMissingKey
	}
	if r.Action == ActionValidate && r.Domain == "" {
		return ErrMissingDomain
	}
	return nil
}

type Response struct {
	Status                 string   `json:"status"`
	LicenseType            string   `json:"license_type"`
	LicensePackage         string   `json:"license_package"`
	LicenseTypeDescription string   `json:"license_type_description"`
	ExpiresOn              string   `json:"expires_on"`
	UserLimit              int      `json:"user_limit"`
	Modules                []string `json:"modules"`
	Message                string   `json:"message"`
}

// Invalid builds a business-invalid answer.
func Invalid(message string) Response {
	return Response{
		Status:  models.StatusInvalid,
		Modules: []string{},
		Message: message,
	}
}

// IsRevoked reports whether status means the key no longer exists or may not
// be used at all.
func IsRevoked(status string) bool {
	switch status {
	case models.StatusInvalid, StatusDeleted, StatusNotFound, StatusInactive:
		return true
	}
	return false
}

type CallbackEnvelope struct {
	Method string  `json:"method"`
	Params Request `json:"params"`
}

// ActionFor maps a callback method to a request action.
func ActionFor(method string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(method)) {
	case MethodValidate, "validate", "":
		return ActionValidate, nil
	case MethodInfo, "info":
		return ActionInfo, nil
	case MethodStatus, "status":
		return ActionStatus, nil
	}
	return "", ErrUnknownMethod
}

type CallbackResponse struct {
	Success bool      `json:"success"`
	Data    *Response `json:"data,omitempty"`
	Error   string    `json:"error,omitempty"`
}
