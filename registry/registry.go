// Package registry derives the authoritative state of a license from the
// store: its effective status, entitlements and domain authorization.
package registry

import (
	"context"
	"errors"
	"time"

	"crmlicense.app/licensing/internal/logger"
	"crmlicense.app/licensing/internal/metrics"
	"crmlicense.app/licensing/models"
	"crmlicense.app/licensing/protocol"
	"crmlicense.app/licensing/storage"
)

// ErrNotFound is returned when the key is unknown or its owner is gone.
var ErrNotFound = errors.New("license not found")

type Registry struct {
	store   storage.Storage
	now     func() time.Time
	metrics *metrics.Metrics
}

type Option func(*Registry)

func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

func New(store storage.Storage, opts ...Option) *Registry {
	r := &Registry{store: store, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Registry) Store() storage.Storage {
	return r.store
}

// Record is a resolved license ready to be reported to a client.
type Record struct {
	License        *models.License
	Customer       *models.Customer
	Package        *models.LicensePackage
	Status         string
	Modules        []string
	UserLimit      int
	AllowedDomains []string
}

// Response renders the record in wire format.
func (rec *Record) Response() protocol.Response {
	resp := protocol.Response{
		Status:                 rec.Status,
		LicenseType:            rec.License.LicenseType,
		LicenseTypeDescription: rec.License.Description,
		ExpiresOn:              rec.License.ExpiryString(),
		UserLimit:              rec.UserLimit,
		Modules:                append([]string{}, rec.Modules...),
	}
	if rec.Package != nil {
		resp.LicensePackage = rec.Package.Name
		if resp.LicenseTypeDescription == "" {
			resp.LicenseTypeDescription = rec.Package.Description
		}
	}
	return resp
}

// DeriveStatus applies the status rules: a stored invalid or suspended status
// always wins, then a passed expiry yields expired, otherwise active.
func DeriveStatus(license *models.License, now time.Time) string {
	switch license.Status {
	case models.StatusInvalid, models.StatusSuspended:
		return license.Status
	}
	if license.ExpiresOn != nil && now.After(*license.ExpiresOn) {
		return models.StatusExpired
	}
	return models.StatusActive
}

// EffectiveModules returns the license modules or the default set for
// licenses created before modules existed.
func EffectiveModules(license *models.License) []string {
	if len(license.Modules) == 0 {
		return append([]string(nil), models.DefaultModules...)
	}
	return append([]string(nil), license.Modules...)
}

func EffectiveUserLimit(license *models.License) int {
	if license.UserLimit <= 0 {
		return models.DefaultUserLimit
	}
	return license.UserLimit
}

func (r *Registry) Resolve(ctx context.Context, key string) (*Record, error) {
	if key == "" {
		return nil, ErrNotFound
	}

	license, err := r.store.FindLicenseByKey(ctx, key)
	if err != nil {
		return nil, err
	}
	if license == nil {
		return nil, ErrNotFound
	}

	customer, err := r.store.GetCustomer(ctx, license.CustomerID)
	if err != nil {
		return nil, err
	}
	if customer == nil {
		logger.Warn("License references missing customer", map[string]interface{}{
			"license_id":  license.ID,
			"customer_id": license.CustomerID,
		})
		return nil, ErrNotFound
	}

	rec := &Record{
		License:        license,
		Customer:       customer,
		Status:         DeriveStatus(license, r.now()),
		Modules:        EffectiveModules(license),
		UserLimit:      EffectiveUserLimit(license),
		AllowedDomains: license.AllowedDomains,
	}
	if len(rec.AllowedDomains) == 0 {
		rec.AllowedDomains = customer.AllowedDomains
	}

	if license.PackageID != "" {
		pkg, err := r.store.GetPackage(ctx, license.PackageID)
		if err != nil {
			return nil, err
		}
		rec.Package = pkg
	}

	return rec, nil
}

// Validate answers a validation request. Business failures are reported in
// the response status; the error is reserved for store failures.
func (r *Registry) Validate(ctx context.Context, req protocol.Request) (protocol.Response, error) {
	req = req.Normalized()
	if req.LicenseKey == "" {
		return protocol.Invalid("License key is required"), nil
	}

	rec, err := r.Resolve(ctx, req.LicenseKey)
	if errors.Is(err, ErrNotFound) {
		logger.Info("Validation for unknown license", map[string]interface{}{
			"license_key": req.LicenseKey,
			"domain":      req.Domain,
		})
		return protocol.Invalid("License not found"), nil
	}
	if err != nil {
		return protocol.Response{}, err
	}

	if req.Action == protocol.ActionValidate && !IsDomainAllowed(rec.AllowedDomains, req.Domain) {
		logger.Warn("License used on unauthorized domain", map[string]interface{}{
			"license_key": req.LicenseKey,
			"domain":      req.Domain,
		})
		resp := protocol.Invalid("License is not valid for this domain")
		resp.LicenseType = rec.License.LicenseType
		return resp, nil
	}

	if err := r.store.TouchLicense(ctx, rec.License.ID, r.now()); err != nil {
		logger.Warn("Failed to record license check", map[string]interface{}{
			"license_id": rec.License.ID,
			"error":      err.Error(),
		})
	}

	resp := rec.Response()
	switch req.Action {
	case protocol.ActionStatus:
		resp = protocol.Response{
			Status:    resp.Status,
			ExpiresOn: resp.ExpiresOn,
			Modules:   []string{},
		}
	}
	resp.Message = statusMessage(resp.Status)

	logger.Debug("License validated", map[string]interface{}{
		"license_key": req.LicenseKey,
		"status":      resp.Status,
		"action":      req.Action,
	})
	return resp, nil
}

func statusMessage(status string) string {
	switch status {
	case models.StatusActive:
		return "License is active"
	case models.StatusExpired:
		return "License has expired"
	case models.StatusSuspended:
		return "License is suspended"
	default:
		return "License is invalid"
	}
}
