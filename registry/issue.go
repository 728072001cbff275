package registry

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"crmlicense.app/licensing/internal/logger"
	"crmlicense.app/licensing/models"
	"crmlicense.app/licensing/storage"
)

// KeyPrefix starts every generated license key.
const KeyPrefix = "CRM-"

var (
	ErrCustomerRequired = errors.New("customer is required")
	ErrUnknownPackage   = errors.New("license package not found")
	ErrInactivePackage  = errors.New("license package is not active")
	ErrInvalidType      = errors.New("invalid license type")
	ErrInvalidStatus    = errors.New("invalid license status")
)

type IssueRequest struct {
	CustomerID     string   `json:"customer_id" validate:"required"`
	PackageID      string   `json:"package_id,omitempty"`
	LicenseType    string   `json:"license_type,omitempty" validate:"omitempty,oneof=monthly yearly lifetime trial"`
	Description    string   `json:"description,omitempty"`
	ExpiresOn      string   `json:"expires_on,omitempty"`
	UserLimit      int      `json:"user_limit,omitempty" validate:"gte=0"`
	Modules        []string `json:"modules,omitempty"`
	AllowedDomains []string `json:"allowed_domains,omitempty"`
}

// GenerateKey returns a fresh key: the prefix followed by 24 upper-case hex
// characters.
func GenerateKey() (string, error) {
	var b [12]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("generate license key: %w", err)
	}
	return KeyPrefix + strings.ToUpper(hex.EncodeToString(b[:])), nil
}

// Issue creates a license for an existing customer. Fields left empty are
// filled from the package, then from the defaults of the license type.
func (r *Registry) Issue(ctx context.Context, req IssueRequest) (*models.License, error) {
	if req.CustomerID == "" {
		return nil, ErrCustomerRequired
	}

	customer, err := r.store.GetCustomer(ctx, req.CustomerID)
	if err != nil {
		return nil, err
	}
	if customer == nil {
		return nil, storage.ErrCustomerNotFound
	}

	now := r.now().UTC()
	license := &models.License{
		ID:             uuid.New().String(),
		CustomerID:     customer.ID,
		PackageID:      req.PackageID,
		Status:         models.StatusActive,
		LicenseType:    req.LicenseType,
		Description:    req.Description,
		UserLimit:      req.UserLimit,
		Modules:        req.Modules,
		AllowedDomains: req.AllowedDomains,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if req.PackageID != "" {
		pkg, err := r.store.GetPackage(ctx, req.PackageID)
		if err != nil {
			return nil, err
		}
		if pkg == nil {
			return nil, ErrUnknownPackage
		}
		if !pkg.IsActive {
			return nil, ErrInactivePackage
		}
		if license.LicenseType == "" {
			license.LicenseType = pkg.LicenseType
		}
		if license.UserLimit == 0 {
			license.UserLimit = pkg.UserLimit
		}
		if len(license.Modules) == 0 {
			license.Modules = pkg.Modules
		}
		if license.Description == "" {
			license.Description = pkg.Description
		}
	}

	if license.LicenseType == "" {
		license.LicenseType = models.TypeLifetime
	}
	if !models.IsValidLicenseType(license.LicenseType) {
		return nil, ErrInvalidType
	}
	if license.UserLimit <= 0 {
		license.UserLimit = models.DefaultUserLimit
	}

	if req.ExpiresOn != "" {
		license.ExpiresOn, err = models.ParseDate(req.ExpiresOn)
		if err != nil {
			return nil, err
		}
	} else {
		license.ExpiresOn = models.DefaultExpiry(license.LicenseType, now)
	}

	// keys are random; a collision only costs a retry
	for attempt := 0; attempt < 3; attempt++ {
		license.Key, err = GenerateKey()
		if err != nil {
			return nil, err
		}
		err = r.store.SaveLicense(ctx, license)
		if !errors.Is(err, storage.ErrDuplicateKey) {
			break
		}
	}
	if err != nil {
		return nil, fmt.Errorf("save license: %w", err)
	}

	logger.Info("License issued", map[string]interface{}{
		"license_id":   license.ID,
		"license_key":  license.Key,
		"customer_id":  customer.ID,
		"license_type": license.LicenseType,
		"expires_on":   license.ExpiryString(),
	})
	return license, nil
}

func (r *Registry) SetStatus(ctx context.Context, id, status string) error {
	if !models.IsValidStatus(status) {
		return ErrInvalidStatus
	}
	if err := r.store.SetLicenseStatus(ctx, id, status); err != nil {
		return err
	}
	logger.Info("License status changed", map[string]interface{}{
		"license_id": id,
		"status":     status,
	})
	return nil
}

func (r *Registry) SetModules(ctx context.Context, id string, modules []string) error {
	cleaned := make([]string, 0, len(modules))
	for _, m := range modules {
		if m = strings.TrimSpace(m); m != "" {
			cleaned = append(cleaned, m)
		}
	}
	return r.store.SetLicenseModules(ctx, id, cleaned)
}

func (r *Registry) Delete(ctx context.Context, id string) error {
	if err := r.store.DeleteLicense(ctx, id); err != nil {
		return err
	}
	logger.Info("License deleted", map[string]interface{}{"license_id": id})
	return nil
}
