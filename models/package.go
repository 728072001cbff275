package models

import "time"

// LicensePackage is a template used to pre-fill licenses at issuance.
// Validation never reads it; entitlements live on the License.
type LicensePackage struct {
	ID          string    `json:"id" yaml:"id"`
	Name        string    `json:"name" yaml:"name"`
	Description string    `json:"description,omitempty" yaml:"description"`
	LicenseType string    `json:"license_type" yaml:"license_type"`
	UserLimit   int       `json:"user_limit" yaml:"user_limit"`
	Price       int64     `json:"price" yaml:"price"`
	Currency    string    `json:"currency" yaml:"currency"`
	Modules     []string  `json:"modules" yaml:"modules"`
	IsActive    bool      `json:"is_active" yaml:"is_active"`
	CreatedAt   time.Time `json:"created_at" yaml:"-"`
	UpdatedAt   time.Time `json:"updated_at" yaml:"-"`
}
