package models

import (
	"fmt"
	"strings"
	"time"
)

const (
	StatusActive    = "active"
	StatusExpired   = "expired"
	StatusSuspended = "suspended"
	StatusInvalid   = "invalid"
)

const (
	TypeMonthly  = "monthly"
	TypeYearly   = "yearly"
	TypeLifetime = "lifetime"
	TypeTrial    = "trial"
)

// DefaultUserLimit applies when a license has no user limit stored.
const DefaultUserLimit = 5

// DateLayout is the calendar-day format used on the wire and in seed files.
const DateLayout = "2006-01-02"

// DefaultModules is the entitlement of licenses issued before modules existed.
var DefaultModules = []string{
	"dashboard",
	"customers",
	"policies",
	"quotes",
	"tasks",
	"reports",
	"data_transfer",
}

type License struct {
	ID             string     `json:"id" yaml:"id"`
	Key            string     `json:"key" yaml:"key"`
	CustomerID     string     `json:"customer_id" yaml:"customer_id"`
	PackageID      string     `json:"package_id,omitempty" yaml:"package_id"`
	Status         string     `json:"status" yaml:"status"`
	LicenseType    string     `json:"license_type" yaml:"license_type"`
	Description    string     `json:"description,omitempty" yaml:"description"`
	ExpiresOn      *time.Time `json:"expires_on,omitempty" yaml:"-"`
	UserLimit      int        `json:"user_limit" yaml:"user_limit"`
	AllowedDomains []string   `json:"allowed_domains" yaml:"allowed_domains"`
	Modules        []string   `json:"modules" yaml:"modules"`
	LastCheck      *time.Time `json:"last_check,omitempty" yaml:"-"`
	CreatedAt      time.Time  `json:"created_at" yaml:"-"`
	UpdatedAt      time.Time  `json:"updated_at" yaml:"-"`
}

// IsLifetime reports whether the license never expires.
func (l *License) IsLifetime() bool {
	return l.ExpiresOn == nil
}

// ExpiryString renders ExpiresOn in wire format, "" for no expiry.
func (l *License) ExpiryString() string {
	return FormatDate(l.ExpiresOn)
}

// HasModule reports whether the stored module list contains slug.
func (l *License) HasModule(slug string) bool {
	for _, m := range l.Modules {
		if m == slug {
			return true
		}
	}
	return false
}

func IsValidStatus(status string) bool {
	switch status {
	case StatusActive, StatusExpired, StatusSuspended, StatusInvalid:
		return true
	}
	return false
}

func IsValidLicenseType(licenseType string) bool {
	switch licenseType {
	case TypeMonthly, TypeYearly, TypeLifetime, TypeTrial:
		return true
	}
	return false
}

// DefaultExpiry computes the expiry of a license of the given type issued at from.
// Lifetime licenses return nil.
func DefaultExpiry(licenseType string, from time.Time) *time.Time {
	day := TruncateDay(from)
	var expires time.Time
	switch licenseType {
	case TypeMonthly:
		expires = day.AddDate(0, 1, 0)
	case TypeYearly:
		expires = day.AddDate(1, 0, 0)
	case TypeTrial:
		expires = day.AddDate(0, 0, 14)
	default:
		return nil
	}
	return &expires
}

// ParseDate parses a wire date. The empty string and the "lifetime" and
// "0000-00-00" sentinels mean no expiry and yield nil.
func ParseDate(s string) (*time.Time, error) {
	s = strings.TrimSpace(s)
	switch strings.ToLower(s) {
	case "", TypeLifetime, "0000-00-00", "null":
		return nil, nil
	}
	if len(s) > len(DateLayout) {
		// accept full timestamps, keep the calendar day
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			day := TruncateDay(t)
			return &day, nil
		}
		s = s[:len(DateLayout)]
	}
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return nil, fmt.Errorf("invalid date %q: %w", s, err)
	}
	return &t, nil
}

func FormatDate(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(DateLayout)
}

// TruncateDay returns midnight UTC of the calendar day containing t.
func TruncateDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
