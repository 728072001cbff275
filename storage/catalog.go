package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"gopkg.in/yaml.v3"

	"crmlicense.app/licensing/internal/logger"
	"crmlicense.app/licensing/models"
)

// DefaultModuleCatalog is seeded into an empty store.
var DefaultModuleCatalog = []models.Module{
	{Slug: "dashboard", Name: "Dashboard", ViewParameter: "dashboard", Category: "core", IsCore: true, IsActive: true},
	{Slug: "customers", Name: "Customers", ViewParameter: "customers", Category: "core", IsCore: true, IsActive: true},
	{Slug: "policies", Name: "Policies", ViewParameter: "policies", Category: "core", IsCore: true, IsActive: true},
	{Slug: "quotes", Name: "Quotes", ViewParameter: "quotes", Category: "sales", IsActive: true},
	{Slug: "tasks", Name: "Tasks", ViewParameter: "tasks", Category: "productivity", IsActive: true},
	{Slug: "reports", Name: "Reports", ViewParameter: "reports", Category: "analytics", IsActive: true},
	{Slug: "data_transfer", Name: "Data Transfer", ViewParameter: "data_transfer", Category: "tools", IsActive: true},
}

// SeedModules inserts the default catalog entries that are missing.
func SeedModules(ctx context.Context, store Storage) (int, error) {
	seeded := 0
	for _, module := range DefaultModuleCatalog {
		existing, err := store.GetModule(ctx, module.Slug)
		if err != nil {
			return seeded, err
		}
		if existing != nil {
			continue
		}
		if err := store.SaveModule(ctx, &module); err != nil {
			return seeded, fmt.Errorf("seed module %s: %w", module.Slug, err)
		}
		seeded++
	}
	return seeded, nil
}

// Catalog is the on-disk import format. YAML and JSON are both accepted.
type Catalog struct {
	Modules   []models.Module         `yaml:"modules"`
	Packages  []models.LicensePackage `yaml:"packages"`
	Customers []models.Customer       `yaml:"customers"`
	Licenses  []CatalogLicense        `yaml:"licenses"`
}

type CatalogLicense struct {
	models.License `yaml:",inline"`
	ExpiresOn      string `yaml:"expires_on"`
}

type ImportResult struct {
	Modules   int
	Packages  int
	Customers int
	Licenses  int
}

func LoadCatalogFile(path string) (*Catalog, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := file.Close(); err != nil {
			logger.Warn("Failed to close catalog file", map[string]interface{}{"error": err.Error()})
		}
	}()
	return DecodeCatalog(file)
}

func DecodeCatalog(r io.Reader) (*Catalog, error) {
	var catalog Catalog
	if err := yaml.NewDecoder(r).Decode(&catalog); err != nil {
		if err == io.EOF {
			return &catalog, nil
		}
		return nil, fmt.Errorf("failed to parse catalog: %w", err)
	}
	return &catalog, nil
}

// Validate reports every problem in the catalog at once.
func (c *Catalog) Validate() error {
	var result *multierror.Error

	views := make(map[string]string)
	for i, m := range c.Modules {
		if m.Slug == "" {
			result = multierror.Append(result, fmt.Errorf("modules[%d]: slug is required", i))
		}
		if m.ViewParameter != "" {
			if other, ok := views[m.ViewParameter]; ok && other != m.Slug {
				result = multierror.Append(result, fmt.Errorf("modules[%d]: view parameter %q also used by %s", i, m.ViewParameter, other))
			}
			views[m.ViewParameter] = m.Slug
		}
	}

	for i, p := range c.Packages {
		if p.ID == "" || p.Name == "" {
			result = multierror.Append(result, fmt.Errorf("packages[%d]: id and name are required", i))
		}
		if !models.IsValidLicenseType(p.LicenseType) {
			result = multierror.Append(result, fmt.Errorf("packages[%d]: invalid license type %q", i, p.LicenseType))
		}
	}

	customers := make(map[string]bool)
	for i, cu := range c.Customers {
		if cu.ID == "" {
			result = multierror.Append(result, fmt.Errorf("customers[%d]: id is required", i))
		}
		customers[cu.ID] = true
	}

	keys := make(map[string]bool)
	for i, l := range c.Licenses {
		if l.Key == "" {
			result = multierror.Append(result, fmt.Errorf("licenses[%d]: key is required", i))
		} else if keys[l.Key] {
			result = multierror.Append(result, fmt.Errorf("licenses[%d]: duplicate key", i))
		}
		keys[l.Key] = true

		if l.CustomerID == "" {
			result = multierror.Append(result, fmt.Errorf("licenses[%d]: customer_id is required", i))
		}
		if l.Status != "" && !models.IsValidStatus(l.Status) {
			result = multierror.Append(result, fmt.Errorf("licenses[%d]: invalid status %q", i, l.Status))
		}
		if l.LicenseType != "" && !models.IsValidLicenseType(l.LicenseType) {
			result = multierror.Append(result, fmt.Errorf("licenses[%d]: invalid license type %q", i, l.LicenseType))
		}
		if _, err := models.ParseDate(l.ExpiresOn); err != nil {
			result = multierror.Append(result, fmt.Errorf("licenses[%d]: %w", i, err))
		}
	}

	return result.ErrorOrNil()
}

// Import validates the catalog and writes it to store. Existing records
// with the same id are overwritten.
func Import(ctx context.Context, store Storage, catalog *Catalog) (ImportResult, error) {
	var res ImportResult
	if err := catalog.Validate(); err != nil {
		return res, err
	}

	now := time.Now().UTC()

	for _, m := range catalog.Modules {
		if err := store.SaveModule(ctx, &m); err != nil {
			return res, fmt.Errorf("module %s: %w", m.Slug, err)
		}
		res.Modules++
	}

	for _, p := range catalog.Packages {
		if p.UserLimit == 0 {
			p.UserLimit = models.DefaultUserLimit
		}
		stamp(&p.CreatedAt, &p.UpdatedAt, now)
		if err := store.SavePackage(ctx, &p); err != nil {
			return res, fmt.Errorf("package %s: %w", p.ID, err)
		}
		res.Packages++
	}

	for _, c := range catalog.Customers {
		stamp(&c.CreatedAt, &c.UpdatedAt, now)
		if err := store.SaveCustomer(ctx, &c); err != nil {
			return res, fmt.Errorf("customer %s: %w", c.ID, err)
		}
		res.Customers++
	}

	for _, cl := range catalog.Licenses {
		license := cl.License
		license.ExpiresOn, _ = models.ParseDate(cl.ExpiresOn)

		existing, err := store.FindLicenseByKey(ctx, license.Key)
		if err != nil {
			return res, err
		}
		if license.ID == "" {
			if existing != nil {
				license.ID = existing.ID
			} else {
				license.ID = uuid.New().String()
			}
		}
		if license.Status == "" {
			license.Status = models.StatusActive
		}
		if license.LicenseType == "" {
			license.LicenseType = models.TypeLifetime
		}
		if license.UserLimit == 0 {
			license.UserLimit = models.DefaultUserLimit
		}
		license.Key = strings.TrimSpace(license.Key)
		stamp(&license.CreatedAt, &license.UpdatedAt, now)

		if err := store.SaveLicense(ctx, &license); err != nil {
			return res, fmt.Errorf("license %s: %w", logger.Mask(license.Key), err)
		}
		res.Licenses++
	}

	return res, nil
}

func stamp(created, updated *time.Time, now time.Time) {
	if created.IsZero() {
		*created = now
	}
	if updated.IsZero() {
		*updated = now
	}
}
