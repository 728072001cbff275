package storage

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"crmlicense.app/licensing/models"
)

var (
	// ErrNotFound is returned by mutations addressing a record that does not
	// exist. Lookups return nil, nil instead.
	ErrNotFound               = errors.New("record not found")
	ErrCustomerNotFound       = errors.New("customer not found")
	ErrCustomerInUse          = errors.New("customer still owns licenses")
	ErrDuplicateKey           = errors.New("license key already exists")
	ErrCoreModule             = errors.New("core modules cannot be deleted")
	ErrDuplicateViewParameter = errors.New("view parameter already used by another module")
)

type Storage interface {
	GetCustomer(ctx context.Context, id string) (*models.Customer, error)
	FindCustomerByEmailAddress(ctx context.Context, emailAddress string) (*models.Customer, error)
	ListCustomers(ctx context.Context) ([]*models.Customer, error)
	SaveCustomer(ctx context.Context, customer *models.Customer) error
	DeleteCustomer(ctx context.Context, id string) error

	GetLicense(ctx context.Context, id string) (*models.License, error)
	FindLicenseByKey(ctx context.Context, key string) (*models.License, error)
	FindLicensesByCustomer(ctx context.Context, customerID string) ([]*models.License, error)
	// ListLicenses returns licenses with the given stored status, or all when
	// status is empty.
	ListLicenses(ctx context.Context, status string) ([]*models.License, error)
	// SaveLicense writes the license row and replaces its module set atomically.
	SaveLicense(ctx context.Context, license *models.License) error
	SetLicenseStatus(ctx context.Context, id, status string) error
	SetLicenseModules(ctx context.Context, id string, modules []string) error
	TouchLicense(ctx context.Context, id string, at time.Time) error
	// DeleteLicense hard-deletes the license and its payments.
	DeleteLicense(ctx context.Context, id string) error

	GetPackage(ctx context.Context, id string) (*models.LicensePackage, error)
	ListPackages(ctx context.Context) ([]*models.LicensePackage, error)
	SavePackage(ctx context.Context, pkg *models.LicensePackage) error

	GetModule(ctx context.Context, slug string) (*models.Module, error)
	ListModules(ctx context.Context) ([]*models.Module, error)
	SaveModule(ctx context.Context, module *models.Module) error
	DeleteModule(ctx context.Context, slug string) error

	SavePayment(ctx context.Context, payment *models.Payment) error
	FindPaymentsByLicense(ctx context.Context, licenseID string) ([]*models.Payment, error)
	FindPaymentBySessionID(ctx context.Context, sessionID string) (*models.Payment, error)
	// RevenueSummary sums completed minus refunded payments per currency.
	RevenueSummary(ctx context.Context) (map[string]int64, error)

	Close() error
}

type MemoryStorage struct {
	mu        sync.RWMutex
	customers map[string]models.Customer
	licenses  map[string]models.License
	packages  map[string]models.LicensePackage
	modules   map[string]models.Module
	payments  map[string]models.Payment
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		customers: make(map[string]models.Customer),
		licenses:  make(map[string]models.License),
		packages:  make(map[string]models.LicensePackage),
		modules:   make(map[string]models.Module),
		payments:  make(map[string]models.Payment),
	}
}

func (m *MemoryStorage) GetCustomer(ctx context.Context, id string) (*models.Customer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	customer, exists := m.customers[id]
	if !exists {
		return nil, nil
	}
	return copyCustomer(customer), nil
}

func (m *MemoryStorage) FindCustomerByEmailAddress(ctx context.Context, emailAddress string) (*models.Customer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, customer := range m.customers {
		if customer.Email == emailAddress {
			return copyCustomer(customer), nil
		}
	}
	return nil, nil
}

func (m *MemoryStorage) ListCustomers(ctx context.Context) ([]*models.Customer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	customers := make([]*models.Customer, 0, len(m.customers))
	for _, customer := range m.customers {
		customers = append(customers, copyCustomer(customer))
	}
	sort.Slice(customers, func(i, j int) bool { return customers[i].ID < customers[j].ID })
	return customers, nil
}

func (m *MemoryStorage) SaveCustomer(ctx context.Context, customer *models.Customer) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.customers[customer.ID] = *copyCustomer(*customer)
	return nil
}

func (m *MemoryStorage) DeleteCustomer(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.customers[id]; !exists {
		return ErrNotFound
	}
	for _, license := range m.licenses {
		if license.CustomerID == id {
			return ErrCustomerInUse
		}
	}
	delete(m.customers, id)
	return nil
}

func (m *MemoryStorage) GetLicense(ctx context.Context, id string) (*models.License, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	license, exists := m.licenses[id]
	if !exists {
		return nil, nil
	}
	return copyLicense(license), nil
}

func (m *MemoryStorage) FindLicenseByKey(ctx context.Context, key string) (*models.License, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, license := range m.licenses {
		if license.Key == key {
			return copyLicense(license), nil
		}
	}
	return nil, nil
}

func (m *MemoryStorage) FindLicensesByCustomer(ctx context.Context, customerID string) ([]*models.License, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var licenses []*models.License
	for _, license := range m.licenses {
		if license.CustomerID == customerID {
			licenses = append(licenses, copyLicense(license))
		}
	}
	sortLicenses(licenses)
	return licenses, nil
}

func (m *MemoryStorage) ListLicenses(ctx context.Context, status string) ([]*models.License, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var licenses []*models.License
	for _, license := range m.licenses {
		if status == "" || license.Status == status {
			licenses = append(licenses, copyLicense(license))
		}
	}
	sortLicenses(licenses)
	return licenses, nil
}

func (m *MemoryStorage) SaveLicense(ctx context.Context, license *models.License) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.customers[license.CustomerID]; !exists {
		return ErrCustomerNotFound
	}
	for id, existing := range m.licenses {
		if existing.Key == license.Key && id != license.ID {
			return ErrDuplicateKey
		}
	}

	saved := copyLicense(*license)
	saved.Modules = dedupe(saved.Modules)
	m.licenses[license.ID] = *saved
	return nil
}

func (m *MemoryStorage) SetLicenseStatus(ctx context.Context, id, status string) error {
	return m.updateLicense(id, func(l *models.License) {
		l.Status = status
	})
}

func (m *MemoryStorage) SetLicenseModules(ctx context.Context, id string, modules []string) error {
	return m.updateLicense(id, func(l *models.License) {
		l.Modules = dedupe(modules)
	})
}

func (m *MemoryStorage) TouchLicense(ctx context.Context, id string, at time.Time) error {
	at = at.UTC()
	m.mu.Lock()
	defer m.mu.Unlock()

	license, exists := m.licenses[id]
	if !exists {
		return ErrNotFound
	}
	license.LastCheck = &at
	m.licenses[id] = license
	return nil
}

func (m *MemoryStorage) updateLicense(id string, mutate func(*models.License)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	license, exists := m.licenses[id]
	if !exists {
		return ErrNotFound
	}
	updated := copyLicense(license)
	mutate(updated)
	updated.UpdatedAt = time.Now().UTC()
	m.licenses[id] = *updated
	return nil
}

func (m *MemoryStorage) DeleteLicense(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.licenses[id]; !exists {
		return ErrNotFound
	}
	delete(m.licenses, id)
	for pid, payment := range m.payments {
		if payment.LicenseID == id {
			delete(m.payments, pid)
		}
	}
	return nil
}

func (m *MemoryStorage) GetPackage(ctx context.Context, id string) (*models.LicensePackage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	pkg, exists := m.packages[id]
	if !exists {
		return nil, nil
	}
	pkg.Modules = append([]string(nil), pkg.Modules...)
	return &pkg, nil
}

func (m *MemoryStorage) ListPackages(ctx context.Context) ([]*models.LicensePackage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	packages := make([]*models.LicensePackage, 0, len(m.packages))
	for _, pkg := range m.packages {
		pkg.Modules = append([]string(nil), pkg.Modules...)
		packages = append(packages, &pkg)
	}
	sort.Slice(packages, func(i, j int) bool { return packages[i].ID < packages[j].ID })
	return packages, nil
}

func (m *MemoryStorage) SavePackage(ctx context.Context, pkg *models.LicensePackage) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	saved := *pkg
	saved.Modules = dedupe(pkg.Modules)
	m.packages[pkg.ID] = saved
	return nil
}

func (m *MemoryStorage) GetModule(ctx context.Context, slug string) (*models.Module, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	module, exists := m.modules[slug]
	if !exists {
		return nil, nil
	}
	return &module, nil
}

func (m *MemoryStorage) ListModules(ctx context.Context) ([]*models.Module, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	modules := make([]*models.Module, 0, len(m.modules))
	for _, module := range m.modules {
		modules = append(modules, &module)
	}
	sort.Slice(modules, func(i, j int) bool { return modules[i].Slug < modules[j].Slug })
	return modules, nil
}

func (m *MemoryStorage) SaveModule(ctx context.Context, module *models.Module) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if module.ViewParameter != "" {
		for slug, existing := range m.modules {
			if slug != module.Slug && existing.ViewParameter == module.ViewParameter {
				return ErrDuplicateViewParameter
			}
		}
	}
	m.modules[module.Slug] = *module
	return nil
}

func (m *MemoryStorage) DeleteModule(ctx context.Context, slug string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	module, exists := m.modules[slug]
	if !exists {
		return ErrNotFound
	}
	if module.IsCore {
		return ErrCoreModule
	}
	delete(m.modules, slug)
	return nil
}

func (m *MemoryStorage) SavePayment(ctx context.Context, payment *models.Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.licenses[payment.LicenseID]; !exists {
		return ErrNotFound
	}
	m.payments[payment.ID] = *payment
	return nil
}

func (m *MemoryStorage) FindPaymentsByLicense(ctx context.Context, licenseID string) ([]*models.Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var payments []*models.Payment
	for _, payment := range m.payments {
		if payment.LicenseID == licenseID {
			payments = append(payments, &payment)
		}
	}
	sort.Slice(payments, func(i, j int) bool { return payments[i].PaidAt.Before(payments[j].PaidAt) })
	return payments, nil
}

func (m *MemoryStorage) FindPaymentBySessionID(ctx context.Context, sessionID string) (*models.Payment, error) {
	if sessionID == "" {
		return nil, nil
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, payment := range m.payments {
		if payment.StripeSessionID == sessionID {
			return &payment, nil
		}
	}
	return nil, nil
}

func (m *MemoryStorage) RevenueSummary(ctx context.Context) (map[string]int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	summary := make(map[string]int64)
	for _, payment := range m.payments {
		switch payment.Status {
		case models.PaymentCompleted:
			summary[payment.Currency] += payment.Amount
		case models.PaymentRefunded:
			summary[payment.Currency] -= payment.Amount
		}
	}
	return summary, nil
}

func (m *MemoryStorage) Close() error {
	return nil
}

func copyCustomer(c models.Customer) *models.Customer {
	c.AllowedDomains = append([]string(nil), c.AllowedDomains...)
	return &c
}

func copyLicense(l models.License) *models.License {
	l.AllowedDomains = append([]string(nil), l.AllowedDomains...)
	l.Modules = append([]string(nil), l.Modules...)
	if l.ExpiresOn != nil {
		e := *l.ExpiresOn
		l.ExpiresOn = &e
	}
	if l.LastCheck != nil {
		c := *l.LastCheck
		l.LastCheck = &c
	}
	return &l
}

func sortLicenses(licenses []*models.License) {
	sort.Slice(licenses, func(i, j int) bool {
		if licenses[i].CreatedAt.Equal(licenses[j].CreatedAt) {
			return licenses[i].ID < licenses[j].ID
		}
		return licenses[i].CreatedAt.Before(licenses[j].CreatedAt)
	})
}

// dedupe drops blanks and repeats while keeping order.
func dedupe(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
