package testutil

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crmlicense.app/licensing/models"
	"crmlicense.app/licensing/storage"
)

// Keys used by SetupTestData.
const (
	ActiveKey    = "CRM-A1A1A1A1A1A1A1A1A1A1A1A1"
	ExpiredKey   = "CRM-E2E2E2E2E2E2E2E2E2E2E2E2"
	SuspendedKey = "CRM-5A5A5A5A5A5A5A5A5A5A5A5A"
	LifetimeKey  = "CRM-1F1F1F1F1F1F1F1F1F1F1F1F"
	DomainKey    = "CRM-D0D0D0D0D0D0D0D0D0D0D0D0"
	OrphanKey    = "CRM-0000000000000000000000FF"
)

// TestStorage creates an empty memory storage.
func TestStorage() *storage.MemoryStorage {
	return storage.NewMemoryStorage()
}

// SQLiteStorage opens a migrated database in a temp dir, closed on cleanup.
func SQLiteStorage(t testing.TB) *storage.SQLiteStorage {
	t.Helper()
	store, err := storage.NewSQLiteStorage(t.TempDir() + "/licenses.db")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// CreateTestCustomer creates a test customer with given parameters
func CreateTestCustomer(id, email string) models.Customer {
	now := time.Now().UTC()
	return models.Customer{
		ID:               id,
		Name:             "Customer " + id,
		Email:            email,
		StripeCustomerID: "cus_" + id,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

// CreateTestLicense creates an active lifetime license with the given modules.
func CreateTestLicense(id, key, customerID string, modules ...string) models.License {
	now := time.Now().UTC()
	return models.License{
		ID:          id,
		Key:         key,
		CustomerID:  customerID,
		Status:      models.StatusActive,
		LicenseType: models.TypeLifetime,
		Description: "Test license",
		UserLimit:   models.DefaultUserLimit,
		Modules:     modules,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Date returns midnight UTC for the given calendar day.
func Date(year int, month time.Month, day int) *time.Time {
	t := time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
	return &t
}

// SetupTestData creates a complete test environment with customers and licenses
func SetupTestData(store storage.Storage) error {
	ctx := context.Background()

	customers := []models.Customer{
		CreateTestCustomer("customer1", "customer1@example.com"),
		CreateTestCustomer("customer2", "customer2@example.com"),
		CreateTestCustomer("customer3", "customer3@example.com"),
	}
	customers[2].AllowedDomains = []string{"acme-sigorta.com"}

	for _, customer := range customers {
		if err := store.SaveCustomer(ctx, &customer); err != nil {
			return fmt.Errorf("failed to save customer %s: %w", customer.ID, err)
		}
	}

	active := CreateTestLicense("license1", ActiveKey, "customer1", "customers", "quotes")
	active.LicenseType = models.TypeMonthly
	active.Description = "Premium Aylık Abonelik"
	active.ExpiresOn = Date(2099, time.February, 1)
	active.UserLimit = 10

	expired := CreateTestLicense("license2", ExpiredKey, "customer2")
	expired.LicenseType = models.TypeYearly
	expired.ExpiresOn = Date(2020, time.January, 1)

	suspended := CreateTestLicense("license3", SuspendedKey, "customer3")
	suspended.Status = models.StatusSuspended

	lifetime := CreateTestLicense("license4", LifetimeKey, "customer1")
	lifetime.UserLimit = 0

	domain := CreateTestLicense("license5", DomainKey, "customer3", "reports")

	for _, license := range []models.License{active, expired, suspended, lifetime, domain} {
		if err := store.SaveLicense(ctx, &license); err != nil {
			return fmt.Errorf("failed to save license %s: %w", license.ID, err)
		}
	}

	return nil
}

// MakeValidateRequest sends a GET validation request through h.
func MakeValidateRequest(t *testing.T, h http.Handler, path, licenseKey, domain string) *httptest.ResponseRecorder {
	t.Helper()
	q := url.Values{}
	if licenseKey != "" {
		q.Set("license_key", licenseKey)
	}
	if domain != "" {
		q.Set("domain", domain)
	}

	req := httptest.NewRequest(http.MethodGet, path+"?"+q.Encode(), nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

// MakeJSONRequest sends body as JSON through h.
func MakeJSONRequest(t *testing.T, h http.Handler, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}

	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

// DecodeJSON decodes the recorder body into a map.
func DecodeJSON(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), "body: %s", w.Body.String())
	return out
}

// AssertErrorResponse checks if the error response matches expected values
func AssertErrorResponse(t *testing.T, w *httptest.ResponseRecorder, expectedStatus int, expectedError string) {
	t.Helper()
	if w.Code != expectedStatus {
		t.Errorf("Expected status %d, got %d", expectedStatus, w.Code)
	}

	var response map[string]interface{}
	if err := json.NewDecoder(w.Body).Decode(&response); err != nil {
		t.Fatalf("Failed to decode error response: %v", err)
	}

	if response["error"] != expectedError {
		t.Errorf("Expected error '%s', got '%v'", expectedError, response["error"])
	}
}

// StorageTestSuite provides a standard test suite for storage implementations
type StorageTestSuite struct {
	Storage storage.Storage
	Cleanup func()
}

// RunStorageTestSuite runs standard tests on any storage implementation
func RunStorageTestSuite(t *testing.T, suite StorageTestSuite) {
	if suite.Cleanup != nil {
		defer suite.Cleanup()
	}

	ctx := context.Background()
	s := suite.Storage

	t.Run("CustomerOperations", func(t *testing.T) {
		customer := CreateTestCustomer("test1", "test@example.com")
		customer.AllowedDomains = []string{"example.com", "www.example.org"}
		require.NoError(t, s.SaveCustomer(ctx, &customer))

		retrieved, err := s.GetCustomer(ctx, "test1")
		require.NoError(t, err)
		require.NotNil(t, retrieved)
		assert.Equal(t, "test@example.com", retrieved.Email)
		assert.Equal(t, []string{"example.com", "www.example.org"}, retrieved.AllowedDomains)

		found, err := s.FindCustomerByEmailAddress(ctx, "test@example.com")
		require.NoError(t, err)
		require.NotNil(t, found)
		assert.Equal(t, "test1", found.ID)

		customer.Name = "Renamed"
		require.NoError(t, s.SaveCustomer(ctx, &customer))
		retrieved, err = s.GetCustomer(ctx, "test1")
		require.NoError(t, err)
		assert.Equal(t, "Renamed", retrieved.Name)

		all, err := s.ListCustomers(ctx)
		require.NoError(t, err)
		assert.NotEmpty(t, all)
	})

	t.Run("LicenseOperations", func(t *testing.T) {
		customer := CreateTestCustomer("license-test", "license@example.com")
		require.NoError(t, s.SaveCustomer(ctx, &customer))

		license := CreateTestLicense("license1", "CRM-TEST00000000000000000001", "license-test", "customers", "quotes", "customers")
		license.ExpiresOn = Date(2025, time.February, 1)
		license.AllowedDomains = []string{"acme.com"}
		require.NoError(t, s.SaveLicense(ctx, &license))

		retrieved, err := s.GetLicense(ctx, "license1")
		require.NoError(t, err)
		require.NotNil(t, retrieved)
		assert.Equal(t, "CRM-TEST00000000000000000001", retrieved.Key)
		assert.Equal(t, []string{"customers", "quotes"}, retrieved.Modules)
		assert.Equal(t, "2025-02-01", retrieved.ExpiryString())
		assert.Equal(t, []string{"acme.com"}, retrieved.AllowedDomains)
		assert.Nil(t, retrieved.LastCheck)

		found, err := s.FindLicenseByKey(ctx, "CRM-TEST00000000000000000001")
		require.NoError(t, err)
		require.NotNil(t, found)
		assert.Equal(t, "license1", found.ID)

		licenses, err := s.FindLicensesByCustomer(ctx, "license-test")
		require.NoError(t, err)
		require.Len(t, licenses, 1)
		assert.Equal(t, []string{"customers", "quotes"}, licenses[0].Modules)

		// saving again replaces the module set rather than merging
		license.Modules = []string{"reports"}
		license.ExpiresOn = nil
		require.NoError(t, s.SaveLicense(ctx, &license))
		retrieved, err = s.GetLicense(ctx, "license1")
		require.NoError(t, err)
		assert.Equal(t, []string{"reports"}, retrieved.Modules)
		assert.True(t, retrieved.IsLifetime())
	})

	t.Run("LicenseMutations", func(t *testing.T) {
		customer := CreateTestCustomer("mutations", "mutations@example.com")
		require.NoError(t, s.SaveCustomer(ctx, &customer))
		license := CreateTestLicense("license-mut", "CRM-TEST00000000000000000002", "mutations", "customers")
		require.NoError(t, s.SaveLicense(ctx, &license))

		require.NoError(t, s.SetLicenseStatus(ctx, "license-mut", models.StatusSuspended))
		require.NoError(t, s.SetLicenseModules(ctx, "license-mut", []string{"tasks", "reports"}))
		at := time.Date(2025, time.March, 3, 10, 30, 0, 0, time.UTC)
		require.NoError(t, s.TouchLicense(ctx, "license-mut", at))

		retrieved, err := s.GetLicense(ctx, "license-mut")
		require.NoError(t, err)
		assert.Equal(t, models.StatusSuspended, retrieved.Status)
		assert.Equal(t, []string{"tasks", "reports"}, retrieved.Modules)
		require.NotNil(t, retrieved.LastCheck)
		assert.True(t, at.Equal(*retrieved.LastCheck))

		suspended, err := s.ListLicenses(ctx, models.StatusSuspended)
		require.NoError(t, err)
		assert.Len(t, suspended, 1)

		require.NoError(t, s.SetLicenseModules(ctx, "license-mut", nil))
		retrieved, err = s.GetLicense(ctx, "license-mut")
		require.NoError(t, err)
		assert.Empty(t, retrieved.Modules)

		assert.ErrorIs(t, s.SetLicenseStatus(ctx, "missing", models.StatusActive), storage.ErrNotFound)
		assert.ErrorIs(t, s.SetLicenseModules(ctx, "missing", []string{"x"}), storage.ErrNotFound)
		assert.ErrorIs(t, s.TouchLicense(ctx, "missing", at), storage.ErrNotFound)
	})

	t.Run("LicenseRequiresCustomer", func(t *testing.T) {
		license := CreateTestLicense("orphan", "CRM-TEST00000000000000000003", "nobody")
		err := s.SaveLicense(ctx, &license)
		assert.ErrorIs(t, err, storage.ErrCustomerNotFound)
	})

	t.Run("DuplicateKey", func(t *testing.T) {
		customer := CreateTestCustomer("dup", "dup@example.com")
		require.NoError(t, s.SaveCustomer(ctx, &customer))
		first := CreateTestLicense("dup-1", "CRM-TEST00000000000000000004", "dup")
		require.NoError(t, s.SaveLicense(ctx, &first))

		second := CreateTestLicense("dup-2", "CRM-TEST00000000000000000004", "dup")
		assert.ErrorIs(t, s.SaveLicense(ctx, &second), storage.ErrDuplicateKey)
	})

	t.Run("CustomerDeletion", func(t *testing.T) {
		customer := CreateTestCustomer("owner", "owner@example.com")
		require.NoError(t, s.SaveCustomer(ctx, &customer))
		license := CreateTestLicense("owned", "CRM-TEST00000000000000000005", "owner")
		require.NoError(t, s.SaveLicense(ctx, &license))

		assert.ErrorIs(t, s.DeleteCustomer(ctx, "owner"), storage.ErrCustomerInUse)

		require.NoError(t, s.DeleteLicense(ctx, "owned"))
		require.NoError(t, s.DeleteCustomer(ctx, "owner"))

		gone, err := s.GetCustomer(ctx, "owner")
		require.NoError(t, err)
		assert.Nil(t, gone)
		assert.ErrorIs(t, s.DeleteCustomer(ctx, "owner"), storage.ErrNotFound)
	})

	t.Run("PaymentsCascade", func(t *testing.T) {
		customer := CreateTestCustomer("payer", "payer@example.com")
		require.NoError(t, s.SaveCustomer(ctx, &customer))
		license := CreateTestLicense("paid", "CRM-TEST00000000000000000006", "payer")
		require.NoError(t, s.SaveLicense(ctx, &license))

		now := time.Now().UTC()
		payments := []models.Payment{
			{ID: "p1", LicenseID: "paid", CustomerID: "payer", Amount: 10000, Currency: "try", Method: models.MethodStripe, Status: models.PaymentCompleted, PaidAt: now, StripeSessionID: "cs_1", CreatedAt: now},
			{ID: "p2", LicenseID: "paid", CustomerID: "payer", Amount: 2500, Currency: "try", Method: models.MethodBankTransfer, Status: models.PaymentRefunded, PaidAt: now.Add(time.Minute), CreatedAt: now},
			{ID: "p3", LicenseID: "paid", CustomerID: "payer", Amount: 900, Currency: "usd", Method: models.MethodCash, Status: models.PaymentCompleted, PaidAt: now.Add(2 * time.Minute), CreatedAt: now},
			{ID: "p4", LicenseID: "paid", CustomerID: "payer", Amount: 400, Currency: "usd", Method: models.MethodOther, Status: models.PaymentPending, PaidAt: now.Add(3 * time.Minute), CreatedAt: now},
		}
		for _, p := range payments {
			require.NoError(t, s.SavePayment(ctx, &p))
		}

		bySession, err := s.FindPaymentBySessionID(ctx, "cs_1")
		require.NoError(t, err)
		require.NotNil(t, bySession)
		assert.Equal(t, "p1", bySession.ID)

		none, err := s.FindPaymentBySessionID(ctx, "")
		require.NoError(t, err)
		assert.Nil(t, none)

		summary, err := s.RevenueSummary(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(7500), summary["try"])
		assert.Equal(t, int64(900), summary["usd"])

		listed, err := s.FindPaymentsByLicense(ctx, "paid")
		require.NoError(t, err)
		assert.Len(t, listed, 4)

		require.NoError(t, s.DeleteLicense(ctx, "paid"))
		listed, err = s.FindPaymentsByLicense(ctx, "paid")
		require.NoError(t, err)
		assert.Empty(t, listed)

		orphan := models.Payment{ID: "p5", LicenseID: "paid", Amount: 1, Currency: "try", Status: models.PaymentCompleted, PaidAt: now, CreatedAt: now}
		assert.ErrorIs(t, s.SavePayment(ctx, &orphan), storage.ErrNotFound)
	})

	t.Run("Packages", func(t *testing.T) {
		pkg := models.LicensePackage{
			ID:          "premium-monthly",
			Name:        "Premium",
			LicenseType: models.TypeMonthly,
			UserLimit:   10,
			Price:       49900,
			Currency:    "try",
			Modules:     []string{"customers", "quotes"},
			IsActive:    true,
			CreatedAt:   time.Now().UTC(),
			UpdatedAt:   time.Now().UTC(),
		}
		require.NoError(t, s.SavePackage(ctx, &pkg))

		got, err := s.GetPackage(ctx, "premium-monthly")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, []string{"customers", "quotes"}, got.Modules)
		assert.True(t, got.IsActive)

		missing, err := s.GetPackage(ctx, "nope")
		require.NoError(t, err)
		assert.Nil(t, missing)

		all, err := s.ListPackages(ctx)
		require.NoError(t, err)
		assert.Len(t, all, 1)
	})

	t.Run("Modules", func(t *testing.T) {
		seeded, err := storage.SeedModules(ctx, s)
		require.NoError(t, err)
		assert.Equal(t, len(storage.DefaultModuleCatalog), seeded)

		again, err := storage.SeedModules(ctx, s)
		require.NoError(t, err)
		assert.Zero(t, again)

		assert.ErrorIs(t, s.DeleteModule(ctx, "dashboard"), storage.ErrCoreModule)
		require.NoError(t, s.DeleteModule(ctx, "tasks"))
		assert.ErrorIs(t, s.DeleteModule(ctx, "tasks"), storage.ErrNotFound)

		clash := models.Module{Slug: "crm_reports", Name: "Other", ViewParameter: "reports", IsActive: true}
		assert.ErrorIs(t, s.SaveModule(ctx, &clash), storage.ErrDuplicateViewParameter)

		free := models.Module{Slug: "webhooks", Name: "Webhooks", IsActive: true}
		require.NoError(t, s.SaveModule(ctx, &free))
		other := models.Module{Slug: "api", Name: "API", IsActive: true}
		require.NoError(t, s.SaveModule(ctx, &other))

		modules, err := s.ListModules(ctx)
		require.NoError(t, err)
		assert.Len(t, modules, len(storage.DefaultModuleCatalog)+1)
	})

	t.Run("NotFound", func(t *testing.T) {
		customer, err := s.GetCustomer(ctx, "notfound")
		assert.NoError(t, err)
		assert.Nil(t, customer)

		license, err := s.FindLicenseByKey(ctx, "CRM-NOTFOUND")
		assert.NoError(t, err)
		assert.Nil(t, license)

		module, err := s.GetModule(ctx, "notfound")
		assert.NoError(t, err)
		assert.Nil(t, module)

		assert.True(t, errors.Is(s.DeleteLicense(ctx, "notfound"), storage.ErrNotFound))
	})
}
