package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crmlicense.app/licensing/internal/testutil"
	"crmlicense.app/licensing/models"
	"crmlicense.app/licensing/protocol"
	"crmlicense.app/licensing/storage"
)

var fixedNow = time.Date(2025, time.January, 5, 9, 30, 0, 0, time.UTC)

func newTestRegistry(t *testing.T) (*Registry, *storage.MemoryStorage) {
	t.Helper()
	store := testutil.TestStorage()
	require.NoError(t, testutil.SetupTestData(store))
	return New(store, WithClock(func() time.Time { return fixedNow })), store
}

func TestDeriveStatus(t *testing.T) {
	d := testutil.Date(2025, time.January, 1)

	tests := []struct {
		name    string
		license models.License
		now     time.Time
		want    string
	}{
		{"active before expiry", models.License{Status: models.StatusActive, ExpiresOn: d}, d.Add(-time.Hour), models.StatusActive},
		{"expired the day after", models.License{Status: models.StatusActive, ExpiresOn: d}, d.AddDate(0, 0, 1), models.StatusExpired},
		{"no expiry is active forever", models.License{Status: models.StatusActive}, time.Date(2999, 1, 1, 0, 0, 0, 0, time.UTC), models.StatusActive},
		{"stored expired with future date is active", models.License{Status: models.StatusExpired, ExpiresOn: d}, d.AddDate(0, 0, -3), models.StatusActive},
		{"suspended overrides expiry", models.License{Status: models.StatusSuspended, ExpiresOn: d}, d.AddDate(1, 0, 0), models.StatusSuspended},
		{"invalid overrides future expiry", models.License{Status: models.StatusInvalid, ExpiresOn: d}, d.AddDate(-1, 0, 0), models.StatusInvalid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DeriveStatus(&tt.license, tt.now))
		})
	}
}

func TestEffectiveModulesAndUserLimit(t *testing.T) {
	legacy := &models.License{}
	assert.Equal(t, models.DefaultModules, EffectiveModules(legacy))
	assert.Equal(t, 5, EffectiveUserLimit(legacy))

	modern := &models.License{Modules: []string{"customers"}, UserLimit: 12}
	assert.Equal(t, []string{"customers"}, EffectiveModules(modern))
	assert.Equal(t, 12, EffectiveUserLimit(modern))

	// the default set must not be aliased
	mods := EffectiveModules(legacy)
	mods[0] = "changed"
	assert.Equal(t, "dashboard", models.DefaultModules[0])
}

func TestResolve(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	rec, err := r.Resolve(ctx, testutil.ActiveKey)
	require.NoError(t, err)
	assert.Equal(t, models.StatusActive, rec.Status)
	assert.Equal(t, []string{"customers", "quotes"}, rec.Modules)
	assert.Equal(t, 10, rec.UserLimit)

	rec, err = r.Resolve(ctx, testutil.ExpiredKey)
	require.NoError(t, err)
	assert.Equal(t, models.StatusExpired, rec.Status)
	assert.Equal(t, models.DefaultModules, rec.Modules)

	rec, err = r.Resolve(ctx, testutil.LifetimeKey)
	require.NoError(t, err)
	assert.Equal(t, models.DefaultUserLimit, rec.UserLimit)

	rec, err = r.Resolve(ctx, testutil.DomainKey)
	require.NoError(t, err)
	assert.Equal(t, []string{"acme-sigorta.com"}, rec.AllowedDomains, "customer allow-list applies when the license has none")

	_, err = r.Resolve(ctx, "CRM-UNKNOWN")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = r.Resolve(ctx, "")
	assert.ErrorIs(t, err, ErrNotFound)
}

// orphanStore hides every customer, as if the owner row had been removed.
type orphanStore struct {
	*storage.MemoryStorage
}

func (orphanStore) GetCustomer(context.Context, string) (*models.Customer, error) {
	return nil, nil
}

func TestResolve_OrphanIsNotFound(t *testing.T) {
	store := testutil.TestStorage()
	require.NoError(t, testutil.SetupTestData(store))
	r := New(orphanStore{store})

	_, err := r.Resolve(context.Background(), testutil.ActiveKey)
	assert.ErrorIs(t, err, ErrNotFound)

	resp, err := r.Validate(context.Background(), protocol.Request{LicenseKey: testutil.ActiveKey, Domain: "x.com"})
	require.NoError(t, err)
	assert.Equal(t, models.StatusInvalid, resp.Status)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name       string
		req        protocol.Request
		wantStatus string
		check      func(t *testing.T, resp protocol.Response)
	}{
		{
			name:       "active license",
			req:        protocol.Request{LicenseKey: testutil.ActiveKey, Domain: "anything.example"},
			wantStatus: models.StatusActive,
			check: func(t *testing.T, resp protocol.Response) {
				assert.Equal(t, "monthly", resp.LicenseType)
				assert.Equal(t, "Premium Aylık Abonelik", resp.LicenseTypeDescription)
				assert.Equal(t, "2099-02-01", resp.ExpiresOn)
				assert.Equal(t, 10, resp.UserLimit)
				assert.Equal(t, []string{"customers", "quotes"}, resp.Modules)
				assert.Equal(t, "License is active", resp.Message)
			},
		},
		{
			name:       "unknown key",
			req:        protocol.Request{LicenseKey: "CRM-NOPE", Domain: "a.com"},
			wantStatus: models.StatusInvalid,
			check: func(t *testing.T, resp protocol.Response) {
				assert.Equal(t, "License not found", resp.Message)
				assert.NotNil(t, resp.Modules)
			},
		},
		{
			name:       "expired license",
			req:        protocol.Request{LicenseKey: testutil.ExpiredKey, Domain: "a.com"},
			wantStatus: models.StatusExpired,
		},
		{
			name:       "suspended license",
			req:        protocol.Request{LicenseKey: testutil.SuspendedKey, Domain: "acme-sigorta.com"},
			wantStatus: models.StatusSuspended,
		},
		{
			name:       "customer domain allowed",
			req:        protocol.Request{LicenseKey: testutil.DomainKey, Domain: "https://www.acme-sigorta.com/wp-admin/"},
			wantStatus: models.StatusActive,
		},
		{
			name:       "customer domain denied",
			req:        protocol.Request{LicenseKey: testutil.DomainKey, Domain: "other.com"},
			wantStatus: models.StatusInvalid,
			check: func(t *testing.T, resp protocol.Response) {
				assert.Equal(t, "License is not valid for this domain", resp.Message)
				assert.Empty(t, resp.Modules)
			},
		},
		{
			name:       "info skips the domain check",
			req:        protocol.Request{LicenseKey: testutil.DomainKey, Action: protocol.ActionInfo},
			wantStatus: models.StatusActive,
			check: func(t *testing.T, resp protocol.Response) {
				assert.Equal(t, []string{"reports"}, resp.Modules)
			},
		},
		{
			name:       "status returns status fields only",
			req:        protocol.Request{LicenseKey: testutil.ActiveKey, Action: protocol.ActionStatus},
			wantStatus: models.StatusActive,
			check: func(t *testing.T, resp protocol.Response) {
				assert.Equal(t, "2099-02-01", resp.ExpiresOn)
				assert.Empty(t, resp.LicenseType)
				assert.Empty(t, resp.Modules)
			},
		},
		{
			name:       "missing key",
			req:        protocol.Request{},
			wantStatus: models.StatusInvalid,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, _ := newTestRegistry(t)
			resp, err := r.Validate(context.Background(), tt.req)
			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, resp.Status)
			if tt.check != nil {
				tt.check(t, resp)
			}
		})
	}
}

func TestValidate_TouchesLastCheck(t *testing.T) {
	r, store := newTestRegistry(t)
	ctx := context.Background()

	_, err := r.Validate(ctx, protocol.Request{LicenseKey: testutil.ActiveKey, Domain: "a.com"})
	require.NoError(t, err)

	license, err := store.FindLicenseByKey(ctx, testutil.ActiveKey)
	require.NoError(t, err)
	require.NotNil(t, license.LastCheck)
	assert.True(t, fixedNow.Equal(*license.LastCheck))
}

func TestValidate_PackageName(t *testing.T) {
	r, store := newTestRegistry(t)
	ctx := context.Background()

	pkg := models.LicensePackage{ID: "premium", Name: "premium", Description: "Premium Paket", LicenseType: models.TypeMonthly, IsActive: true}
	require.NoError(t, store.SavePackage(ctx, &pkg))

	license, err := store.FindLicenseByKey(ctx, testutil.LifetimeKey)
	require.NoError(t, err)
	license.PackageID = "premium"
	license.Description = ""
	require.NoError(t, store.SaveLicense(ctx, license))

	resp, err := r.Validate(ctx, protocol.Request{LicenseKey: testutil.LifetimeKey, Domain: "a.com"})
	require.NoError(t, err)
	assert.Equal(t, "premium", resp.LicensePackage)
	assert.Equal(t, "Premium Paket", resp.LicenseTypeDescription)
	assert.Equal(t, "", resp.ExpiresOn)
}
