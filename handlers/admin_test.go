package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crmlicense.app/licensing/internal/testutil"
	"crmlicense.app/licensing/models"
	"crmlicense.app/licensing/registry"
	"crmlicense.app/licensing/storage"
)

var adminHeaders = map[string]string{"Authorization": "Bearer " + testAdminToken}

func adminRequest(t *testing.T, ts *testServer, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	return testutil.MakeJSONRequest(t, ts, method, "/api/v1/admin"+path, body, adminHeaders)
}

func TestAdmin_RequiresToken(t *testing.T) {
	ts := newTestServer(t)

	w := testutil.MakeJSONRequest(t, ts, http.MethodGet, "/api/v1/admin/licenses", nil, nil)
	testutil.AssertErrorResponse(t, w, http.StatusUnauthorized, "Unauthorized")

	w = testutil.MakeJSONRequest(t, ts, http.MethodGet, "/api/v1/admin/licenses", nil,
		map[string]string{"Authorization": "Bearer wrong"})
	testutil.AssertErrorResponse(t, w, http.StatusUnauthorized, "Unauthorized")
}

func TestAdmin_DisabledWithoutToken(t *testing.T) {
	ts := newTestServer(t, func(o *Options) { o.AdminToken = "" })

	w := adminRequest(t, ts, http.MethodGet, "/licenses", nil)
	testutil.AssertErrorResponse(t, w, http.StatusServiceUnavailable, "Admin API disabled")
}

func TestAdmin_ListLicenses(t *testing.T) {
	ts := newTestServer(t)

	w := adminRequest(t, ts, http.MethodGet, "/licenses", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var views []map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &views))
	assert.Len(t, views, 5)

	effective := map[string]interface{}{}
	for _, v := range views {
		effective[v["key"].(string)] = v["effective_status"]
	}
	assert.Equal(t, models.StatusExpired, effective[testutil.ExpiredKey])
	assert.Equal(t, models.StatusSuspended, effective[testutil.SuspendedKey])

	w = adminRequest(t, ts, http.MethodGet, "/licenses?status=suspended", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &views))
	assert.Len(t, views, 1)

	w = adminRequest(t, ts, http.MethodGet, "/licenses?status=bogus", nil)
	testutil.AssertErrorResponse(t, w, http.StatusBadRequest, registry.ErrInvalidStatus.Error())
}

func TestAdmin_IssueLicense(t *testing.T) {
	ts := newTestServer(t)

	w := adminRequest(t, ts, http.MethodPost, "/licenses", registry.IssueRequest{
		CustomerID:     "customer2",
		LicenseType:    models.TypeYearly,
		Modules:        []string{"customers", "policies"},
		AllowedDomains: []string{"broker.example.com"},
	})
	require.Equal(t, http.StatusCreated, w.Code, "body: %s", w.Body.String())

	var issued models.License
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &issued))
	assert.Regexp(t, `^CRM-[0-9A-F]{24}$`, issued.Key)
	assert.Equal(t, "2026-01-05", issued.ExpiryString())
	assert.Equal(t, models.DefaultUserLimit, issued.UserLimit)

	stored, err := ts.store.FindLicenseByKey(context.Background(), issued.Key)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, []string{"customers", "policies"}, stored.Modules)
}

func TestAdmin_IssueLicense_Errors(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		name   string
		body   interface{}
		status int
	}{
		{"missing customer", map[string]string{"license_type": "monthly"}, http.StatusBadRequest},
		{"bad type", map[string]string{"customer_id": "customer1", "license_type": "weekly"}, http.StatusBadRequest},
		{"bad expiry", map[string]string{"customer_id": "customer1", "expires_on": "next year"}, http.StatusBadRequest},
		{"unknown customer", map[string]string{"customer_id": "nobody"}, http.StatusNotFound},
		{"unknown package", map[string]string{"customer_id": "customer1", "package_id": "gold"}, http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := adminRequest(t, ts, http.MethodPost, "/licenses", tt.body)
			assert.Equal(t, tt.status, w.Code, "body: %s", w.Body.String())
		})
	}
}

func TestAdmin_ValidationErrorUsesJSONNames(t *testing.T) {
	ts := newTestServer(t)

	w := adminRequest(t, ts, http.MethodPost, "/licenses", map[string]string{})
	require.Equal(t, http.StatusBadRequest, w.Code)

	var resp ValidationErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "validation failed", resp.Error)
	assert.Equal(t, "required", resp.Fields["customer_id"])
}

func TestAdmin_IssueFromPackage(t *testing.T) {
	ts := newTestServer(t)

	w := adminRequest(t, ts, http.MethodPut, "/packages/pro-monthly", PackageRequest{
		Name:        "Pro Aylık",
		LicenseType: models.TypeMonthly,
		UserLimit:   25,
		Price:       149900,
		Currency:    "try",
		Modules:     []string{"customers", "policies", "reports"},
	})
	require.Equal(t, http.StatusOK, w.Code, "body: %s", w.Body.String())

	w = adminRequest(t, ts, http.MethodPost, "/licenses", registry.IssueRequest{
		CustomerID: "customer1",
		PackageID:  "pro-monthly",
	})
	require.Equal(t, http.StatusCreated, w.Code, "body: %s", w.Body.String())

	var issued models.License
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &issued))
	assert.Equal(t, models.TypeMonthly, issued.LicenseType)
	assert.Equal(t, 25, issued.UserLimit)
	assert.Equal(t, "2025-02-05", issued.ExpiryString())
	assert.Equal(t, []string{"customers", "policies", "reports"}, issued.Modules)

	pkg, err := ts.store.GetPackage(context.Background(), "pro-monthly")
	require.NoError(t, err)
	assert.Equal(t, "TRY", pkg.Currency)
	assert.True(t, pkg.IsActive)
}

func TestAdmin_GetLicense(t *testing.T) {
	ts := newTestServer(t)

	w := adminRequest(t, ts, http.MethodGet, "/licenses/license2", nil)
	require.Equal(t, http.StatusOK, w.Code)

	detail := testutil.DecodeJSON(t, w)
	assert.Equal(t, testutil.ExpiredKey, detail["key"])
	assert.Equal(t, models.StatusExpired, detail["effective_status"])
	assert.Equal(t, models.StatusActive, detail["status"])
	assert.Equal(t, "customer2", detail["customer"].(map[string]interface{})["id"])
	assert.Equal(t, []interface{}{}, detail["payments"])

	w = adminRequest(t, ts, http.MethodGet, "/licenses/missing", nil)
	testutil.AssertErrorResponse(t, w, http.StatusNotFound, "License not found")
}

func TestAdmin_SetStatus(t *testing.T) {
	ts := newTestServer(t)

	w := adminRequest(t, ts, http.MethodPut, "/licenses/license1/status", StatusRequest{Status: models.StatusSuspended})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, models.StatusSuspended, testutil.DecodeJSON(t, w)["effective_status"])

	resp := decodeResponse(t, testutil.MakeValidateRequest(t, ts, "/api/v1/license/validate", testutil.ActiveKey, "example.com"))
	assert.Equal(t, models.StatusSuspended, resp.Status)

	w = adminRequest(t, ts, http.MethodPut, "/licenses/license1/status", StatusRequest{Status: "paused"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = adminRequest(t, ts, http.MethodPut, "/licenses/missing/status", StatusRequest{Status: models.StatusActive})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAdmin_SetModules(t *testing.T) {
	ts := newTestServer(t)

	w := adminRequest(t, ts, http.MethodPut, "/licenses/license1/modules", ModulesRequest{
		Modules: []string{"reports", " ", "tasks"},
	})
	require.Equal(t, http.StatusOK, w.Code, "body: %s", w.Body.String())

	resp := decodeResponse(t, testutil.MakeValidateRequest(t, ts, "/api/v1/license/validate", testutil.ActiveKey, "example.com"))
	assert.Equal(t, []string{"reports", "tasks"}, resp.Modules)

	w = adminRequest(t, ts, http.MethodPut, "/licenses/license1/modules", map[string]interface{}{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAdmin_DeleteLicense(t *testing.T) {
	ts := newTestServer(t)

	w := adminRequest(t, ts, http.MethodDelete, "/licenses/license5", nil)
	require.Equal(t, http.StatusNoContent, w.Code)

	resp := decodeResponse(t, testutil.MakeValidateRequest(t, ts, "/api/v1/license/validate", testutil.DomainKey, "acme-sigorta.com"))
	assert.Equal(t, models.StatusInvalid, resp.Status)

	w = adminRequest(t, ts, http.MethodDelete, "/licenses/license5", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAdmin_Payments(t *testing.T) {
	ts := newTestServer(t)

	w := adminRequest(t, ts, http.MethodPost, "/licenses/license1/payments", PaymentRequest{
		Amount:     149900,
		Currency:   "try",
		Method:     models.MethodBankTransfer,
		PaidAt:     "2025-01-03",
		ReceiptRef: "EFT-2025-0001",
	})
	require.Equal(t, http.StatusCreated, w.Code, "body: %s", w.Body.String())

	var payment models.Payment
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &payment))
	assert.Equal(t, "customer1", payment.CustomerID)
	assert.Equal(t, "TRY", payment.Currency)
	assert.Equal(t, models.PaymentCompleted, payment.Status)
	assert.Equal(t, "2025-01-03", payment.PaidAt.Format(models.DateLayout))

	w = adminRequest(t, ts, http.MethodPost, "/licenses/license1/payments", PaymentRequest{
		Amount:   20000,
		Currency: "TRY",
		Status:   models.PaymentRefunded,
	})
	require.Equal(t, http.StatusCreated, w.Code)

	w = adminRequest(t, ts, http.MethodGet, "/licenses/license1/payments", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var payments []models.Payment
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &payments))
	assert.Len(t, payments, 2)

	w = adminRequest(t, ts, http.MethodGet, "/revenue", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var revenue RevenueResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &revenue))
	assert.Equal(t, int64(129900), revenue.Totals["TRY"])
	assert.Equal(t, "₺1299.00", revenue.Formatted["TRY"])

	w = adminRequest(t, ts, http.MethodPost, "/licenses/missing/payments", PaymentRequest{Amount: 1, Currency: "USD"})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = adminRequest(t, ts, http.MethodPost, "/licenses/license1/payments", PaymentRequest{Amount: 0, Currency: "USD"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAdmin_Customers(t *testing.T) {
	ts := newTestServer(t)

	w := adminRequest(t, ts, http.MethodPost, "/customers", CustomerRequest{
		Name:           "Ayşe Demir",
		Email:          "ayse@demir-sigorta.com",
		Company:        "Demir Sigorta",
		AllowedDomains: []string{"demir-sigorta.com"},
	})
	require.Equal(t, http.StatusCreated, w.Code, "body: %s", w.Body.String())
	var created models.Customer
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.NotEmpty(t, created.ID)

	w = adminRequest(t, ts, http.MethodPost, "/customers", CustomerRequest{Name: "Dup", Email: "ayse@demir-sigorta.com"})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = adminRequest(t, ts, http.MethodPost, "/customers", CustomerRequest{Name: "Bad", Email: "not-an-email"})
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = adminRequest(t, ts, http.MethodPut, "/customers/"+created.ID, CustomerRequest{
		Name:  "Ayşe Demir Yılmaz",
		Email: "ayse@demir-sigorta.com",
	})
	require.Equal(t, http.StatusOK, w.Code)

	stored, err := ts.store.GetCustomer(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, "Ayşe Demir Yılmaz", stored.Name)
	assert.True(t, stored.CreatedAt.Equal(created.CreatedAt))

	w = adminRequest(t, ts, http.MethodGet, "/customers/customer1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	detail := testutil.DecodeJSON(t, w)
	assert.Len(t, detail["licenses"], 2)

	w = adminRequest(t, ts, http.MethodDelete, "/customers/customer1", nil)
	testutil.AssertErrorResponse(t, w, http.StatusConflict, storage.ErrCustomerInUse.Error())

	w = adminRequest(t, ts, http.MethodDelete, "/customers/"+created.ID, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = adminRequest(t, ts, http.MethodGet, "/customers", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var customers []models.Customer
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &customers))
	assert.Len(t, customers, 3)
}

func TestAdmin_Modules(t *testing.T) {
	ts := newTestServer(t)
	_, err := storage.SeedModules(context.Background(), ts.store)
	require.NoError(t, err)

	w := adminRequest(t, ts, http.MethodPut, "/modules/commissions", ModuleRequest{
		Name:          "Komisyonlar",
		ViewParameter: "commissions",
		Category:      "finance",
	})
	require.Equal(t, http.StatusOK, w.Code, "body: %s", w.Body.String())

	w = adminRequest(t, ts, http.MethodGet, "/modules", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var modules []models.Module
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &modules))
	assert.Len(t, modules, len(storage.DefaultModuleCatalog)+1)

	w = adminRequest(t, ts, http.MethodPut, "/modules/other", ModuleRequest{Name: "Other", ViewParameter: "commissions"})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = adminRequest(t, ts, http.MethodDelete, "/modules/dashboard", nil)
	testutil.AssertErrorResponse(t, w, http.StatusConflict, storage.ErrCoreModule.Error())

	w = adminRequest(t, ts, http.MethodDelete, "/modules/commissions", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = adminRequest(t, ts, http.MethodDelete, "/modules/commissions", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAdmin_Sweep(t *testing.T) {
	ts := newTestServer(t)

	w := adminRequest(t, ts, http.MethodPost, "/sweep", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(1), testutil.DecodeJSON(t, w)["expired"])

	license, err := ts.store.GetLicense(context.Background(), "license2")
	require.NoError(t, err)
	assert.Equal(t, models.StatusExpired, license.Status)
}
