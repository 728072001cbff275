package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crmlicense.app/licensing/internal/testutil"
	"crmlicense.app/licensing/models"
	"crmlicense.app/licensing/protocol"
)

func decodeResponse(t *testing.T, w *httptest.ResponseRecorder) protocol.Response {
	t.Helper()
	require.Equal(t, http.StatusOK, w.Code, "body: %s", w.Body.String())
	var resp protocol.Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func TestValidateLicense_Active(t *testing.T) {
	ts := newTestServer(t)

	for _, path := range ValidatePaths {
		t.Run(path, func(t *testing.T) {
			resp := decodeResponse(t, testutil.MakeValidateRequest(t, ts, path, testutil.ActiveKey, "crm.example.com"))

			assert.Equal(t, models.StatusActive, resp.Status)
			assert.Equal(t, models.TypeMonthly, resp.LicenseType)
			assert.Equal(t, "Premium Aylık Abonelik", resp.LicenseTypeDescription)
			assert.Equal(t, "2099-02-01", resp.ExpiresOn)
			assert.Equal(t, 10, resp.UserLimit)
			assert.Equal(t, []string{"customers", "quotes"}, resp.Modules)
			assert.Equal(t, "License is active", resp.Message)
		})
	}
}

func TestValidateLicense_Statuses(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		name    string
		key     string
		domain  string
		status  string
		message string
	}{
		{"expired", testutil.ExpiredKey, "example.com", models.StatusExpired, "License has expired"},
		{"suspended", testutil.SuspendedKey, "acme-sigorta.com", models.StatusSuspended, "License is suspended"},
		{"unknown key", "CRM-DOESNOTEXIST", "example.com", models.StatusInvalid, "License not found"},
		{"wrong domain", testutil.DomainKey, "other-agency.com", models.StatusInvalid, "License is not valid for this domain"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := decodeResponse(t, testutil.MakeValidateRequest(t, ts, "/api/v1/license/validate", tt.key, tt.domain))
			assert.Equal(t, tt.status, resp.Status)
			assert.Equal(t, tt.message, resp.Message)
		})
	}
}

func TestValidateLicense_DomainVariants(t *testing.T) {
	ts := newTestServer(t)

	for _, domain := range []string{
		"acme-sigorta.com",
		"https://www.acme-sigorta.com/wp-admin/",
		"staging.acme-sigorta.com",
		"ACME-SIGORTA.COM",
	} {
		resp := decodeResponse(t, testutil.MakeValidateRequest(t, ts, "/api/v1/validate", testutil.DomainKey, domain))
		assert.Equal(t, models.StatusActive, resp.Status, "domain %q", domain)
		assert.Equal(t, []string{"reports"}, resp.Modules)
	}
}

func TestValidateLicense_LifetimeDefaults(t *testing.T) {
	ts := newTestServer(t)

	resp := decodeResponse(t, testutil.MakeValidateRequest(t, ts, "/api/v1/license/validate", testutil.LifetimeKey, "example.com"))

	assert.Equal(t, models.StatusActive, resp.Status)
	assert.Empty(t, resp.ExpiresOn)
	assert.Equal(t, models.DefaultUserLimit, resp.UserLimit)
	assert.Equal(t, models.DefaultModules, resp.Modules)
}

func TestValidateLicense_MissingFields(t *testing.T) {
	ts := newTestServer(t)

	w := testutil.MakeValidateRequest(t, ts, "/api/v1/license/validate", "", "example.com")
	testutil.AssertErrorResponse(t, w, http.StatusBadRequest, protocol.ErrMissingKey.Error())

	w = testutil.MakeValidateRequest(t, ts, "/api/v1/license/validate", testutil.ActiveKey, "")
	testutil.AssertErrorResponse(t, w, http.StatusBadRequest, protocol.ErrMissingDomain.Error())
}

func TestValidateLicense_JSONBody(t *testing.T) {
	ts := newTestServer(t)

	w := testutil.MakeJSONRequest(t, ts, http.MethodPost, "/api/v1/license/validate", map[string]string{
		"license_key": testutil.ActiveKey,
		"domain":      "crm.example.com",
	}, nil)

	resp := decodeResponse(t, w)
	assert.Equal(t, models.StatusActive, resp.Status)
}

func TestValidateLicense_InvalidJSONBody(t *testing.T) {
	ts := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/license/validate", strings.NewReader("{not json"))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	ts.ServeHTTP(w, req)

	testutil.AssertErrorResponse(t, w, http.StatusBadRequest, "Invalid request body")
}

func TestValidateLicense_UnknownActionStillChecksDomain(t *testing.T) {
	ts := newTestServer(t)

	for _, action := range []string{"bogus", "VALIDATE ", "license.info"} {
		q := url.Values{
			"license_key": {testutil.DomainKey},
			"domain":      {"other-agency.com"},
			"action":      {action},
		}
		req := httptest.NewRequest(http.MethodGet, "/api/v1/license/validate?"+q.Encode(), nil)
		w := httptest.NewRecorder()
		ts.ServeHTTP(w, req)

		resp := decodeResponse(t, w)
		assert.Equal(t, models.StatusInvalid, resp.Status, "action %q", action)
		assert.Equal(t, "License is not valid for this domain", resp.Message, "action %q", action)
		assert.Empty(t, resp.Modules, "action %q", action)
	}
}

func TestValidateLicense_FormBody(t *testing.T) {
	ts := newTestServer(t)

	form := url.Values{"license_key": {testutil.ExpiredKey}, "domain": {"example.com"}}
	req := httptest.NewRequest(http.MethodPost, "/api/v1/validate", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	ts.ServeHTTP(w, req)

	resp := decodeResponse(t, w)
	assert.Equal(t, models.StatusExpired, resp.Status)
	assert.Equal(t, "2020-01-01", resp.ExpiresOn)
}

func TestValidateLicense_RecordsLastCheck(t *testing.T) {
	ts := newTestServer(t)

	decodeResponse(t, testutil.MakeValidateRequest(t, ts, "/api/v1/license/validate", testutil.ActiveKey, "example.com"))

	license, err := ts.store.GetLicense(context.Background(), "license1")
	require.NoError(t, err)
	require.NotNil(t, license.LastCheck)
	assert.True(t, license.LastCheck.Equal(fixedNow))
}

func TestLicenseInfo_NoDomainRequired(t *testing.T) {
	ts := newTestServer(t)

	resp := decodeResponse(t, testutil.MakeValidateRequest(t, ts, InfoPath, testutil.DomainKey, ""))

	assert.Equal(t, models.StatusActive, resp.Status)
	assert.Equal(t, []string{"reports"}, resp.Modules)
}

func TestLicenseStatus_ReturnsStatusOnly(t *testing.T) {
	ts := newTestServer(t)

	resp := decodeResponse(t, testutil.MakeValidateRequest(t, ts, StatusPath, testutil.ActiveKey, ""))

	assert.Equal(t, models.StatusActive, resp.Status)
	assert.Equal(t, "2099-02-01", resp.ExpiresOn)
	assert.Empty(t, resp.LicenseType)
	assert.Empty(t, resp.Modules)
	assert.NotNil(t, resp.Modules)
}

func TestCallback_Envelope(t *testing.T) {
	ts := newTestServer(t)

	w := testutil.MakeJSONRequest(t, ts, http.MethodPost, CallbackPath, protocol.CallbackEnvelope{
		Method: protocol.MethodValidate,
		Params: protocol.Request{LicenseKey: testutil.ActiveKey, Domain: "example.com"},
	}, nil)
	require.Equal(t, http.StatusOK, w.Code, "body: %s", w.Body.String())

	var resp protocol.CallbackResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	require.NotNil(t, resp.Data)
	assert.Equal(t, models.StatusActive, resp.Data.Status)
	assert.Equal(t, 10, resp.Data.UserLimit)
}

func TestCallback_FlatFields(t *testing.T) {
	ts := newTestServer(t)

	w := testutil.MakeJSONRequest(t, ts, http.MethodPost, CallbackPath, map[string]string{
		"method":      "license.info",
		"license_key": testutil.SuspendedKey,
	}, nil)

	var resp protocol.CallbackResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	require.NotNil(t, resp.Data)
	assert.Equal(t, models.StatusSuspended, resp.Data.Status)
}

func TestCallback_Form(t *testing.T) {
	ts := newTestServer(t)

	form := url.Values{
		"method":      {protocol.MethodValidate},
		"license_key": {testutil.ActiveKey},
		"domain":      {"example.com"},
	}
	req := httptest.NewRequest(http.MethodPost, CallbackPath, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := httptest.NewRecorder()
	ts.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp protocol.CallbackResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, models.StatusActive, resp.Data.Status)
}

func TestCallback_Errors(t *testing.T) {
	ts := newTestServer(t)

	tests := []struct {
		name string
		body interface{}
		want string
	}{
		{"unknown method", map[string]interface{}{"method": "license.delete", "params": map[string]string{"license_key": testutil.ActiveKey}}, protocol.ErrUnknownMethod.Error()},
		{"missing key", protocol.CallbackEnvelope{Method: protocol.MethodInfo}, protocol.ErrMissingKey.Error()},
		{"missing domain", protocol.CallbackEnvelope{Method: protocol.MethodValidate, Params: protocol.Request{LicenseKey: testutil.ActiveKey}}, protocol.ErrMissingDomain.Error()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := testutil.MakeJSONRequest(t, ts, http.MethodPost, CallbackPath, tt.body, nil)
			require.Equal(t, http.StatusBadRequest, w.Code)

			var resp protocol.CallbackResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			assert.False(t, resp.Success)
			assert.Equal(t, tt.want, resp.Error)
			assert.Nil(t, resp.Data)
		})
	}
}

func TestQueryAPI(t *testing.T) {
	ts := newTestServer(t)

	q := url.Values{
		QueryParam:    {"validate"},
		"license_key": {testutil.ExpiredKey},
		"domain":      {"example.com"},
	}
	req := httptest.NewRequest(http.MethodGet, "/?"+q.Encode(), nil)
	w := httptest.NewRecorder()
	ts.ServeHTTP(w, req)

	resp := decodeResponse(t, w)
	assert.Equal(t, models.StatusExpired, resp.Status)
}

func TestQueryAPI_WithoutParameter(t *testing.T) {
	ts := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	w := httptest.NewRecorder()
	ts.ServeHTTP(w, req)

	testutil.AssertErrorResponse(t, w, http.StatusNotFound, "Not found")
}
