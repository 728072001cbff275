package handlers

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/google/uuid"

	"crmlicense.app/licensing/internal/logger"
	"crmlicense.app/licensing/models"
	"crmlicense.app/licensing/registry"
	"crmlicense.app/licensing/storage"
)

func (s *Server) adminRoutes(r chi.Router) {
	r.Use(s.requireAdmin)

	r.Route("/licenses", func(r chi.Router) {
		r.Get("/", s.ListLicenses)
		r.Post("/", s.IssueLicense)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.GetLicense)
			r.Delete("/", s.DeleteLicense)
			r.Put("/status", s.SetLicenseStatus)
			r.Put("/modules", s.SetLicenseModules)
			r.Get("/payments", s.ListPayments)
			r.Post("/payments", s.RecordPayment)
		})
	})

	r.Route("/customers", func(r chi.Router) {
		r.Get("/", s.ListCustomers)
		r.Post("/", s.CreateCustomer)
		r.Get("/{id}", s.GetCustomer)
		r.Put("/{id}", s.UpdateCustomer)
		r.Delete("/{id}", s.DeleteCustomer)
	})

	r.Get("/modules", s.ListModules)
	r.Put("/modules/{slug}", s.SaveModule)
	r.Delete("/modules/{slug}", s.DeleteModule)

	r.Get("/packages", s.ListPackages)
	r.Put("/packages/{id}", s.SavePackage)

	r.Get("/revenue", s.Revenue)
	r.Post("/sweep", s.RunSweep)
}

// requireAdmin checks the bearer token. The admin API is off when no token
// is configured.
func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.opts.AdminToken == "" {
			writeErrorResponse(w, r, http.StatusServiceUnavailable, "Admin API disabled")
			return
		}
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.opts.AdminToken)) != 1 {
			logger.Warn("Rejected admin request", map[string]interface{}{
				"path":        r.URL.Path,
				"remote_addr": r.RemoteAddr,
			})
			writeErrorResponse(w, r, http.StatusUnauthorized, "Unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// writeStoreError maps domain errors to status codes and reports the rest as
// internal errors.
func writeStoreError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, registry.ErrNotFound):
		writeErrorResponse(w, r, http.StatusNotFound, "Not found")
	case errors.Is(err, storage.ErrCustomerNotFound), errors.Is(err, registry.ErrUnknownPackage):
		writeErrorResponse(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, storage.ErrCustomerInUse),
		errors.Is(err, storage.ErrCoreModule),
		errors.Is(err, storage.ErrDuplicateViewParameter),
		errors.Is(err, storage.ErrDuplicateKey):
		writeErrorResponse(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, registry.ErrInactivePackage),
		errors.Is(err, registry.ErrInvalidType),
		errors.Is(err, registry.ErrInvalidStatus),
		errors.Is(err, registry.ErrCustomerRequired):
		writeErrorResponse(w, r, http.StatusBadRequest, err.Error())
	default:
		internalError(w, r, "Admin request failed", err)
	}
}

type LicenseView struct {
	*models.License
	EffectiveStatus string `json:"effective_status"`
}

type LicenseDetail struct {
	LicenseView
	Customer *models.Customer       `json:"customer"`
	Package  *models.LicensePackage `json:"package,omitempty"`
	Payments []*models.Payment      `json:"payments"`
}

func (s *Server) view(license *models.License) LicenseView {
	return LicenseView{License: license, EffectiveStatus: registry.DeriveStatus(license, s.opts.Now())}
}

func (s *Server) ListLicenses(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	if status != "" && !models.IsValidStatus(status) {
		writeErrorResponse(w, r, http.StatusBadRequest, registry.ErrInvalidStatus.Error())
		return
	}

	licenses, err := s.Storage.ListLicenses(r.Context(), status)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	views := make([]LicenseView, 0, len(licenses))
	for _, l := range licenses {
		views = append(views, s.view(l))
	}
	render.JSON(w, r, views)
}

func (s *Server) IssueLicense(w http.ResponseWriter, r *http.Request) {
	var req registry.IssueRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}
	if _, err := models.ParseDate(req.ExpiresOn); err != nil {
		writeErrorResponse(w, r, http.StatusBadRequest, err.Error())
		return
	}

	license, err := s.Registry.Issue(r.Context(), req)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, s.view(license))
}

func (s *Server) loadLicense(w http.ResponseWriter, r *http.Request) *models.License {
	license, err := s.Storage.GetLicense(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, r, err)
		return nil
	}
	if license == nil {
		writeErrorResponse(w, r, http.StatusNotFound, "License not found")
		return nil
	}
	return license
}

func (s *Server) GetLicense(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	license := s.loadLicense(w, r)
	if license == nil {
		return
	}

	detail := LicenseDetail{LicenseView: s.view(license), Payments: []*models.Payment{}}
	var err error
	if detail.Customer, err = s.Storage.GetCustomer(ctx, license.CustomerID); err != nil {
		writeStoreError(w, r, err)
		return
	}
	if license.PackageID != "" {
		if detail.Package, err = s.Storage.GetPackage(ctx, license.PackageID); err != nil {
			writeStoreError(w, r, err)
			return
		}
	}
	payments, err := s.Storage.FindPaymentsByLicense(ctx, license.ID)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	if payments != nil {
		detail.Payments = payments
	}
	render.JSON(w, r, detail)
}

type StatusRequest struct {
	Status string `json:"status" validate:"required,oneof=active expired suspended invalid"`
}

func (s *Server) SetLicenseStatus(w http.ResponseWriter, r *http.Request) {
	var req StatusRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}
	id := chi.URLParam(r, "id")
	if err := s.Registry.SetStatus(r.Context(), id, req.Status); err != nil {
		writeStoreError(w, r, err)
		return
	}
	s.respondWithLicense(w, r, id)
}

type ModulesRequest struct {
	Modules []string `json:"modules" validate:"required"`
}

func (s *Server) SetLicenseModules(w http.ResponseWriter, r *http.Request) {
	var req ModulesRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}
	id := chi.URLParam(r, "id")
	if err := s.Registry.SetModules(r.Context(), id, req.Modules); err != nil {
		writeStoreError(w, r, err)
		return
	}
	s.respondWithLicense(w, r, id)
}

func (s *Server) respondWithLicense(w http.ResponseWriter, r *http.Request, id string) {
	license, err := s.Storage.GetLicense(r.Context(), id)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	if license == nil {
		writeErrorResponse(w, r, http.StatusNotFound, "License not found")
		return
	}
	render.JSON(w, r, s.view(license))
}

func (s *Server) DeleteLicense(w http.ResponseWriter, r *http.Request) {
	if err := s.Registry.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeStoreError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) ListPayments(w http.ResponseWriter, r *http.Request) {
	license := s.loadLicense(w, r)
	if license == nil {
		return
	}
	payments, err := s.Storage.FindPaymentsByLicense(r.Context(), license.ID)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	if payments == nil {
		payments = []*models.Payment{}
	}
	render.JSON(w, r, payments)
}

type PaymentRequest struct {
	Amount     int64  `json:"amount" validate:"gt=0"`
	Currency   string `json:"currency" validate:"required,len=3"`
	Method     string `json:"method" validate:"omitempty,oneof=stripe bank_transfer cash other"`
	Status     string `json:"status" validate:"omitempty,oneof=pending completed failed cancelled refunded"`
	PaidAt     string `json:"paid_at"`
	ReceiptRef string `json:"receipt_ref"`
	Notes      string `json:"notes"`
}

func (s *Server) RecordPayment(w http.ResponseWriter, r *http.Request) {
	license := s.loadLicense(w, r)
	if license == nil {
		return
	}
	var req PaymentRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	now := s.opts.Now().UTC()
	paidAt := now
	if req.PaidAt != "" {
		t, err := time.Parse(time.RFC3339, req.PaidAt)
		if err != nil {
			day, dayErr := models.ParseDate(req.PaidAt)
			if dayErr != nil || day == nil {
				writeErrorResponse(w, r, http.StatusBadRequest, "invalid paid_at")
				return
			}
			t = *day
		}
		paidAt = t.UTC()
	}

	payment := &models.Payment{
		ID:         uuid.New().String(),
		LicenseID:  license.ID,
		CustomerID: license.CustomerID,
		Amount:     req.Amount,
		Currency:   strings.ToUpper(req.Currency),
		Method:     req.Method,
		Status:     req.Status,
		PaidAt:     paidAt,
		ReceiptRef: req.ReceiptRef,
		Notes:      req.Notes,
		CreatedAt:  now,
	}
	if payment.Method == "" {
		payment.Method = models.MethodOther
	}
	if payment.Status == "" {
		payment.Status = models.PaymentCompleted
	}

	if err := s.Storage.SavePayment(r.Context(), payment); err != nil {
		writeStoreError(w, r, err)
		return
	}
	logger.Info("Payment recorded", map[string]interface{}{
		"payment_id": payment.ID,
		"license_id": license.ID,
		"amount":     payment.Amount,
		"currency":   payment.Currency,
	})
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, payment)
}

type CustomerRequest struct {
	Name           string   `json:"name" validate:"required"`
	Email          string   `json:"email" validate:"required,email"`
	Phone          string   `json:"phone"`
	Company        string   `json:"company"`
	AllowedDomains []string `json:"allowed_domains" validate:"dive,required"`
}

func (s *Server) ListCustomers(w http.ResponseWriter, r *http.Request) {
	customers, err := s.Storage.ListCustomers(r.Context())
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	render.JSON(w, r, customers)
}

type CustomerDetail struct {
	*models.Customer
	Licenses []LicenseView `json:"licenses"`
}

func (s *Server) GetCustomer(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	customer, err := s.Storage.GetCustomer(ctx, chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	if customer == nil {
		writeErrorResponse(w, r, http.StatusNotFound, "Customer not found")
		return
	}
	licenses, err := s.Storage.FindLicensesByCustomer(ctx, customer.ID)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	detail := CustomerDetail{Customer: customer, Licenses: make([]LicenseView, 0, len(licenses))}
	for _, l := range licenses {
		detail.Licenses = append(detail.Licenses, s.view(l))
	}
	render.JSON(w, r, detail)
}

func (s *Server) CreateCustomer(w http.ResponseWriter, r *http.Request) {
	var req CustomerRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	existing, err := s.Storage.FindCustomerByEmailAddress(r.Context(), req.Email)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	if existing != nil {
		writeErrorResponse(w, r, http.StatusConflict, "customer with this email already exists")
		return
	}

	now := s.opts.Now().UTC()
	customer := &models.Customer{ID: uuid.New().String(), CreatedAt: now}
	s.saveCustomer(w, r, customer, req, http.StatusCreated)
}

func (s *Server) UpdateCustomer(w http.ResponseWriter, r *http.Request) {
	customer, err := s.Storage.GetCustomer(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	if customer == nil {
		writeErrorResponse(w, r, http.StatusNotFound, "Customer not found")
		return
	}
	var req CustomerRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}
	s.saveCustomer(w, r, customer, req, http.StatusOK)
}

func (s *Server) saveCustomer(w http.ResponseWriter, r *http.Request, customer *models.Customer, req CustomerRequest, status int) {
	customer.Name = req.Name
	customer.Email = req.Email
	customer.Phone = req.Phone
	customer.Company = req.Company
	customer.AllowedDomains = req.AllowedDomains
	customer.UpdatedAt = s.opts.Now().UTC()

	if err := s.Storage.SaveCustomer(r.Context(), customer); err != nil {
		writeStoreError(w, r, err)
		return
	}
	render.Status(r, status)
	render.JSON(w, r, customer)
}

func (s *Server) DeleteCustomer(w http.ResponseWriter, r *http.Request) {
	if err := s.Storage.DeleteCustomer(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeStoreError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) ListModules(w http.ResponseWriter, r *http.Request) {
	modules, err := s.Storage.ListModules(r.Context())
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	render.JSON(w, r, modules)
}

type ModuleRequest struct {
	Name          string `json:"name" validate:"required"`
	ViewParameter string `json:"view_parameter"`
	Category      string `json:"category"`
	Description   string `json:"description"`
	IsCore        bool   `json:"is_core"`
	IsActive      *bool  `json:"is_active"`
}

func (s *Server) SaveModule(w http.ResponseWriter, r *http.Request) {
	var req ModuleRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}
	module := &models.Module{
		Slug:          chi.URLParam(r, "slug"),
		Name:          req.Name,
		ViewParameter: req.ViewParameter,
		Category:      req.Category,
		Description:   req.Description,
		IsCore:        req.IsCore,
		IsActive:      req.IsActive == nil || *req.IsActive,
	}
	if err := s.Storage.SaveModule(r.Context(), module); err != nil {
		writeStoreError(w, r, err)
		return
	}
	render.JSON(w, r, module)
}

func (s *Server) DeleteModule(w http.ResponseWriter, r *http.Request) {
	if err := s.Storage.DeleteModule(r.Context(), chi.URLParam(r, "slug")); err != nil {
		writeStoreError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) ListPackages(w http.ResponseWriter, r *http.Request) {
	packages, err := s.Storage.ListPackages(r.Context())
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	render.JSON(w, r, packages)
}

type PackageRequest struct {
	Name        string   `json:"name" validate:"required"`
	Description string   `json:"description"`
	LicenseType string   `json:"license_type" validate:"required,oneof=monthly yearly lifetime trial"`
	UserLimit   int      `json:"user_limit" validate:"gte=0"`
	Price       int64    `json:"price" validate:"gte=0"`
	Currency    string   `json:"currency" validate:"omitempty,len=3"`
	Modules     []string `json:"modules"`
	IsActive    *bool    `json:"is_active"`
}

func (s *Server) SavePackage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req PackageRequest
	if !decodeAndValidate(w, r, &req) {
		return
	}

	id := chi.URLParam(r, "id")
	existing, err := s.Storage.GetPackage(ctx, id)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}

	now := s.opts.Now().UTC()
	pkg := &models.LicensePackage{
		ID:          id,
		Name:        req.Name,
		Description: req.Description,
		LicenseType: req.LicenseType,
		UserLimit:   req.UserLimit,
		Price:       req.Price,
		Currency:    strings.ToUpper(req.Currency),
		Modules:     req.Modules,
		IsActive:    req.IsActive == nil || *req.IsActive,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if existing != nil {
		pkg.CreatedAt = existing.CreatedAt
	}
	if err := s.Storage.SavePackage(ctx, pkg); err != nil {
		writeStoreError(w, r, err)
		return
	}
	render.JSON(w, r, pkg)
}

type RevenueResponse struct {
	Totals    map[string]int64  `json:"totals"`
	Formatted map[string]string `json:"formatted"`
}

func (s *Server) Revenue(w http.ResponseWriter, r *http.Request) {
	totals, err := s.Storage.RevenueSummary(r.Context())
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	resp := RevenueResponse{Totals: totals, Formatted: make(map[string]string, len(totals))}
	for currency, amount := range totals {
		resp.Formatted[currency] = formatPrice(amount, currency)
	}
	render.JSON(w, r, resp)
}

func (s *Server) RunSweep(w http.ResponseWriter, r *http.Request) {
	expired, err := s.Registry.Sweep(r.Context())
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	render.JSON(w, r, map[string]int{"expired": expired})
}
