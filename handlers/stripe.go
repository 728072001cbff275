package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/render"
	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"

	"crmlicense.app/licensing/internal/email"
	"crmlicense.app/licensing/internal/logger"
	"crmlicense.app/licensing/models"
	"crmlicense.app/licensing/registry"
)

const maxWebhookBytes = int64(65536)

// errBadMetadata marks checkout sessions whose metadata cannot produce a
// license. Stripe should not retry those.
var errBadMetadata = errors.New("checkout metadata does not describe a license")

func (s *Server) Stripe(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	logger.Info("Stripe webhook received", map[string]interface{}{
		"remote_addr": r.RemoteAddr,
		"user_agent":  r.Header.Get("User-Agent"),
	})

	if s.opts.StripeWebhookSecret == "" {
		logger.Error("Stripe webhook secret not configured")
		writeErrorResponse(w, r, http.StatusServiceUnavailable, "Stripe webhooks disabled")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxWebhookBytes)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		logger.Error("Failed to read webhook payload", map[string]interface{}{
			"error": err.Error(),
		})
		writeErrorResponse(w, r, http.StatusRequestEntityTooLarge, "Payload too large")
		return
	}

	event, err := webhook.ConstructEventWithOptions(payload, r.Header.Get("Stripe-Signature"), s.opts.StripeWebhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		logger.Warn("Webhook signature verification failed", map[string]interface{}{
			"error":        err.Error(),
			"payload_size": len(payload),
		})
		s.opts.Metrics.WebhookEvent("unknown", "invalid_signature")
		writeErrorResponse(w, r, http.StatusBadRequest, "Invalid signature")
		return
	}

	logger.Info("Stripe event verified", map[string]interface{}{
		"event_type": event.Type,
		"event_id":   event.ID,
	})

	result := "ignored"
	switch event.Type {
	case stripe.EventTypeCheckoutSessionCompleted:
		var session stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
			logger.Error("Failed to unmarshal checkout session", map[string]interface{}{
				"error":    err.Error(),
				"event_id": event.ID,
			})
			s.opts.Metrics.WebhookEvent(string(event.Type), "error")
			writeErrorResponse(w, r, http.StatusBadRequest, "Invalid checkout session")
			return
		}

		result, err = s.handleCheckoutComplete(ctx, &session)
		if errors.Is(err, errBadMetadata) {
			s.opts.Metrics.WebhookEvent(string(event.Type), "rejected")
			writeErrorResponse(w, r, http.StatusBadRequest, err.Error())
			return
		}
		if err != nil {
			s.opts.Metrics.WebhookEvent(string(event.Type), "error")
			internalError(w, r, "Failed to handle checkout completion", err)
			return
		}
	default:
		logger.Info("Unhandled webhook event type", map[string]interface{}{
			"event_type": event.Type,
			"event_id":   event.ID,
		})
	}

	s.opts.Metrics.WebhookEvent(string(event.Type), result)
	render.JSON(w, r, map[string]string{"received": "true", "result": result})
}

// handleCheckoutComplete issues a license for a paid session. Sessions are
// processed once; replays report "duplicate".
func (s *Server) handleCheckoutComplete(ctx context.Context, session *stripe.CheckoutSession) (string, error) {
	customerEmail := session.CustomerEmail
	if session.CustomerDetails != nil && session.CustomerDetails.Email != "" {
		customerEmail = session.CustomerDetails.Email
	}

	logger.Info("Processing checkout session", map[string]interface{}{
		"session_id":     session.ID,
		"customer_email": customerEmail,
		"amount":         session.AmountTotal,
		"currency":       session.Currency,
		"payment_status": session.PaymentStatus,
	})

	if session.PaymentStatus != stripe.CheckoutSessionPaymentStatusPaid &&
		session.PaymentStatus != stripe.CheckoutSessionPaymentStatusNoPaymentRequired {
		logger.Info("Checkout session not paid yet", map[string]interface{}{
			"session_id":     session.ID,
			"payment_status": session.PaymentStatus,
		})
		return "unpaid", nil
	}
	if customerEmail == "" {
		return "", fmt.Errorf("%w: no customer email", errBadMetadata)
	}

	existing, err := s.Storage.FindPaymentBySessionID(ctx, session.ID)
	if err != nil {
		return "", err
	}
	if existing != nil {
		logger.Info("Checkout session already processed", map[string]interface{}{
			"session_id": session.ID,
			"license_id": existing.LicenseID,
		})
		return "duplicate", nil
	}

	customer, err := s.findOrCreateCustomer(ctx, session, customerEmail)
	if err != nil {
		return "", fmt.Errorf("failed to find/create customer: %w", err)
	}

	req := registry.IssueRequest{
		CustomerID:  customer.ID,
		PackageID:   session.Metadata["package_id"],
		LicenseType: session.Metadata["license_type"],
	}
	if domain := strings.TrimSpace(session.Metadata["domain"]); domain != "" {
		req.AllowedDomains = []string{domain}
	}
	license, err := s.Registry.Issue(ctx, req)
	switch {
	case errors.Is(err, registry.ErrUnknownPackage),
		errors.Is(err, registry.ErrInactivePackage),
		errors.Is(err, registry.ErrInvalidType):
		return "", fmt.Errorf("%w: %v", errBadMetadata, err)
	case err != nil:
		return "", fmt.Errorf("failed to issue license: %w", err)
	}

	now := s.opts.Now().UTC()
	payment := &models.Payment{
		ID:              uuid.New().String(),
		LicenseID:       license.ID,
		CustomerID:      customer.ID,
		Amount:          session.AmountTotal,
		Currency:        strings.ToUpper(string(session.Currency)),
		Method:          models.MethodStripe,
		Status:          models.PaymentCompleted,
		PaidAt:          now,
		StripeSessionID: session.ID,
		CreatedAt:       now,
	}
	if err := s.Storage.SavePayment(ctx, payment); err != nil {
		return "", fmt.Errorf("failed to save payment: %w", err)
	}

	s.sendLicenseEmail(ctx, customer, license, payment)
	return "processed", nil
}

func (s *Server) sendLicenseEmail(ctx context.Context, customer *models.Customer, license *models.License, payment *models.Payment) {
	customerName := "there"
	if customer.Name != "" {
		customerName = strings.Split(customer.Name, " ")[0]
	}

	data := email.LicenseIssued{
		CustomerName: customerName,
		LicenseKey:   license.Key,
		LicenseType:  license.LicenseType,
		ExpiresOn:    license.ExpiryString(),
		UserLimit:    license.UserLimit,
		Modules:      registry.EffectiveModules(license),
		AmountPaid:   formatPrice(payment.Amount, payment.Currency),
	}
	if license.PackageID != "" {
		if pkg, err := s.Storage.GetPackage(ctx, license.PackageID); err == nil && pkg != nil {
			data.Package = pkg.Name
		}
	}

	subject, body, err := email.RenderLicenseIssued(data)
	if err == nil {
		err = s.opts.Mailer.Send(customer.Email, subject, body)
	}
	if err != nil {
		// the license exists either way; the key can be resent from the admin API
		logger.Error("Failed to send license email", map[string]interface{}{
			"error":       err.Error(),
			"email":       customer.Email,
			"license_key": license.Key,
			"customer_id": customer.ID,
		})
		return
	}
	logger.Info("License email sent", map[string]interface{}{
		"email":       customer.Email,
		"customer_id": customer.ID,
	})
}

func (s *Server) findOrCreateCustomer(ctx context.Context, session *stripe.CheckoutSession, customerEmail string) (*models.Customer, error) {
	customer, err := s.Storage.FindCustomerByEmailAddress(ctx, customerEmail)
	if err != nil {
		return nil, err
	}
	if customer != nil {
		logger.Info("Existing customer found", map[string]interface{}{
			"customer_id":    customer.ID,
			"customer_email": customer.Email,
		})
		if customer.StripeCustomerID == "" && session.Customer != nil {
			customer.StripeCustomerID = session.Customer.ID
			customer.UpdatedAt = s.opts.Now().UTC()
			if err := s.Storage.SaveCustomer(ctx, customer); err != nil {
				return nil, err
			}
		}
		return customer, nil
	}

	customer = s.createCustomer(session, customerEmail)
	if err := s.Storage.SaveCustomer(ctx, customer); err != nil {
		return nil, fmt.Errorf("failed to save customer: %w", err)
	}

	logger.Info("New customer created", map[string]interface{}{
		"customer_id":        customer.ID,
		"customer_email":     customer.Email,
		"stripe_customer_id": customer.StripeCustomerID,
	})
	return customer, nil
}

func (s *Server) createCustomer(session *stripe.CheckoutSession, customerEmail string) *models.Customer {
	now := s.opts.Now().UTC()
	customer := &models.Customer{
		ID:        uuid.Must(uuid.NewRandom()).String(),
		Email:     customerEmail,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if session.Customer != nil {
		customer.StripeCustomerID = session.Customer.ID
	}
	if session.CustomerDetails != nil {
		customer.Name = session.CustomerDetails.Name
		customer.Phone = session.CustomerDetails.Phone
	}
	if domain := strings.TrimSpace(session.Metadata["domain"]); domain != "" {
		customer.AllowedDomains = []string{domain}
	}
	return customer
}

func formatPrice(amountCents int64, currency string) string {
	amount := float64(amountCents) / 100.0

	switch strings.ToUpper(currency) {
	case "USD":
		return fmt.Sprintf("$%.2f", amount)
	case "EUR":
		return fmt.Sprintf("€%.2f", amount)
	case "GBP":
		return fmt.Sprintf("£%.2f", amount)
	case "TRY":
		return fmt.Sprintf("₺%.2f", amount)
	default:
		return fmt.Sprintf("%.2f %s", amount, strings.ToUpper(currency))
	}
}
