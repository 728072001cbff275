// Package gate decides whether the current license entitles a request to a
// product module, and records every denial.
package gate

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/render"

	"crmlicense.app/licensing/internal/clientip"
	"crmlicense.app/licensing/internal/logger"
	"crmlicense.app/licensing/internal/metrics"
)

type Policy int

const (
	// PolicyWarn answers with a warning body instead of the module content.
	PolicyWarn Policy = iota
	// PolicyDeny answers 403, or redirects when a redirect URL is set.
	PolicyDeny
)

const (
	ReasonInactive    = "license_inactive"
	ReasonNotLicensed = "module_not_licensed"
)

// Entitlements is the slice of the license state the gate reads.
// *licensestate.Manager satisfies it.
type Entitlements interface {
	CanAccessData() bool
	Modules() []string
	Bypass() bool
}

// ActorResolver names the user behind a request for the audit trail.
type ActorResolver func(r *http.Request) string

type Gate struct {
	ent           Entitlements
	audit         AuditLog
	metrics       *metrics.Metrics
	actor         ActorResolver
	redirectURL   string
	requirePublic bool
	now           func() time.Time
}

type Option func(*Gate)

func WithAuditLog(l AuditLog) Option {
	return func(g *Gate) { g.audit = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(g *Gate) { g.metrics = m }
}

func WithActorResolver(fn ActorResolver) Option {
	return func(g *Gate) { g.actor = fn }
}

// WithRedirect makes PolicyDeny answer with a redirect to url.
func WithRedirect(url string) Option {
	return func(g *Gate) { g.redirectURL = url }
}

// WithPublicIP skips private and reserved forwarded addresses when
// recording the client IP.
func WithPublicIP(required bool) Option {
	return func(g *Gate) { g.requirePublic = required }
}

func WithClock(now func() time.Time) Option {
	return func(g *Gate) { g.now = now }
}

func New(ent Entitlements, opts ...Option) *Gate {
	g := &Gate{
		ent:   ent,
		audit: NewRingLog(DefaultAuditCapacity),
		actor: defaultActor,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *Gate) AuditLog() AuditLog {
	return g.audit
}

func (g *Gate) IsModuleAllowed(module string) bool {
	if g.ent.Bypass() {
		return true
	}
	if !g.ent.CanAccessData() {
		return false
	}

	modules := g.ent.Modules()
	if len(modules) == 0 {
		return true
	}
	for _, m := range modules {
		if m == module {
			return true
		}
	}
	return false
}

// AccessRequest describes one attempt to use a module. Writer may be nil, in
// which case only the decision and the audit entry are produced.
type AccessRequest struct {
	Module  string
	Context string
	Actor   string
	Request *http.Request
	Writer  http.ResponseWriter
}

type DenialResponse struct {
	Error  string `json:"error,omitempty"`
	Notice string `json:"warning,omitempty"`
	Module string `json:"module"`
	Reason string `json:"reason"`
}

// CheckModuleAccess reports whether req may proceed. On denial it records
// the attempt and, when a writer is present, answers per policy.
func (g *Gate) CheckModuleAccess(req AccessRequest, policy Policy) bool {
	if g.IsModuleAllowed(req.Module) {
		return true
	}

	reason := g.reason()
	g.record(req, reason)

	if req.Writer == nil {
		return false
	}

	resp := DenialResponse{Module: req.Module, Reason: reason}
	switch policy {
	case PolicyWarn:
		resp.Notice = Message(req.Module, reason)
		writeJSON(req.Writer, req.Request, http.StatusOK, resp)
	default:
		if g.redirectURL != "" && req.Request != nil {
			http.Redirect(req.Writer, req.Request, g.redirectURL, http.StatusFound)
			return false
		}
		resp.Error = Message(req.Module, reason)
		writeJSON(req.Writer, req.Request, http.StatusForbidden, resp)
	}
	return false
}

// Middleware guards next behind module.
func (g *Gate) Middleware(module string, policy Policy, context string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ok := g.CheckModuleAccess(AccessRequest{
				Module:  module,
				Context: context,
				Request: r,
				Writer:  w,
			}, policy)
			if ok {
				next.ServeHTTP(w, r)
			}
		})
	}
}

// Message is the user-facing text for a denial.
func Message(module, reason string) string {
	if reason == ReasonInactive {
		return "Your license is not active. Renew it to regain access."
	}
	return fmt.Sprintf("Your license does not include the %s module.", module)
}

func (g *Gate) reason() string {
	if !g.ent.CanAccessData() {
		return ReasonInactive
	}
	return ReasonNotLicensed
}

func (g *Gate) record(req AccessRequest, reason string) {
	entry := AuditEntry{
		Event:   "AuthorizationDenied",
		Time:    g.now().UTC(),
		Actor:   req.Actor,
		Module:  req.Module,
		Context: req.Context,
		Reason:  reason,
	}
	if entry.Context == "" {
		entry.Context = ContextAdmin
	}
	if req.Request != nil {
		entry.IP = clientip.FromRequest(req.Request, g.requirePublic)
		entry.Path = req.Request.URL.Path
		if entry.Actor == "" {
			entry.Actor = g.actor(req.Request)
		}
	}
	if entry.Actor == "" {
		entry.Actor = "anonymous"
	}

	logger.Warn("Module access denied", map[string]interface{}{
		"module":  entry.Module,
		"actor":   entry.Actor,
		"ip":      entry.IP,
		"context": entry.Context,
		"reason":  reason,
	})
	g.metrics.GateDenial(entry.Module)

	if err := g.audit.Append(entry); err != nil {
		logger.Error("Failed to append audit entry", map[string]interface{}{
			"error":  err.Error(),
			"module": entry.Module,
		})
	}
}

func defaultActor(r *http.Request) string {
	if user, _, ok := r.BasicAuth(); ok && user != "" {
		return user
	}
	return "anonymous"
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v interface{}) {
	if r == nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(v)
		return
	}
	render.Status(r, status)
	render.JSON(w, r, v)
}
