package handlers

import (
	"mime"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	"crmlicense.app/licensing/internal/logger"
	"crmlicense.app/licensing/protocol"
)

const (
	InfoPath     = "/api/v1/license/info"
	StatusPath   = "/api/v1/license/status"
	CallbackPath = "/api/callback"
	QueryParam   = "license_api"
)

// ValidatePaths are the aliases of the validate endpoint.
var ValidatePaths = []string{"/api/v1/license/validate", "/api/v1/validate"}

// callbackBody accepts both the envelope and flat fields next to method.
type callbackBody struct {
	Method string           `json:"method"`
	Params protocol.Request `json:"params"`
	protocol.Request
}

func (s *Server) ValidateLicense(w http.ResponseWriter, r *http.Request) {
	s.serveValidation(w, r, "")
}

func (s *Server) LicenseInfo(w http.ResponseWriter, r *http.Request) {
	s.serveValidation(w, r, protocol.ActionInfo)
}

func (s *Server) LicenseStatus(w http.ResponseWriter, r *http.Request) {
	s.serveValidation(w, r, protocol.ActionStatus)
}

// QueryAPI serves /?license_api=<action>. Requests without the parameter are
// not part of the license API.
func (s *Server) QueryAPI(w http.ResponseWriter, r *http.Request) {
	method := r.URL.Query().Get(QueryParam)
	if method == "" {
		writeErrorResponse(w, r, http.StatusNotFound, "Not found")
		return
	}
	action, err := protocol.ActionFor(method)
	if err != nil {
		writeErrorResponse(w, r, http.StatusBadRequest, err.Error())
		return
	}
	s.serveValidation(w, r, action)
}

func (s *Server) serveValidation(w http.ResponseWriter, r *http.Request, forced string) {
	req, err := parseRequest(r)
	if err != nil {
		writeErrorResponse(w, r, http.StatusBadRequest, "Invalid request body")
		return
	}
	if forced != "" {
		req.Action = forced
	}
	req = req.Normalized()
	if err := req.Check(); err != nil {
		writeErrorResponse(w, r, http.StatusBadRequest, err.Error())
		return
	}

	resp, err := s.Registry.Validate(r.Context(), req)
	if err != nil {
		internalError(w, r, "License validation failed", err)
		return
	}
	s.opts.Metrics.Validation(resp.Status, routeLabel(r))
	render.JSON(w, r, resp)
}

// Callback serves the method/params envelope and answers
// {"success":bool,"data":...}.
func (s *Server) Callback(w http.ResponseWriter, r *http.Request) {
	var body callbackBody
	if isJSON(r) {
		if err := render.DecodeJSON(r.Body, &body); err != nil {
			callbackError(w, r, http.StatusBadRequest, "Invalid request body")
			return
		}
	} else {
		if err := r.ParseForm(); err != nil {
			callbackError(w, r, http.StatusBadRequest, "Invalid request body")
			return
		}
		body.Method = r.Form.Get("method")
		body.Request = formRequest(r.Form)
	}

	action, err := protocol.ActionFor(body.Method)
	if err != nil {
		logger.Debug("Unknown callback method", map[string]interface{}{"method": body.Method})
		callbackError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	req := body.Params
	if req.LicenseKey == "" {
		req.LicenseKey = body.LicenseKey
	}
	if req.Domain == "" {
		req.Domain = body.Domain
	}
	req.Action = action
	req = req.Normalized()
	if err := req.Check(); err != nil {
		callbackError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	resp, err := s.Registry.Validate(r.Context(), req)
	if err != nil {
		internalError(w, r, "Callback validation failed", err)
		return
	}
	s.opts.Metrics.Validation(resp.Status, routeLabel(r))
	render.JSON(w, r, protocol.CallbackResponse{Success: true, Data: &resp})
}

func callbackError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	render.Status(r, status)
	render.JSON(w, r, protocol.CallbackResponse{Success: false, Error: msg})
}

// parseRequest reads the query string, then lets a JSON or form body
// override it.
func parseRequest(r *http.Request) (protocol.Request, error) {
	q := r.URL.Query()
	req := protocol.Request{
		LicenseKey: q.Get("license_key"),
		Domain:     q.Get("domain"),
		Action:     q.Get("action"),
	}
	if r.Method != http.MethodPost || r.ContentLength == 0 {
		return req, nil
	}

	var body protocol.Request
	if isJSON(r) {
		if err := render.DecodeJSON(r.Body, &body); err != nil {
			return req, err
		}
	} else {
		if err := r.ParseForm(); err != nil {
			return req, err
		}
		body = formRequest(r.PostForm)
	}
	if body.LicenseKey != "" {
		req.LicenseKey = body.LicenseKey
	}
	if body.Domain != "" {
		req.Domain = body.Domain
	}
	if body.Action != "" {
		req.Action = body.Action
	}
	return req, nil
}

func formRequest(values url.Values) protocol.Request {
	return protocol.Request{
		LicenseKey: values.Get("license_key"),
		Domain:     values.Get("domain"),
		Action:     values.Get("action"),
	}
}

func isJSON(r *http.Request) bool {
	ct, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return err == nil && ct == "application/json"
}

func routeLabel(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return r.URL.Path
}
