package handlers

import (
	"net/http"
	"time"

	"github.com/go-chi/render"
)

type HealthResponse struct {
	Status    string    `json:"status"`
	Version   string    `json:"version"`
	Timestamp time.Time `json:"timestamp"`
}

func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, HealthResponse{
		Status:    "healthy",
		Version:   s.opts.Version,
		Timestamp: s.opts.Now().UTC(),
	})
}
