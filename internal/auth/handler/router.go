package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
)

// NewRouter builds the HTTP surface. The protected subtree demonstrates the
// Authenticate middleware; resource routes belong to the services that consume
// the issued tokens, not to this module.
func NewRouter(h *AuthHandler) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)
	r.Use(h.WithClientIP)

	r.Get("/.well-known/jwks.json", h.JWKS)
	r.Get("/healthz", h.Healthz)

	r.Route("/auth", func(r chi.Router) {
		r.Post("/refresh", h.Refresh)
		r.Post("/logout", h.Logout)
	})

	r.Group(func(r chi.Router) {
		r.Use(h.Authenticate)
		r.Get("/auth/whoami", h.WhoAmI)
	})

	return r
}
