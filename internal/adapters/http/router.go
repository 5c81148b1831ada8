package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/viralforge/mesh/services/financial-rails/M15-milestone-escrow-service/internal/application"
)

type Handler struct {
	service *application.Service
}

func NewHandler(service *application.Service) *Handler {
	return &Handler{service: service}
}

func NewRouter(handler *Handler, authSecret string) http.Handler {
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { writeSuccess(w, http.StatusOK, "ok", nil) })
	r.Get("/readyz", func(w http.ResponseWriter, _ *http.Request) { writeSuccess(w, http.StatusOK, "ready", nil) })

	r.Route("/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(authMiddleware(authSecret))

			r.Post("/escrows", handler.createEscrow)
			r.Get("/escrows", handler.listEscrows)
			r.Get("/escrows/{id}", handler.getEscrow)
			r.Post("/escrows/{id}/cancel", handler.cancelEscrow)
			r.Post("/escrows/{id}/refund", handler.refundEscrow)
			r.Post("/escrows/{id}/release", handler.releaseBasic)

			r.Post("/escrows/{id}/signatures", handler.recordSignature)
			r.Post("/escrows/{id}/approval", handler.recordPayerApproval)

			r.Post("/escrows/{id}/milestones/{mid}/proofs", handler.submitProof)
			r.Get("/escrows/{id}/milestones/{mid}/release-check", handler.checkRelease)
			r.Post("/escrows/{id}/milestones/{mid}/release", handler.release)
			r.Get("/escrows/{id}/milestones/{mid}/remaining", handler.remaining)

			r.Get("/fees/estimate", handler.estimateFee)
		})
	})
	return r
}
