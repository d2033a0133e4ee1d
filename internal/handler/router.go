package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	custommiddleware "github.com/ayakhalid01/accounting-sub000/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware сервиса сверки.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Recoverer)
	r.Use(custommiddleware.Logger(h.logger))
	r.Use(custommiddleware.GzipMiddleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: h.corsOrigins(),
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Operator"},
		MaxAge:         300,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Route("/payment-methods", func(r chi.Router) {
			r.Get("/", h.ListPaymentMethods)
			r.Post("/", h.CreatePaymentMethod)
			r.With(h.operatorAuth.Middleware).Post("/{id}/deactivate", h.DeactivatePaymentMethod)
		})

		r.Route("/sales", func(r chi.Router) {
			r.Post("/invoices", h.AddInvoice)
			r.Post("/credit-notes", h.AddCreditNote)
		})

		r.Route("/deposits", func(r chi.Router) {
			r.Get("/", h.ListDeposits)
			r.Post("/", h.CreateDeposit)
			r.Get("/{id}", h.GetDeposit)
			r.Get("/{id}/preview", h.Preview)
			r.Get("/{id}/allocations", h.ListAllocations)

			r.Group(func(r chi.Router) {
				r.Use(h.operatorAuth.Middleware)

				r.Delete("/{id}", h.DeleteDeposit)
				r.Post("/{id}/approve", h.Approve)
				r.Post("/{id}/reject", h.Reject)
				r.Post("/{id}/commit", h.Commit)
			})
		})

		r.Route("/allocations", func(r chi.Router) {
			r.Use(h.operatorAuth.Middleware)

			r.Post("/clear", h.ClearAllocations)
			r.Post("/refresh", h.RefreshAllocations)
			r.Get("/audit", h.AuditAllocations)
		})

		r.Get("/reports/period-gap", h.PeriodGap)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}

func (h *Handler) corsOrigins() []string {
	if len(h.allowedOrigins) == 0 {
		return []string{"*"}
	}
	return h.allowedOrigins
}
