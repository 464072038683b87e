package http

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"

	"github.com/vendora/kiosk/pkg/token"
)

type RouterConfig struct {
	// RequestLimit and Window bound total requests per client IP,
	// before the per-machine and per-session business limiters run.
	RequestLimit int
	Window       time.Duration
}

// NewRouter wires every endpoint. Operator endpoints sit behind bearer
// token auth; everything else is open to kiosks and shopper phones.
func NewRouter(h *Handler, signer *token.Signer, cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(httprate.LimitByIP(cfg.RequestLimit, cfg.Window))

	r.Get("/healthz", h.HealthCheck)

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/sessions", func(r chi.Router) {
			r.Post("/", h.CreateSession)
			r.Route("/{sessionId}", func(r chi.Router) {
				r.Get("/", h.GetSession)
				r.Delete("/", h.CancelSession)
				r.Put("/basket", h.UpdateBasket)
				r.Post("/extend", h.ExtendSession)
				r.Post("/checkout", h.Checkout)
				r.Post("/confirm", h.ConfirmDispense)
			})
		})

		r.Route("/machines/{machineId}", func(r chi.Router) {
			r.Use(operatorAuth(signer))
			r.Post("/dispense-test", h.ManualDispenseTest)
			r.Put("/inventory/{slot}", h.UpsertInventory)
		})
	})

	return r
}

// operatorAuth rejects requests whose bearer token does not carry the
// operator role.
func operatorAuth(signer *token.Signer) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			bearer := strings.TrimPrefix(auth, "Bearer ")
			if bearer == "" || bearer == auth {
				denyJSON(w, http.StatusUnauthorized, "operator token required")
				return
			}

			if err := signer.VerifyOperator(bearer); err != nil {
				denyJSON(w, http.StatusForbidden, "operator token rejected")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func denyJSON(w http.ResponseWriter, statusCode int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"error": message,
		"code":  statusCode,
	})
}
