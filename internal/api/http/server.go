package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/escrow-hub/escrow-hub/internal/application/escrow"
	"github.com/escrow-hub/escrow-hub/internal/domain/pga"
	"github.com/escrow-hub/escrow-hub/internal/infrastructure/keystore"
	"github.com/escrow-hub/escrow-hub/internal/infrastructure/sse"
	"github.com/escrow-hub/escrow-hub/internal/ledger"
)

// Server holds dependencies for HTTP handlers.
type Server struct {
	escrowSvc *escrow.Service
	keys      *keystore.StaticKeyStore
	sseHub    *sse.Hub
	log       zerolog.Logger
}

// NewServer wires the HTTP transport.
func NewServer(escrowSvc *escrow.Service, keys *keystore.StaticKeyStore, sseHub *sse.Hub, logger zerolog.Logger) *Server {
	return &Server{
		escrowSvc: escrowSvc,
		keys:      keys,
		sseHub:    sseHub,
		log:       logger.With().Str("component", "http").Logger(),
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/healthz", s.health)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Route("/pgas", func(r chi.Router) {
			r.Post("/", s.createPGA)
			r.Get("/{pgaId}", s.getPGA)
			r.Get("/{pgaId}/history", s.getHistory)
			r.Get("/{pgaId}/delivery", s.getDelivery)

			r.Post("/{pgaId}/votes", s.voteOnPGA)
			r.Post("/{pgaId}/seller-vote", s.sellerVote)
			r.Post("/{pgaId}/collateral", s.payCollateral)
			r.Post("/{pgaId}/issuance-fee", s.payIssuanceFee)
			r.Post("/{pgaId}/shipment", s.confirmShipment)
			r.Post("/{pgaId}/balance-payment", s.payBalance)
			r.Post("/{pgaId}/certificate", s.issueCertificate)
			r.Post("/{pgaId}/delivery", s.createDelivery)
			r.Post("/{pgaId}/consent", s.buyerConsent)
			r.Post("/{pgaId}/release", s.releasePayment)
			r.Post("/{pgaId}/cancel", s.cancelPGA)
			r.Post("/{pgaId}/expire", s.expirePGA)
			r.Post("/{pgaId}/dispute", s.disputePGA)
		})

		r.Get("/buyers/{address}/pgas", s.listByBuyer)
		r.Get("/sellers/{address}/pgas", s.listBySeller)
		r.Get("/pool/stats", s.poolStats)
		r.Get("/partners", s.listPartners)
		r.Get("/delivery-persons", s.listDeliveryPersons)
		r.Get("/balances/{address}", s.getBalance)

		r.Route("/events", func(r chi.Router) {
			r.Get("/status", s.eventSyncStatus)
			r.Post("/refetch", s.refetchEvents)
			r.Get("/stream", s.eventStream)
		})

		r.Post("/stake", s.depositStake)
		r.Route("/admin", func(r chi.Router) {
			r.Post("/mint", s.mintTokens)
			r.Post("/partners", s.authorizePartner)
			r.Post("/delivery-persons", s.registerDeliveryPerson)
			r.Post("/cache/clear", s.clearCache)
		})
	})

	return r
}

// Helpers

func respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, map[string]interface{}{
		"error":   code,
		"message": message,
	})
}

func decodeBody(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// signerFromRequest resolves the signing identity from the X-Signer-Key
// header, falling back to the keystore's default key.
func (s *Server) signerFromRequest(r *http.Request) (ledger.Signer, error) {
	return s.keys.Signer(r.Header.Get("X-Signer-Key"))
}

// guardStatus maps a ledger guard code to its HTTP status. Guard
// violations are caller conflicts with agreement state, not server faults.
func guardStatus(code string) int {
	switch code {
	case "PGA_NOT_FOUND", "DELIVERY_NOT_FOUND":
		return http.StatusNotFound
	case "NOT_AUTHORIZED":
		return http.StatusForbidden
	default:
		return http.StatusConflict
	}
}

func (s *Server) respondServiceError(w http.ResponseWriter, err error) {
	var vErr *pga.ValidationError
	if errors.As(err, &vErr) {
		respondError(w, http.StatusBadRequest, "VALIDATION_ERROR", vErr.Error())
		return
	}
	if errors.Is(err, keystore.ErrKeyNotFound) {
		respondError(w, http.StatusUnauthorized, "UNKNOWN_SIGNER", "no signing key for this identity")
		return
	}
	if code := pga.CodeOf(err); code != "" {
		respondError(w, guardStatus(code), code, err.Error())
		return
	}
	s.log.Error().Err(err).Msg("request failed")
	respondError(w, http.StatusBadGateway, "LEDGER_ERROR", err.Error())
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
