package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/escrow-hub/escrow-hub/internal/application/workflow"
	"github.com/escrow-hub/escrow-hub/internal/domain/delivery"
	"github.com/escrow-hub/escrow-hub/internal/domain/pga"
	"github.com/escrow-hub/escrow-hub/internal/infrastructure/sse"
)

func respondCommand(w http.ResponseWriter, result *workflow.CommandResult) {
	status := http.StatusOK
	if result.Pending {
		status = http.StatusAccepted
	}
	respondJSON(w, status, map[string]interface{}{
		"txHash":      result.TxHash,
		"blockNumber": result.BlockNumber,
		"status":      result.Status.String(),
		"pending":     result.Pending,
		"noOp":        result.NoOp,
	})
}

func (s *Server) createPGA(w http.ResponseWriter, r *http.Request) {
	var params pga.CreateParams
	if err := decodeBody(r, &params); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
		return
	}
	signer, err := s.signerFromRequest(r)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	result, err := s.escrowSvc.CreatePGA(r.Context(), signer, params)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondCommand(w, result)
}

func (s *Server) getPGA(w http.ResponseWriter, r *http.Request) {
	pgaID := chi.URLParam(r, "pgaId")
	skipCache := r.URL.Query().Get("fresh") == "true"
	info, err := s.escrowSvc.GetPGA(r.Context(), pgaID, skipCache)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, info)
}

func (s *Server) getHistory(w http.ResponseWriter, r *http.Request) {
	pgaID := chi.URLParam(r, "pgaId")
	history, err := s.escrowSvc.GetHistory(r.Context(), pgaID)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"pgaId":  pgaID,
		"events": history,
		"sync":   s.escrowSvc.GetEventSyncStatus(),
	})
}

func (s *Server) getDelivery(w http.ResponseWriter, r *http.Request) {
	pgaID := chi.URLParam(r, "pgaId")
	agreement, err := s.escrowSvc.GetDeliveryAgreement(r.Context(), pgaID)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, agreement)
}

func (s *Server) voteOnPGA(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Support bool `json:"support"`
	}
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
		return
	}
	signer, err := s.signerFromRequest(r)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	result, err := s.escrowSvc.VoteOnPGA(r.Context(), signer, chi.URLParam(r, "pgaId"), req.Support)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondCommand(w, result)
}

func (s *Server) sellerVote(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Approve bool `json:"approve"`
	}
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
		return
	}
	signer, err := s.signerFromRequest(r)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	result, err := s.escrowSvc.SellerVoteOnPGA(r.Context(), signer, chi.URLParam(r, "pgaId"), req.Approve)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondCommand(w, result)
}

func (s *Server) payCollateral(w http.ResponseWriter, r *http.Request) {
	signer, err := s.signerFromRequest(r)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	result, err := s.escrowSvc.PayCollateral(r.Context(), signer, chi.URLParam(r, "pgaId"))
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondCommand(w, result)
}

func (s *Server) payIssuanceFee(w http.ResponseWriter, r *http.Request) {
	signer, err := s.signerFromRequest(r)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	result, err := s.escrowSvc.PayIssuanceFee(r.Context(), signer, chi.URLParam(r, "pgaId"))
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondCommand(w, result)
}

func (s *Server) confirmShipment(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PartnerName string `json:"partnerName,omitempty"`
	}
	_ = decodeBody(r, &req)
	signer, err := s.signerFromRequest(r)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	result, err := s.escrowSvc.ConfirmGoodsShipped(r.Context(), signer, chi.URLParam(r, "pgaId"), req.PartnerName)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondCommand(w, result)
}

func (s *Server) payBalance(w http.ResponseWriter, r *http.Request) {
	signer, err := s.signerFromRequest(r)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	result, err := s.escrowSvc.PayBalancePayment(r.Context(), signer, chi.URLParam(r, "pgaId"))
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondCommand(w, result)
}

func (s *Server) issueCertificate(w http.ResponseWriter, r *http.Request) {
	signer, err := s.signerFromRequest(r)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	result, err := s.escrowSvc.IssueCertificate(r.Context(), signer, chi.URLParam(r, "pgaId"))
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondCommand(w, result)
}

func (s *Server) createDelivery(w http.ResponseWriter, r *http.Request) {
	var params delivery.CreateParams
	if err := decodeBody(r, &params); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
		return
	}
	params.PGAID = chi.URLParam(r, "pgaId")
	signer, err := s.signerFromRequest(r)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	result, err := s.escrowSvc.CreateDeliveryAgreement(r.Context(), signer, params)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondCommand(w, result)
}

func (s *Server) buyerConsent(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DeliveryNotes    string `json:"deliveryNotes,omitempty"`
		DeliveryProofURI string `json:"deliveryProofUri,omitempty"`
	}
	_ = decodeBody(r, &req)
	signer, err := s.signerFromRequest(r)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	result, err := s.escrowSvc.BuyerConsentToDelivery(r.Context(), signer, chi.URLParam(r, "pgaId"), req.DeliveryNotes, req.DeliveryProofURI)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondCommand(w, result)
}

func (s *Server) releasePayment(w http.ResponseWriter, r *http.Request) {
	signer, err := s.signerFromRequest(r)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	result, err := s.escrowSvc.ReleasePaymentToSeller(r.Context(), signer, chi.URLParam(r, "pgaId"))
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondCommand(w, result)
}

func (s *Server) cancelPGA(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason,omitempty"`
	}
	_ = decodeBody(r, &req)
	signer, err := s.signerFromRequest(r)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	result, err := s.escrowSvc.CancelPGA(r.Context(), signer, chi.URLParam(r, "pgaId"), req.Reason)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondCommand(w, result)
}

func (s *Server) expirePGA(w http.ResponseWriter, r *http.Request) {
	signer, err := s.signerFromRequest(r)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	result, err := s.escrowSvc.ExpirePGA(r.Context(), signer, chi.URLParam(r, "pgaId"))
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondCommand(w, result)
}

func (s *Server) disputePGA(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason,omitempty"`
	}
	_ = decodeBody(r, &req)
	signer, err := s.signerFromRequest(r)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	result, err := s.escrowSvc.DisputePGA(r.Context(), signer, chi.URLParam(r, "pgaId"), req.Reason)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondCommand(w, result)
}

func (s *Server) listByBuyer(w http.ResponseWriter, r *http.Request) {
	addr := chi.URLParam(r, "address")
	if err := pga.ValidateAddress(addr); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
		return
	}
	infos, err := s.escrowSvc.GetAllPGAsByBuyer(r.Context(), addr)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"pgas": infos})
}

func (s *Server) listBySeller(w http.ResponseWriter, r *http.Request) {
	addr := chi.URLParam(r, "address")
	if err := pga.ValidateAddress(addr); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
		return
	}
	infos, err := s.escrowSvc.GetAllPGAsBySeller(r.Context(), addr)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"pgas": infos})
}

func (s *Server) poolStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.escrowSvc.GetPoolStats(r.Context())
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

func (s *Server) listPartners(w http.ResponseWriter, r *http.Request) {
	partners, err := s.escrowSvc.GetLogisticsPartners(r.Context())
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"partners": partners})
}

func (s *Server) listDeliveryPersons(w http.ResponseWriter, r *http.Request) {
	persons, err := s.escrowSvc.GetDeliveryPersons(r.Context())
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"deliveryPersons": persons})
}

func (s *Server) getBalance(w http.ResponseWriter, r *http.Request) {
	addr := chi.URLParam(r, "address")
	if err := pga.ValidateAddress(addr); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
		return
	}
	balance, err := s.escrowSvc.GetBalance(r.Context(), addr)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	formatted, err := s.escrowSvc.FormatAmount(r.Context(), balance)
	if err != nil {
		formatted = ""
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"address":   addr,
		"balance":   balance,
		"formatted": formatted,
	})
}

func (s *Server) eventSyncStatus(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.escrowSvc.GetEventSyncStatus())
}

func (s *Server) refetchEvents(w http.ResponseWriter, r *http.Request) {
	if err := s.escrowSvc.RefetchEvents(r.Context()); err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, s.escrowSvc.GetEventSyncStatus())
}

func (s *Server) eventStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "streaming not supported")
		return
	}

	clientID := r.URL.Query().Get("client_id")
	if clientID == "" {
		clientID = uuid.NewString()
	}
	var pgaIDs []string
	if filter := r.URL.Query().Get("pga_id"); filter != "" {
		pgaIDs = []string{filter}
	}
	client := sse.NewClient(clientID, pgaIDs)
	s.sseHub.Register(client)
	defer s.sseHub.Unregister(clientID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(": connected\n\n"))
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case msg := <-client.MessageChan:
			if msg == nil {
				return
			}
			_, _ = w.Write([]byte("event: " + msg.Event + "\ndata: "))
			_, _ = w.Write(msg.Data)
			_, _ = w.Write([]byte("\n\n"))
			flusher.Flush()
		case <-ctx.Done():
			return
		}
	}
}

func (s *Server) depositStake(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Amount uint64 `json:"amount"`
	}
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
		return
	}
	signer, err := s.signerFromRequest(r)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	result, err := s.escrowSvc.DepositStake(r.Context(), signer, req.Amount)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondCommand(w, result)
}

func (s *Server) mintTokens(w http.ResponseWriter, r *http.Request) {
	var req struct {
		To     string `json:"to"`
		Amount uint64 `json:"amount"`
	}
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
		return
	}
	signer, err := s.signerFromRequest(r)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	result, err := s.escrowSvc.MintTokens(r.Context(), signer, req.To, req.Amount)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondCommand(w, result)
}

func (s *Server) authorizePartner(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Address string `json:"address"`
		Name    string `json:"name"`
	}
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
		return
	}
	signer, err := s.signerFromRequest(r)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	result, err := s.escrowSvc.AuthorizePartner(r.Context(), signer, req.Address, req.Name)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondCommand(w, result)
}

func (s *Server) registerDeliveryPerson(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
		return
	}
	signer, err := s.signerFromRequest(r)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	result, err := s.escrowSvc.RegisterDeliveryPerson(r.Context(), signer, req.Name)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondCommand(w, result)
}

func (s *Server) clearCache(w http.ResponseWriter, _ *http.Request) {
	s.escrowSvc.ClearCache()
	respondJSON(w, http.StatusOK, map[string]string{"status": "cache cleared"})
}
