package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/hashicorp/raft"
	"golang.org/x/crypto/bcrypt"

	"github.com/escrow-hub/escrow-hub/internal/domain/pga"
	"github.com/escrow-hub/escrow-hub/internal/ledger/consensus"
	"github.com/escrow-hub/escrow-hub/internal/ledger/protocol"
)

// Server exposes the ledger node over HTTP: transaction submission,
// contract queries, receipts and event logs, plus cluster membership
// management guarded by an admin token.
type Server struct {
	node           *consensus.Node
	adminTokenHash string
}

// NewServer creates the node API. adminTokenHash is a bcrypt hash of the
// cluster admin token; empty disables the admin endpoints.
func NewServer(node *consensus.Node, adminTokenHash string) *Server {
	return &Server{node: node, adminTokenHash: strings.TrimSpace(adminTokenHash)}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/healthz", s.healthz)
	r.Route("/v1/ledger", func(r chi.Router) {
		r.Post("/tx", s.submitTx)
		r.Post("/query", s.query)
		r.Get("/receipts/{txId}", s.getReceipt)
		r.Get("/logs", s.getLogs)
		r.Get("/raft", s.raftStatus)

		r.Group(func(r chi.Router) {
			r.Use(s.requireAdmin)
			r.Post("/raft/join", s.raftJoin)
			r.Post("/raft/remove", s.raftRemove)
		})
	})

	return r
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"ok":       true,
		"nodeId":   s.node.ID(),
		"state":    s.node.State(),
		"leader":   s.node.LeaderAddr(),
		"leaderId": s.node.LeaderNodeID(),
		"height":   s.node.Machine().Height(),
	})
}

func (s *Server) submitTx(w http.ResponseWriter, r *http.Request) {
	if !s.node.IsLeader() {
		s.respondNotLeader(w, "submit to leader")
		return
	}
	var tx protocol.Tx
	if err := decodeBody(r, &tx); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error(), nil)
		return
	}
	receipt, err := s.node.ApplyTx(r.Context(), tx)
	if err != nil {
		if isLeadershipErr(err) {
			s.respondNotLeader(w, err.Error())
			return
		}
		code := pga.CodeOf(err)
		if code == "" {
			code = "TX_REJECTED"
		}
		respondError(w, http.StatusBadRequest, code, err.Error(), nil)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"txId":    tx.TxID,
		"status":  "APPLIED",
		"receipt": receipt,
	})
}

type queryRequest struct {
	Fn   string   `json:"fn"`
	Args []string `json:"args"`
}

// query executes a contract view function. Reads are served from the
// local replica; follower reads may trail the leader by a few entries.
func (s *Server) query(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error(), nil)
		return
	}
	result, err := s.node.Machine().Query(req.Fn, req.Args)
	if err != nil {
		code := pga.CodeOf(err)
		if code == "" {
			code = "QUERY_FAILED"
		}
		status := http.StatusBadRequest
		if errors.Is(err, pga.ErrNotFound) || errors.Is(err, pga.ErrDeliveryNotFound) {
			status = http.StatusNotFound
		}
		respondError(w, status, code, err.Error(), nil)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"result": result})
}

func (s *Server) getReceipt(w http.ResponseWriter, r *http.Request) {
	txID := strings.TrimSpace(chi.URLParam(r, "txId"))
	receipt, ok := s.node.Machine().Receipt(txID)
	if !ok {
		respondError(w, http.StatusNotFound, "TX_NOT_FOUND", "no receipt for transaction", nil)
		return
	}
	respondJSON(w, http.StatusOK, receipt)
}

func (s *Server) getLogs(w http.ResponseWriter, r *http.Request) {
	var fromBlock uint64
	if raw := strings.TrimSpace(r.URL.Query().Get("from_block")); raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			respondError(w, http.StatusBadRequest, "INVALID_PARAM", "from_block must be a non-negative integer", nil)
			return
		}
		fromBlock = parsed
	}
	events := s.node.Machine().EventsSince(fromBlock)
	respondJSON(w, http.StatusOK, map[string]any{
		"fromBlock": fromBlock,
		"height":    s.node.Machine().Height(),
		"events":    events,
	})
}

func (s *Server) raftStatus(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"node_id":    s.node.ID(),
		"raft_addr":  s.node.RaftAddr(),
		"state":      s.node.State(),
		"leader":     s.node.LeaderAddr(),
		"leader_id":  s.node.LeaderNodeID(),
		"is_leader":  s.node.IsLeader(),
		"raft_stats": s.node.Stats(),
	})
}

// requireAdmin compares the X-Admin-Token header against the configured
// bcrypt hash. With no hash configured the endpoints are disabled outright.
func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.adminTokenHash == "" {
			respondError(w, http.StatusForbidden, "ADMIN_DISABLED", "cluster admin endpoints are not configured", nil)
			return
		}
		token := strings.TrimSpace(r.Header.Get("X-Admin-Token"))
		if token == "" {
			respondError(w, http.StatusUnauthorized, "UNAUTHORIZED", "missing admin token", nil)
			return
		}
		if err := bcrypt.CompareHashAndPassword([]byte(s.adminTokenHash), []byte(token)); err != nil {
			respondError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid admin token", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type raftJoinRequest struct {
	NodeID   string `json:"node_id"`
	RaftAddr string `json:"raft_addr"`
}

func (s *Server) raftJoin(w http.ResponseWriter, r *http.Request) {
	if !s.node.IsLeader() {
		s.respondNotLeader(w, "submit to leader")
		return
	}
	var req raftJoinRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error(), nil)
		return
	}
	if err := s.node.AddVoter(r.Context(), req.NodeID, req.RaftAddr); err != nil {
		if isLeadershipErr(err) {
			s.respondNotLeader(w, err.Error())
			return
		}
		respondError(w, http.StatusBadRequest, "JOIN_FAILED", err.Error(), nil)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"status": "OK"})
}

type raftRemoveRequest struct {
	NodeID string `json:"node_id"`
}

func (s *Server) raftRemove(w http.ResponseWriter, r *http.Request) {
	if !s.node.IsLeader() {
		s.respondNotLeader(w, "submit to leader")
		return
	}
	var req raftRemoveRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error(), nil)
		return
	}
	if err := s.node.RemoveServer(r.Context(), req.NodeID); err != nil {
		if isLeadershipErr(err) {
			s.respondNotLeader(w, err.Error())
			return
		}
		respondError(w, http.StatusBadRequest, "REMOVE_FAILED", err.Error(), nil)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"status": "OK"})
}

func (s *Server) respondNotLeader(w http.ResponseWriter, message string) {
	respondError(w, http.StatusConflict, "NOT_LEADER", message, map[string]any{
		"leader":    s.node.LeaderAddr(),
		"leader_id": s.node.LeaderNodeID(),
	})
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, code, message string, extra map[string]any) {
	out := map[string]any{
		"error":   code,
		"message": message,
	}
	for k, v := range extra {
		out[k] = v
	}
	respondJSON(w, status, out)
}

func isLeadershipErr(err error) bool {
	return errors.Is(err, raft.ErrNotLeader) ||
		errors.Is(err, raft.ErrLeadershipLost) ||
		errors.Is(err, raft.ErrLeadershipTransferInProgress)
}
