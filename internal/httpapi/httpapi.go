// Package httpapi exposes rrelayer's REST surface (spec §6): submitting,
// cancelling, and replacing transactions, polling status, and requesting
// raw/typed-data signatures. Routing uses the standard library's
// pattern-based ServeMux (Go 1.22+), the same net/http idiom the
// examples pack's own demo servers reach for rather than a third-party
// router.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	glog "github.com/ethereum/go-ethereum/log"
	"github.com/google/uuid"

	"github.com/rrelayer/rrelayer-go/internal/apperrors"
	"github.com/rrelayer/rrelayer-go/internal/apptypes"
	"github.com/rrelayer/rrelayer-go/internal/cache"
	"github.com/rrelayer/rrelayer-go/internal/queue"
	"github.com/rrelayer/rrelayer-go/internal/signer"
	"github.com/rrelayer/rrelayer-go/internal/store"
)

// Supervisor is the slice of internal/queue.Supervisor the API drives.
type Supervisor interface {
	Queue(relayerID uuid.UUID) (*queue.Queue, bool)
}

// TransactionStore is the slice of internal/store.Store needed for
// read-only status/history lookups that don't go through a live queue.
type TransactionStore interface {
	GetTransaction(ctx context.Context, id uuid.UUID) (*apptypes.Transaction, error)
	AuditLog(ctx context.Context, txID uuid.UUID) ([]store.AuditLogEntry, error)
	GetRelayer(ctx context.Context, id uuid.UUID) (*apptypes.RelayerIdentity, error)
	RecordSignedMessage(ctx context.Context, relayerID uuid.UUID, message, signature []byte) error
	RecordSignedTypedData(ctx context.Context, relayerID uuid.UUID, digest [32]byte, signature []byte) error
}

// Server wires the HTTP handlers to their collaborators.
type Server struct {
	supervisor Supervisor
	store      TransactionStore
	signer     signer.Manager
	cache      *cache.Cache
	mux        *http.ServeMux
}

// New builds a Server with all routes registered. Relayer and
// transaction reads are served through a short-TTL cache (C5) so a
// burst of status polling doesn't round-trip to sqlite on every call.
func New(supervisor Supervisor, st TransactionStore, sig signer.Manager) *Server {
	s := &Server{supervisor: supervisor, store: st, signer: sig, cache: cache.New(), mux: http.NewServeMux()}
	s.routes()
	return s
}

func (s *Server) getTransaction(ctx context.Context, id uuid.UUID) (*apptypes.Transaction, error) {
	return s.cache.Transaction(ctx, id, s.store.GetTransaction)
}

func (s *Server) getRelayer(ctx context.Context, id uuid.UUID) (*apptypes.RelayerIdentity, error) {
	return s.cache.Relayer(ctx, id, s.store.GetRelayer)
}

func (s *Server) routes() {
	s.mux.HandleFunc("POST /relayers/{relayerID}/transactions", s.handleSubmit)
	s.mux.HandleFunc("DELETE /transactions/{id}", s.handleCancel)
	s.mux.HandleFunc("PUT /transactions/{id}", s.handleReplace)
	s.mux.HandleFunc("GET /transactions/{id}", s.handleGet)
	s.mux.HandleFunc("GET /transactions/{id}/status", s.handleStatus)
	s.mux.HandleFunc("GET /transactions/{id}/audit-log", s.handleAuditLog)
	s.mux.HandleFunc("POST /relayers/{relayerID}/sign/message", s.handleSignMessage)
	s.mux.HandleFunc("POST /relayers/{relayerID}/sign/typed-data", s.handleSignTypedData)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

type submitRequest struct {
	To         string `json:"to"`
	Value      string `json:"value"`
	Data       string `json:"data"`
	Speed      string `json:"speed"`
	ExternalID string `json:"externalId"`
}

type transactionResponse struct {
	ID          uuid.UUID `json:"id"`
	Status      string    `json:"status"`
	Nonce       uint64    `json:"nonce"`
	KnownTxHash string    `json:"knownTransactionHash"`
}

func toResponse(tx *apptypes.Transaction) transactionResponse {
	return transactionResponse{
		ID:          tx.ID,
		Status:      string(tx.Status),
		Nonce:       tx.Nonce,
		KnownTxHash: tx.KnownTxHash.Hex(),
	}
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	relayerID, err := uuid.Parse(r.PathValue("relayerID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	q, ok := s.supervisor.Queue(relayerID)
	if !ok {
		writeError(w, http.StatusNotFound, apperrors.ErrRelayerNotFound)
		return
	}

	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	if !common.IsHexAddress(req.To) {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid recipient address %q", req.To))
		return
	}
	value, ok := new(big.Int).SetString(req.Value, 10)
	if !ok {
		value = big.NewInt(0)
	}

	intent := apptypes.TransactionIntent{
		To:         common.HexToAddress(req.To),
		Value:      value,
		Data:       common.FromHex(req.Data),
		Speed:      apptypes.SpeedTier(req.Speed),
		ExternalID: req.ExternalID,
	}

	tx, err := q.Submit(r.Context(), intent)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, toResponse(tx))
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id, relayerID, q, ok := s.resolveQueueForTx(w, r)
	if !ok {
		return
	}
	cancelled, replacementID, err := q.Cancel(r.Context(), id)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"relayerId":     relayerID,
		"cancelled":     cancelled,
		"replacementId": replacementID,
	})
}

func (s *Server) handleReplace(w http.ResponseWriter, r *http.Request) {
	id, _, q, ok := s.resolveQueueForTx(w, r)
	if !ok {
		return
	}

	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	value, _ := new(big.Int).SetString(req.Value, 10)
	intent := apptypes.TransactionIntent{
		To:    common.HexToAddress(req.To),
		Value: value,
		Data:  common.FromHex(req.Data),
		Speed: apptypes.SpeedTier(req.Speed),
	}

	tx, err := q.Replace(r.Context(), id, intent)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, toResponse(tx))
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	tx, err := s.getTransaction(r.Context(), id)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, toResponse(tx))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	tx, err := s.getTransaction(r.Context(), id)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(tx.Status)})
}

func (s *Server) handleAuditLog(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	entries, err := s.store.AuditLog(r.Context(), id)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

type signMessageRequest struct {
	WalletIndex uint32 `json:"walletIndex"`
	ChainID     uint64 `json:"chainId"`
	Message     string `json:"message"` // hex-encoded
}

func (s *Server) handleSignMessage(w http.ResponseWriter, r *http.Request) {
	relayerID, err := uuid.Parse(r.PathValue("relayerID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	relayer, err := s.getRelayer(r.Context(), relayerID)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}

	var req signMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	message := common.FromHex(req.Message)
	sig, err := s.signer.SignText(r.Context(), relayer.WalletIndex, relayer.ChainID, message)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	if err := s.store.RecordSignedMessage(r.Context(), relayerID, message, sig); err != nil {
		glog.Warn("httpapi: record signed message history failed", "relayer", relayerID, "err", err)
	}
	writeJSON(w, http.StatusOK, map[string]string{"signature": common.Bytes2Hex(sig)})
}

type signTypedDataRequest struct {
	Digest string `json:"digest"` // 32-byte hex digest, pre-hashed by the caller
}

func (s *Server) handleSignTypedData(w http.ResponseWriter, r *http.Request) {
	relayerID, err := uuid.Parse(r.PathValue("relayerID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	relayer, err := s.getRelayer(r.Context(), relayerID)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}

	var req signTypedDataRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	raw := common.FromHex(req.Digest)
	if len(raw) != 32 {
		writeError(w, http.StatusBadRequest, errors.New("digest must be 32 bytes"))
		return
	}
	var digest [32]byte
	copy(digest[:], raw)

	sig, err := s.signer.SignTypedData(r.Context(), relayer.WalletIndex, relayer.ChainID, digest)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	if err := s.store.RecordSignedTypedData(r.Context(), relayerID, digest, sig); err != nil {
		glog.Warn("httpapi: record signed typed-data history failed", "relayer", relayerID, "err", err)
	}
	writeJSON(w, http.StatusOK, map[string]string{"signature": common.Bytes2Hex(sig)})
}

func (s *Server) resolveQueueForTx(w http.ResponseWriter, r *http.Request) (uuid.UUID, uuid.UUID, *queue.Queue, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return uuid.Nil, uuid.Nil, nil, false
	}
	tx, err := s.getTransaction(r.Context(), id)
	if err != nil {
		writeError(w, statusFor(err), err)
		return uuid.Nil, uuid.Nil, nil, false
	}
	q, ok := s.supervisor.Queue(tx.RelayerID)
	if !ok {
		writeError(w, http.StatusNotFound, apperrors.ErrRelayerNotFound)
		return uuid.Nil, uuid.Nil, nil, false
	}
	return id, tx.RelayerID, q, true
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, apperrors.ErrRelayerNotFound):
		return http.StatusNotFound
	case errors.Is(err, apperrors.ErrRelayerPaused):
		return http.StatusConflict
	case errors.Is(err, apperrors.ErrNotAllowlisted):
		return http.StatusBadRequest
	case errors.Is(err, apperrors.ErrGasCapExceeded):
		return http.StatusBadRequest
	case errors.Is(err, apperrors.ErrInvalidBlob):
		return http.StatusBadRequest
	case errors.Is(err, apperrors.ErrNotCancellable):
		return http.StatusConflict
	case errors.Is(err, apperrors.ErrInvalidIndex):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// timeout is the deadline cmd/rrelayer applies as the http.Server's
// ReadHeaderTimeout.
const timeout = 30 * time.Second

// Timeout exposes the handler deadline for callers building the
// http.Server (cmd/rrelayer).
func Timeout() time.Duration { return timeout }
