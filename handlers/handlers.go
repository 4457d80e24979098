package handlers

import (
	"encoding/json"
	"net/http"

	"chain-ingest/blockchain"
	"chain-ingest/models"
	"chain-ingest/process"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Handler contains the HTTP handlers for the ingestion API endpoints
type Handler struct {
	Chain     *blockchain.Blockchain
	Processor *process.Processor
	Logger    *zap.Logger
}

// NewHandler creates and returns a new Handler instance
func NewHandler(chain *blockchain.Blockchain, processor *process.Processor, logger *zap.Logger) *Handler {
	return &Handler{Chain: chain, Processor: processor, Logger: logger}
}

// AnnouncementRequest is the body of POST /announcements
type AnnouncementRequest struct {
	NodeID models.NodeID `json:"node_id"`
	Header models.Header `json:"header"`
}

// HeadersRequest is the body of POST /headers
type HeadersRequest struct {
	NodeID  models.NodeID    `json:"node_id"`
	Headers []*models.Header `json:"headers"`
}

// TipResponse describes the tip of a branch
type TipResponse struct {
	Name        string            `json:"name"`
	Hash        models.HeaderHash `json:"hash"`
	ChainLength uint32            `json:"chain_length"`
	Date        models.BlockDate  `json:"date"`
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func statusFor(err error) int {
	var validationErr *blockchain.ValidationError
	switch {
	case errors.Is(err, blockchain.ErrMissingParentBlockFromStorage):
		return http.StatusConflict
	case errors.As(err, &validationErr):
		return http.StatusUnprocessableEntity
	case errors.Is(err, blockchain.ErrBlockNotFound):
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

func (h *Handler) badRequest(w http.ResponseWriter, msg string, err error) {
	h.Logger.Error(msg, zap.Error(err))
	writeJSON(w, http.StatusBadRequest, map[string]string{
		"error": "Invalid request payload",
	})
}

// SubmitBlock handles POST requests carrying a block pushed by a peer
func (h *Handler) SubmitBlock(w http.ResponseWriter, r *http.Request) {
	var block models.Block
	if err := json.NewDecoder(r.Body).Decode(&block); err != nil {
		h.badRequest(w, "Failed to decode block", err)
		return
	}

	if err := h.Processor.ProcessNetworkBlock(r.Context(), &block); err != nil {
		h.Logger.Error("Failed to process network block", zap.Error(err))
		writeJSON(w, statusFor(err), map[string]string{
			"error": err.Error(),
		})
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"message": "Block processed",
		"hash":    block.Hash(),
	})
}

// AnnounceBlock handles POST requests announcing a header on the main branch
func (h *Handler) AnnounceBlock(w http.ResponseWriter, r *http.Request) {
	var req AnnouncementRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.badRequest(w, "Failed to decode announcement", err)
		return
	}
	if req.NodeID == "" {
		h.badRequest(w, "Announcement without node id", errors.New("missing node_id"))
		return
	}

	err := h.Processor.ProcessBlockAnnouncement(r.Context(), h.Chain.MainBranch(), &req.Header, req.NodeID)
	if err != nil {
		h.Logger.Error("Failed to process announcement", zap.Error(err))
		writeJSON(w, statusFor(err), map[string]string{
			"error": err.Error(),
		})
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"message": "Announcement processed",
		"hash":    req.Header.Hash(),
	})
}

// SubmitHeaders handles POST requests carrying the headers answering a pull.
// The blocks of the new headers are requested from the same peer.
func (h *Handler) SubmitHeaders(w http.ResponseWriter, r *http.Request) {
	var req HeadersRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.badRequest(w, "Failed to decode headers", err)
		return
	}
	if req.NodeID == "" {
		h.badRequest(w, "Headers without node id", errors.New("missing node_id"))
		return
	}
	for i, header := range req.Headers {
		if header == nil {
			h.badRequest(w, "Headers with an empty entry", errors.Errorf("header %d is null", i))
			return
		}
	}

	hashes, err := h.Processor.ProcessChainHeadersIntoBlockRequest(r.Context(), req.Headers)
	h.Processor.RequestBlocks(req.NodeID, hashes)
	if err != nil {
		h.Logger.Error("Failed to process headers", zap.Error(err), zap.Int("requested", len(hashes)))
		writeJSON(w, statusFor(err), map[string]interface{}{
			"error":     err.Error(),
			"requested": hashes,
		})
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"message":   "Headers processed",
		"requested": hashes,
	})
}

// GetBlock handles GET requests for a stored block
func (h *Handler) GetBlock(w http.ResponseWriter, r *http.Request) {
	hash, err := models.ParseHeaderHash(mux.Vars(r)["hash"])
	if err != nil {
		h.badRequest(w, "Failed to parse block hash", err)
		return
	}

	block, err := h.Chain.GetBlock(r.Context(), hash)
	if err != nil {
		writeJSON(w, statusFor(err), map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, block)
}

// GetBranchTip handles GET requests for the tip of a branch
func (h *Handler) GetBranchTip(w http.ResponseWriter, r *http.Request) {
	branch := h.Chain.MainBranch()
	if name := mux.Vars(r)["name"]; name != branch.Name() {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown branch " + name})
		return
	}

	tip := branch.Tip()
	writeJSON(w, http.StatusOK, TipResponse{
		Name:        branch.Name(),
		Hash:        tip.Hash(),
		ChainLength: tip.ChainLength(),
		Date:        tip.Date(),
	})
}

// GetCheckpoints handles GET requests for the checkpoints of the main branch
func (h *Handler) GetCheckpoints(w http.ResponseWriter, r *http.Request) {
	checkpoints, err := h.Chain.GetCheckpoints(r.Context(), h.Chain.MainBranch().Tip().Hash())
	if err != nil {
		h.Logger.Error("Failed to compute checkpoints", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"checkpoints": checkpoints,
	})
}
