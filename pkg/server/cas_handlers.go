// Copyright 2026 The Ceramic Anchor Service Authors
//
// CAS Intake API Handlers
// Implements spec §6 EXTERNAL INTERFACES: request intake and status lookup.

package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/ipfs/go-cid"

	"github.com/ceramicnetwork/cas/pkg/blockstore"
	"github.com/ceramicnetwork/cas/pkg/database"
)

// maxStreamIDLen mirrors the metadata table's stream_id column cap
// (spec §6 persisted schema); the request table itself leaves stream_id
// unbounded, but a request can never outlive its stream's metadata row.
const maxStreamIDLen = 1024

// CASHandlers provides HTTP handlers for anchor request intake and status.
type CASHandlers struct {
	requests *database.RequestRepository
	anchors  *database.AnchorRepository
	store    blockstore.Store
	logger   *log.Logger
}

// NewCASHandlers creates new CAS intake handlers.
func NewCASHandlers(requests *database.RequestRepository, anchors *database.AnchorRepository, store blockstore.Store, logger *log.Logger) *CASHandlers {
	if logger == nil {
		logger = log.New(log.Writer(), "[CASAPI] ", log.LstdFlags)
	}
	return &CASHandlers{
		requests: requests,
		anchors:  anchors,
		store:    store,
		logger:   logger,
	}
}

// intakeRequest is the wire shape of POST /requests (spec §6).
type intakeRequest struct {
	StreamID  string     `json:"streamId"`
	CID       string     `json:"cid"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
	Origin    string     `json:"origin,omitempty"`
}

// CASResponse is the wire shape returned by both POST /requests and
// GET /requests/{cid} (spec §6).
type CASResponse struct {
	Status       string        `json:"status"`
	StreamID     string        `json:"streamId"`
	CID          string        `json:"cid"`
	Message      string        `json:"message,omitempty"`
	AnchorCommit *AnchorCommit `json:"anchorCommit,omitempty"`
	WitnessCAR   string        `json:"witnessCar,omitempty"`
}

// AnchorCommit describes the published anchor referenced by a COMPLETED
// CASResponse.
type AnchorCommit struct {
	CID     string              `json:"cid"`
	Content *AnchorCommitContent `json:"content,omitempty"`
}

// AnchorCommitContent carries the anchor commit's own linkage fields.
type AnchorCommitContent struct {
	Path  string `json:"path,omitempty"`
	Prev  string `json:"prev"`
	Proof string `json:"proof,omitempty"`
}

// HandleCreateRequest handles POST /requests.
func (h *CASHandlers) HandleCreateRequest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "Only POST is allowed")
		return
	}

	var body intakeRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		h.writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	if err := validateIntake(body); err != nil {
		h.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	timestamp := time.Now()
	if body.Timestamp != nil {
		timestamp = *body.Timestamp
	}

	ctx := r.Context()
	req, err := h.requests.CreateRequest(ctx, body.StreamID, body.CID, timestamp, body.Origin)
	if err != nil {
		h.logger.Printf("create request failed for stream %s: %v", body.StreamID, err)
		h.writeError(w, http.StatusInternalServerError, "failed to accept request")
		return
	}

	resp, err := h.buildResponse(ctx, req)
	if err != nil {
		h.logger.Printf("build response failed for stream %s: %v", body.StreamID, err)
		h.writeError(w, http.StatusInternalServerError, "failed to build response")
		return
	}

	h.writeJSON(w, http.StatusAccepted, resp)
}

// HandleGetRequestStatus handles GET /requests/{cid}. A CID is a content
// hash, so it alone identifies the request regardless of stream.
func (h *CASHandlers) HandleGetRequestStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "Only GET is allowed")
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/api/v1/requests/")
	requestCID := strings.TrimSuffix(path, "/")
	if requestCID == "" {
		h.writeError(w, http.StatusBadRequest, "cid is required")
		return
	}

	ctx := r.Context()
	req, err := h.requests.GetStatusByCID(ctx, requestCID)
	if errors.Is(err, database.ErrRequestNotFound) {
		h.writeError(w, http.StatusNotFound, fmt.Sprintf("no request found for cid: %s", requestCID))
		return
	}
	if err != nil {
		h.logger.Printf("get status failed for cid %s: %v", requestCID, err)
		h.writeError(w, http.StatusInternalServerError, "failed to retrieve request status")
		return
	}

	resp, err := h.buildResponse(ctx, req)
	if err != nil {
		h.logger.Printf("build response failed for cid %s: %v", requestCID, err)
		h.writeError(w, http.StatusInternalServerError, "failed to build response")
		return
	}

	h.writeJSON(w, http.StatusOK, resp)
}

// buildResponse assembles a CASResponse for req, attaching the anchor
// commit and witness CAR when the request has reached COMPLETED and an
// anchor row exists (spec §6, §9 Open Question: not every completion
// produces an anchor row).
func (h *CASHandlers) buildResponse(ctx context.Context, req *database.Request) (*CASResponse, error) {
	resp := &CASResponse{
		Status:   string(req.Status),
		StreamID: req.StreamID,
		CID:      req.CID,
	}
	if req.Message.Valid {
		resp.Message = req.Message.String
	}

	if req.Status != database.RequestCompleted {
		return resp, nil
	}

	anchor, err := h.anchors.GetAnchorByRequestID(ctx, req.ID)
	if errors.Is(err, database.ErrAnchorNotFound) {
		return resp, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load anchor for request %s: %w", req.ID, err)
	}

	resp.AnchorCommit = &AnchorCommit{
		CID: anchor.CID,
		Content: &AnchorCommitContent{
			Path:  anchor.Path,
			Prev:  req.CID,
			Proof: anchor.ProofCID,
		},
	}

	carCID, err := cid.Decode(anchor.CID)
	if err != nil {
		h.logger.Printf("anchor cid %s for request %s is not decodable, omitting witness car: %v", anchor.CID, req.ID, err)
		return resp, nil
	}
	carBytes, err := h.store.GetBlock(ctx, carCID)
	if errors.Is(err, blockstore.ErrBlockNotFound) {
		// CAR writes happen post-commit (spec §4.7 step 5) and a failed
		// write is not retried, so a COMPLETED request may lack one.
		return resp, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load witness car for request %s: %w", req.ID, err)
	}
	resp.WitnessCAR = base64.StdEncoding.EncodeToString(carBytes)

	return resp, nil
}

func (h *CASHandlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Printf("error encoding response: %v", err)
	}
}

func (h *CASHandlers) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}

func validateIntake(body intakeRequest) error {
	if body.StreamID == "" {
		return errors.New("streamId is required")
	}
	if len(body.StreamID) > maxStreamIDLen {
		return fmt.Errorf("streamId exceeds %d characters", maxStreamIDLen)
	}
	if body.CID == "" {
		return errors.New("cid is required")
	}
	if _, err := cid.Decode(body.CID); err != nil {
		return fmt.Errorf("invalid cid: %w", err)
	}
	if len(body.Origin) > 1024 {
		return errors.New("origin exceeds 1024 characters")
	}
	return nil
}
