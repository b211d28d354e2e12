package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/tmaxmax/go-sse"

	"github.com/zombor/receipt-pipeline/internal/enrichment"
	"github.com/zombor/receipt-pipeline/internal/feed"
	"github.com/zombor/receipt-pipeline/internal/invoke"
	"github.com/zombor/receipt-pipeline/internal/receipt"
)

// maxUploadSize covers high-resolution phone photos
const maxUploadSize = int64(50 << 20)

// corsError writes an error response with CORS headers set
func corsError(w http.ResponseWriter, message string, code int) {
	setCORSHeaders(w)
	http.Error(w, message, code)
}

// setCORSHeaders sets CORS headers on a response
func setCORSHeaders(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Gemini-Key")
	w.Header().Set("Access-Control-Max-Age", "3600")
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	setCORSHeaders(w)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Error encoding response", "error", err)
	}
}

func writeJSONError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]string{"error": message})
}

// writeError maps the error taxonomy onto status codes
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, receipt.ErrNotFound):
		writeJSONError(w, http.StatusNotFound, "Receipt not found")
	case errors.Is(err, receipt.ErrUnauthenticated):
		writeJSONError(w, http.StatusUnauthorized, "Unauthorized")
	case errors.Is(err, receipt.ErrMissingCredential):
		writeJSONError(w, http.StatusBadRequest, "Gemini API key is required")
	case errors.Is(err, enrichment.ErrNotCompleted):
		writeJSONError(w, http.StatusConflict, "Receipt has not finished processing")
	case errors.Is(err, receipt.ErrUpstream):
		writeJSONError(w, http.StatusBadGateway, err.Error())
	default:
		writeJSONError(w, http.StatusInternalServerError, "Internal server error")
	}
}

// ownedReceipt loads a receipt that belongs to the caller; other users' receipts look missing
func (s *Server) ownedReceipt(r *http.Request) (*receipt.Receipt, error) {
	rec, err := s.deps.DB.GetReceipt(r.Context(), r.PathValue("id"))
	if err != nil {
		return nil, err
	}
	if rec.UserID != userFrom(r.Context()) {
		return nil, receipt.ErrNotFound
	}
	return rec, nil
}

// handleListReceipts returns the caller's receipts, newest first
func (s *Server) handleListReceipts(w http.ResponseWriter, r *http.Request) {
	receipts, err := s.deps.DB.ListReceipts(r.Context())
	if err != nil {
		slog.Error("Error listing receipts", "error", err)
		writeError(w, err)
		return
	}

	user := userFrom(r.Context())
	rows := make([]receipt.Row, 0, len(receipts))
	for _, rec := range receipts {
		if rec.UserID == user {
			rows = append(rows, receipt.ToRow(rec))
		}
	}
	writeJSON(w, http.StatusOK, rows)
}

// handleUploadReceipt stores an image and starts extraction
func (s *Server) handleUploadReceipt(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		slog.Error("Error parsing multipart form", "error", err)
		errorMsg := "Error parsing form"
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			errorMsg = "File is too large. Maximum size is 50MB. Please compress or resize your image."
		}
		writeJSONError(w, http.StatusBadRequest, errorMsg)
		return
	}

	f, header, err := r.FormFile("file")
	if err != nil {
		slog.Error("Error getting file from form", "error", err)
		writeJSONError(w, http.StatusBadRequest, "No file was selected. Please choose a file to upload.")
		return
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		slog.Error("Error reading file data", "error", err, "filename", header.Filename)
		writeJSONError(w, http.StatusInternalServerError, "Error reading file. Please try again.")
		return
	}

	contentType := header.Header.Get("Content-Type")
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = contentTypeFromName(header.Filename)
	}
	contentType = strings.ToLower(strings.TrimSpace(contentType))

	id, err := s.deps.Submitter.Submit(r.Context(), userFrom(r.Context()), data, contentType)
	if err != nil {
		slog.Error("Error submitting receipt", "filename", header.Filename, "error", err)
		writeError(w, err)
		return
	}

	status := receipt.StatusProcessing
	if rec, err := s.deps.DB.GetReceipt(r.Context(), id); err == nil {
		status = rec.Status
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id, "status": string(status)})
}

func contentTypeFromName(filename string) string {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	case ".pdf":
		return "application/pdf"
	case ".heic":
		return "image/heic"
	case ".heif":
		return "image/heif"
	default:
		return "application/octet-stream"
	}
}

// handleGetReceipt returns a single receipt
func (s *Server) handleGetReceipt(w http.ResponseWriter, r *http.Request) {
	rec, err := s.ownedReceipt(r)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, receipt.ToRow(rec))
}

// handleGetReceiptFile returns the stored image for a receipt
func (s *Server) handleGetReceiptFile(w http.ResponseWriter, r *http.Request) {
	rec, err := s.ownedReceipt(r)
	if err != nil {
		writeError(w, err)
		return
	}
	data, err := s.deps.Storage.Get(rec.StoragePath)
	if err != nil {
		slog.Error("Error reading receipt file", "receipt_id", rec.ID, "error", err)
		corsError(w, "File not found", http.StatusNotFound)
		return
	}

	setCORSHeaders(w)
	w.Header().Set("Content-Type", rec.ContentType)
	w.Write(data)
}

// handleGetObject serves a stored image under the caller's own prefix
func (s *Server) handleGetObject(w http.ResponseWriter, r *http.Request) {
	key := path.Clean("/" + r.PathValue("path"))[1:]
	if !strings.HasPrefix(key, "receipts/"+userFrom(r.Context())+"/") {
		corsError(w, "File not found", http.StatusNotFound)
		return
	}
	data, err := s.deps.Storage.Get(key)
	if err != nil {
		corsError(w, "File not found", http.StatusNotFound)
		return
	}

	setCORSHeaders(w)
	w.Header().Set("Content-Type", http.DetectContentType(data))
	w.Write(data)
}

// handleDeleteReceipt deletes a receipt and its image
func (s *Server) handleDeleteReceipt(w http.ResponseWriter, r *http.Request) {
	rec, err := s.ownedReceipt(r)
	if err != nil {
		writeError(w, err)
		return
	}

	if err := s.deps.Storage.Delete(rec.StoragePath); err != nil {
		// Log error but continue with database deletion
		slog.Warn("Failed to delete file", "path", rec.StoragePath, "error", err)
	}
	if err := s.deps.DB.DeleteReceipt(r.Context(), rec.ID); err != nil {
		slog.Error("Error deleting receipt", "receipt_id", rec.ID, "error", err)
		writeError(w, err)
		return
	}

	setCORSHeaders(w)
	w.WriteHeader(http.StatusNoContent)
}

// handleReceiptEvents streams the current row followed by every change to it
func (s *Server) handleReceiptEvents(w http.ResponseWriter, r *http.Request) {
	// subscribe before reading the snapshot so no write slips in between
	events, cancel, err := s.deps.Feed.Subscribe(r.Context(), r.PathValue("id"))
	if err != nil {
		slog.Error("Error subscribing to changes", "receipt_id", r.PathValue("id"), "error", err)
		writeError(w, err)
		return
	}
	defer cancel()

	rec, err := s.ownedReceipt(r)
	if err != nil {
		writeError(w, err)
		return
	}

	setCORSHeaders(w)
	sess, err := sse.Upgrade(w, r)
	if err != nil {
		corsError(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	if err := feed.Send(sess, feed.NewUpdate(receipt.ToRow(rec))); err != nil {
		slog.Warn("Error writing change event", "receipt_id", rec.ID, "error", err)
		return
	}
	last := rec.Revision

	heartbeat := time.NewTicker(s.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			if err := feed.Heartbeat(sess); err != nil {
				return
			}
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Record.Revision <= last {
				continue
			}
			if err := feed.Send(sess, ev); err != nil {
				slog.Warn("Error writing change event", "receipt_id", rec.ID, "error", err)
				return
			}
			last = ev.Record.Revision
		}
	}
}

// handleCompare runs the on-demand price comparison with the caller's key
func (s *Server) handleCompare(w http.ResponseWriter, r *http.Request) {
	if _, err := s.ownedReceipt(r); err != nil {
		writeError(w, err)
		return
	}

	updated, err := s.deps.Comparer.CompareOnDemand(r.Context(), r.PathValue("id"), r.Header.Get("X-Gemini-Key"))
	if err != nil {
		slog.Error("Error comparing prices", "receipt_id", r.PathValue("id"), "error", err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, receipt.ToRow(updated))
}

// handleSaveAPIKey stores the caller's Gemini key; an empty key clears it
func (s *Server) handleSaveAPIKey(w http.ResponseWriter, r *http.Request) {
	var req struct {
		APIKey string `json:"apiKey"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if err := s.deps.DB.SaveUserAPIKey(r.Context(), userFrom(r.Context()), strings.TrimSpace(req.APIKey)); err != nil {
		slog.Error("Error saving API key", "error", err)
		writeError(w, err)
		return
	}

	setCORSHeaders(w)
	w.WriteHeader(http.StatusNoContent)
}

// handleInvokeFunction dispatches a pipeline function and answers before it runs
func (s *Server) handleInvokeFunction(w http.ResponseWriter, r *http.Request) {
	function := r.PathValue("function")

	var req invoke.Request
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&req); err != nil || strings.TrimSpace(req.ReceiptID) == "" {
		writeJSON(w, http.StatusBadRequest, invoke.Response{Error: "Receipt ID is required"})
		return
	}

	err := s.deps.Functions.Invoke(r.Context(), function, req.ReceiptID)
	switch {
	case errors.Is(err, invoke.ErrUnknownFunction):
		writeJSON(w, http.StatusNotFound, invoke.Response{Error: err.Error()})
	case errors.Is(err, invoke.ErrShuttingDown):
		writeJSON(w, http.StatusServiceUnavailable, invoke.Response{Error: err.Error()})
	case err != nil:
		slog.Error("Error dispatching function", "function", function, "receipt_id", req.ReceiptID, "error", err)
		writeJSON(w, http.StatusInternalServerError, invoke.Response{Error: err.Error()})
	default:
		writeJSON(w, http.StatusAccepted, invoke.Response{Success: true, ReceiptID: req.ReceiptID})
	}
}
