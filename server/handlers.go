package server

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"strings"

	"audiosplit/core/splitter"
	"audiosplit/logger"
	"audiosplit/model"

	"github.com/gorilla/mux"
)

const (
	msgNoFile       = "No file uploaded"
	msgNoFileData   = "No fileData provided"
	msgBadBase64    = "Invalid base64 fileData"
	msgBadJSON      = "Invalid JSON body"
	msgTooLarge     = "Request body too large"
	msgInternal     = "internal server error"
	smallFieldLimit = 64
	base64InputExt  = ".m4a"
)

// APIHandler serves the split endpoints on top of a splitter.Service.
type APIHandler struct {
	splitter     *splitter.Service
	maxBodyBytes int64
}

// NewAPIHandler creates a new APIHandler.
func NewAPIHandler(svc *splitter.Service, maxBodyBytes int64) *APIHandler {
	return &APIHandler{splitter: svc, maxBodyBytes: maxBodyBytes}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("Failed to write response", logger.ErrorField(err))
	}
}

// writeClientError produces the {"error": "..."} body used for 4xx responses.
func writeClientError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, model.ErrorResponse{Error: message})
}

// writeServerError produces the {"success": false, "error": "..."} body.
func writeServerError(w http.ResponseWriter, status int, message string) {
	failed := false
	writeJSON(w, status, model.ErrorResponse{Success: &failed, Error: message})
}

// writeJobError maps a pipeline failure onto a status code and a client-safe message.
func (h *APIHandler) writeJobError(w http.ResponseWriter, err error) {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		writeServerError(w, http.StatusRequestEntityTooLarge, msgTooLarge)
		return
	}
	if errors.Is(err, splitter.ErrDeliveryUnavailable) {
		writeClientError(w, http.StatusBadRequest, err.Error())
		return
	}

	var jobErr *splitter.JobError
	if !errors.As(err, &jobErr) {
		logger.Error("Split request failed", logger.ErrorField(err))
		writeServerError(w, http.StatusInternalServerError, msgInternal)
		return
	}

	logger.Error("Split job failed",
		logger.SessionID(jobErr.SessionID),
		logger.String("stage", string(jobErr.Stage)),
		logger.ErrorField(jobErr.Err))

	status := http.StatusInternalServerError
	if jobErr.Stage == splitter.StageAdmission {
		status = http.StatusServiceUnavailable
	}
	writeServerError(w, status, jobErr.Message)
}

// HealthHandler reports whether ffmpeg can be executed.
func (h *APIHandler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	version, err := h.splitter.Segmenter().Version(r.Context())
	if err != nil {
		logger.Warn("Health check failed", logger.ErrorField(err))
		writeJSON(w, http.StatusInternalServerError, model.HealthResponse{
			Status: "unhealthy",
			Error:  "ffmpeg not available",
		})
		return
	}

	writeJSON(w, http.StatusOK, model.HealthResponse{
		Status:      "healthy",
		ToolVersion: version,
	})
}

// SplitAudioHandler splits a multipart upload.
// Form fields:
// - file: the audio file (required)
// - segmentTime: segment length in seconds (optional, default 900)
// - delivery: "inline" or "reference" (optional, also accepted as a query parameter)
//
// The file part is streamed directly into the session workspace.
func (h *APIHandler) SplitAudioHandler(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodyBytes)

	reader, err := r.MultipartReader()
	if err != nil {
		writeClientError(w, http.StatusBadRequest, msgNoFile)
		return
	}

	var job *model.Job
	defer func() { h.splitter.Release(job) }()

	delivery := model.ParseDelivery(r.URL.Query().Get("delivery"))
	var rawSegmentTime string

	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			h.splitter.Release(job)
			if job == nil && !isMaxBytes(err) {
				writeClientError(w, http.StatusBadRequest, msgNoFile)
				return
			}
			h.writeJobError(w, err)
			return
		}

		switch part.FormName() {
		case "segmentTime":
			rawSegmentTime = readSmallField(part)
		case "delivery":
			if r.URL.Query().Get("delivery") == "" {
				delivery = model.ParseDelivery(readSmallField(part))
			}
		case "file":
			if job != nil || part.FileName() == "" {
				break
			}
			if job, err = h.receiveUpload(part, delivery); err != nil {
				h.splitter.Release(job)
				part.Close()
				h.writeJobError(w, err)
				return
			}
		}
		part.Close()
	}

	if job == nil {
		writeClientError(w, http.StatusBadRequest, msgNoFile)
		return
	}

	if err := h.splitter.CheckDelivery(delivery); err != nil {
		h.splitter.Release(job)
		h.writeJobError(w, err)
		return
	}
	job.Delivery = delivery
	job.SegmentTime = h.splitter.SegmentTime(rawSegmentTime)

	resp, err := h.splitter.Execute(r.Context(), job)
	if err != nil {
		h.writeJobError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// receiveUpload allocates a job and copies the file part into its input path.
// The input is stored without an extension and ffmpeg probes its format.
// On failure the returned job, if any, still needs releasing.
func (h *APIHandler) receiveUpload(part *multipart.Part, delivery model.Delivery) (*model.Job, error) {
	job, err := h.splitter.NewJob("", 0, delivery)
	if err != nil {
		return nil, err
	}

	n, err := h.splitter.WriteInput(job, part)
	if err != nil {
		return job, err
	}

	logger.Info("Upload received",
		logger.SessionID(job.SessionID),
		logger.String("fileName", part.FileName()),
		logger.Int64("size", n))
	return job, nil
}

// SplitAudioBase64Handler splits a base64 payload sent as JSON:
// {"fileData": "...", "fileName": "talk.m4a", "segmentTime": 600}
func (h *APIHandler) SplitAudioBase64Handler(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodyBytes)

	var req model.SplitBase64Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		if isMaxBytes(err) {
			h.writeJobError(w, err)
			return
		}
		writeClientError(w, http.StatusBadRequest, msgBadJSON)
		return
	}

	if req.FileData == "" {
		writeClientError(w, http.StatusBadRequest, msgNoFileData)
		return
	}

	data, err := decodeBase64(req.FileData)
	if err != nil {
		writeClientError(w, http.StatusBadRequest, msgBadBase64)
		return
	}
	req.FileData = ""

	delivery := model.ParseDelivery(r.URL.Query().Get("delivery"))
	if r.URL.Query().Get("delivery") == "" {
		delivery = model.ParseDelivery(req.Delivery)
	}

	// fileName is metadata only, the input path never depends on it.
	job, err := h.splitter.NewJob(base64InputExt, h.splitter.SegmentTime(string(req.SegmentTime)), delivery)
	if err != nil {
		h.writeJobError(w, err)
		return
	}
	job.OriginalFile = req.FileName

	if _, err := h.splitter.WriteInput(job, bytes.NewReader(data)); err != nil {
		h.splitter.Release(job)
		h.writeJobError(w, err)
		return
	}

	resp, err := h.splitter.Execute(r.Context(), job)
	if err != nil {
		h.writeJobError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetSessionHandler returns the cached manifest of a reference delivery.
func (h *APIHandler) GetSessionHandler(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["sessionId"]

	resp, err := h.splitter.Manifest(r.Context(), sessionID)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, resp)
	case errors.Is(err, splitter.ErrInvalidSession):
		writeClientError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, splitter.ErrManifestNotFound):
		writeClientError(w, http.StatusNotFound, err.Error())
	default:
		logger.Error("Failed to load manifest", logger.SessionID(sessionID), logger.ErrorField(err))
		writeServerError(w, http.StatusInternalServerError, msgInternal)
	}
}

// DeleteSessionHandler removes stored segments and the manifest of a session.
func (h *APIHandler) DeleteSessionHandler(w http.ResponseWriter, r *http.Request) {
	sessionID := mux.Vars(r)["sessionId"]

	err := h.splitter.DeleteSession(r.Context(), sessionID)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, splitter.ErrInvalidSession), errors.Is(err, splitter.ErrDeliveryUnavailable):
		writeClientError(w, http.StatusBadRequest, err.Error())
	default:
		logger.Error("Failed to delete session", logger.SessionID(sessionID), logger.ErrorField(err))
		writeServerError(w, http.StatusInternalServerError, msgInternal)
	}
}

func isMaxBytes(err error) bool {
	var maxErr *http.MaxBytesError
	return errors.As(err, &maxErr)
}

func readSmallField(part *multipart.Part) string {
	b, _ := io.ReadAll(io.LimitReader(part, smallFieldLimit))
	return string(b)
}

// decodeBase64 accepts standard and URL-safe alphabets, with or without
// padding, embedded whitespace and an optional data URI prefix.
func decodeBase64(s string) ([]byte, error) {
	if strings.HasPrefix(s, "data:") {
		if _, payload, ok := strings.Cut(s, ";base64,"); ok {
			s = payload
		}
	}
	s = strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\n', '\r', '\t':
			return -1
		}
		return r
	}, s)

	var lastErr error
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		data, err := enc.DecodeString(s)
		if err == nil {
			return data, nil
		}
		lastErr = err
	}
	return nil, lastErr
}
