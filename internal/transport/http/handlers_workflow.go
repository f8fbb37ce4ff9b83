package httptransport

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"

	"countersign/internal/compose"
	"countersign/internal/platform/middleware"
	"countersign/internal/workflow"
	dErrors "countersign/pkg/domainerrors"
)

// maxUploadBytes bounds multipart bodies (source documents and signature
// images).
const maxUploadBytes = 32 << 20

// WorkflowHandler exposes the signing engine over HTTP. It delegates to the
// workflow service without embedding business logic so transport concerns
// remain isolated.
type WorkflowHandler struct {
	svc    *workflow.Service
	logger *slog.Logger
}

// NewWorkflowHandler creates the handler.
func NewWorkflowHandler(svc *workflow.Service, logger *slog.Logger) *WorkflowHandler {
	return &WorkflowHandler{svc: svc, logger: logger}
}

// Register mounts the workflow routes on r.
func (h *WorkflowHandler) Register(r chi.Router) {
	r.Post("/workflow", h.handleCreate)
	r.Get("/workflow/{id}/start/{email}", h.handleStart)
	r.Post("/workflow/{id}/verify", h.handleVerify)
	r.Post("/workflow/{id}/sign", h.handleSign)
	r.Post("/workflow/{id}/resend", h.handleResend)
	r.Get("/workflow/{id}/output", h.handleOutput)
	r.Get("/workflow/{id}/audit", h.handleAudit)
	r.Delete("/workflow/{id}", h.handleAbort)
}

// handleCreate accepts a multipart form with a "document" file and a
// "signers" JSON field: an ordered array of {email, name}.
func (h *WorkflowHandler) handleCreate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeError(w, dErrors.New(dErrors.CodeValidation, "invalid multipart request"))
		return
	}

	var signers []workflow.SignerInput
	if err := json.Unmarshal([]byte(r.FormValue("signers")), &signers); err != nil {
		writeError(w, dErrors.New(dErrors.CodeValidation, "signers field must be a JSON array of {email, name}"))
		return
	}

	file, _, err := r.FormFile("document")
	if err != nil {
		writeError(w, dErrors.New(dErrors.CodeValidation, "document file is required"))
		return
	}
	defer file.Close()
	doc, err := io.ReadAll(file)
	if err != nil {
		writeError(w, dErrors.New(dErrors.CodeValidation, "could not read document upload"))
		return
	}

	result, err := h.svc.Create(ctx, signers, doc)
	if err != nil {
		h.logWarn(r, "create workflow rejected", err)
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{
		"workflow_id":       result.WorkflowID,
		"first_signer_link": result.FirstSignerLink,
	})
}

func (h *WorkflowHandler) handleStart(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	email := chi.URLParam(r, "email")
	// chi hands back the raw path segment when the request carries an
	// escaped path, so the address may still be percent-encoded.
	if decoded, err := url.PathUnescape(email); err == nil {
		email = decoded
	}

	tok := r.URL.Query().Get("token")
	if tok == "" {
		writeError(w, dErrors.New(dErrors.CodeInvalidCredential, "signing link token is required"))
		return
	}
	if err := h.svc.ValidateTurnLink(tok, id, email); err != nil {
		writeError(w, err)
		return
	}

	info, err := h.svc.BeginTurn(ctx, id, email)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"email":                 info.Email,
		"display_name":          info.DisplayName,
		"position":              info.Position,
		"total_signers":         info.TotalSigners,
		"verification_required": info.VerificationRequired,
	})
}

func (h *WorkflowHandler) handleVerify(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	var req struct {
		Email string `json:"email"`
		OTP   string `json:"otp"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, dErrors.New(dErrors.CodeValidation, "invalid request body"))
		return
	}

	if err := h.svc.VerifyOTP(ctx, id, req.Email, req.OTP); err != nil {
		h.logWarn(r, "otp verification rejected", err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "verified"})
}

// handleSign accepts a multipart form with an "email" field and an optional
// "signature" image file. Without an upload the signature is rendered from
// the signer's display name.
func (h *WorkflowHandler) handleSign(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeError(w, dErrors.New(dErrors.CodeValidation, "invalid multipart request"))
		return
	}
	email := r.FormValue("email")
	if email == "" {
		writeError(w, dErrors.New(dErrors.CodeValidation, "email field is required"))
		return
	}

	src, err := h.signatureSource(r)
	if err != nil {
		writeError(w, err)
		return
	}

	outcome, err := h.svc.SubmitSignature(ctx, id, email, src)
	if err != nil {
		h.logWarn(r, "signature submission rejected", err)
		writeError(w, err)
		return
	}

	resp := map[string]string{"status": string(outcome.Status)}
	if outcome.NextSignerLink != "" {
		resp["next_signer_link"] = outcome.NextSignerLink
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *WorkflowHandler) handleResend(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	var req struct {
		Email string `json:"email"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, dErrors.New(dErrors.CodeValidation, "invalid request body"))
		return
	}

	if err := h.svc.ResendOTP(ctx, id, req.Email); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "sent"})
}

func (h *WorkflowHandler) handleOutput(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	doc, err := h.svc.FetchFinalDocument(ctx, id)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/pdf")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(doc)
}

func (h *WorkflowHandler) handleAudit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	cursor, err := h.svc.AuditTrail(ctx, id)
	if err != nil {
		writeError(w, err)
		return
	}

	entries := make([]map[string]any, 0)
	for {
		entry, ok := cursor.Next()
		if !ok {
			break
		}
		entries = append(entries, map[string]any{
			"timestamp":  entry.Timestamp,
			"actor":      entry.Actor,
			"event_type": entry.EventType,
			"detail":     entry.Detail,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"workflow_id": id, "entries": entries})
}

func (h *WorkflowHandler) handleAbort(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	var req struct {
		Reason string `json:"reason"`
	}
	// The body is optional; an absent or unreadable reason aborts anyway.
	_ = json.NewDecoder(r.Body).Decode(&req)

	if err := h.svc.Abort(ctx, id, req.Reason); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "aborted"})
}

// signatureSource builds the tagged union for a submission: the uploaded
// image when present, otherwise the zero source, which the coordinator
// resolves to a rendering of the current signer's display name.
func (h *WorkflowHandler) signatureSource(r *http.Request) (compose.SignatureSource, error) {
	file, _, err := r.FormFile("signature")
	if err == nil {
		defer file.Close()
		data, readErr := io.ReadAll(file)
		if readErr != nil {
			return compose.SignatureSource{}, dErrors.New(dErrors.CodeInvalidInput, "could not read signature upload")
		}
		return compose.UploadedImage(data), nil
	}
	if err != http.ErrMissingFile {
		return compose.SignatureSource{}, dErrors.New(dErrors.CodeInvalidInput, "invalid signature upload")
	}
	return compose.SignatureSource{}, nil
}

func (h *WorkflowHandler) logWarn(r *http.Request, msg string, err error) {
	h.logger.WarnContext(r.Context(), msg,
		"request_id", middleware.GetRequestID(r.Context()),
		"error", err.Error(),
	)
}
