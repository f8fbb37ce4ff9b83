package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"countersign/internal/audit"
	"countersign/internal/blob"
	"countersign/internal/compose"
	"countersign/internal/notify"
	"countersign/internal/otp"
	"countersign/internal/platform/metrics"
	"countersign/internal/token"
	dErrors "countersign/pkg/domainerrors"
	emailutil "countersign/pkg/email"
	"countersign/pkg/platform/sentinel"
)

// SignerInput is one entry of the ordered signer list at creation time.
type SignerInput struct {
	Email string `json:"email"`
	Name  string `json:"name"`
}

// CreateResult is returned from a successful workflow creation.
type CreateResult struct {
	WorkflowID      string
	FirstSignerLink string
}

// SignOutcome is the orchestrator's view of a submission: the coordinator
// result plus the link for whoever signs next.
type SignOutcome struct {
	Status         Status
	NextSignerLink string
}

// Service is the public-facing facade over the Turn Coordinator. It owns
// validation, artifact handling, signer links, and the fire-and-forget
// notification side effects; the FSM semantics live in the Coordinator.
type Service struct {
	coord    *Coordinator
	store    Store
	otp      *otp.Authority
	blobs    blob.Store
	notifier notify.Notifier
	links    *token.LinkSigner
	recorder *audit.Recorder
	metrics  *metrics.Metrics
	logger   *slog.Logger
	baseURL  string
	now      func() time.Time
}

// NewService wires the orchestrator.
func NewService(
	coord *Coordinator,
	store Store,
	authority *otp.Authority,
	blobs blob.Store,
	notifier notify.Notifier,
	links *token.LinkSigner,
	recorder *audit.Recorder,
	m *metrics.Metrics,
	logger *slog.Logger,
	baseURL string,
) *Service {
	return &Service{
		coord:    coord,
		store:    store,
		otp:      authority,
		blobs:    blobs,
		notifier: notifier,
		links:    links,
		recorder: recorder,
		metrics:  m,
		logger:   logger,
		baseURL:  strings.TrimRight(baseURL, "/"),
		now:      time.Now,
	}
}

// Create validates the signer list and source document, persists the new
// workflow, issues every signer's one-time code, and returns the first
// signer's turn link. Each issued code triggers a fire-and-forget
// notification.
func (s *Service) Create(ctx context.Context, signers []SignerInput, sourceDocument []byte) (CreateResult, error) {
	if len(signers) == 0 {
		return CreateResult{}, dErrors.New(dErrors.CodeValidation, "signer list is empty")
	}
	seen := make(map[string]struct{}, len(signers))
	for _, in := range signers {
		addr := strings.ToLower(strings.TrimSpace(in.Email))
		if addr == "" || !strings.Contains(addr, "@") {
			return CreateResult{}, dErrors.New(dErrors.CodeValidation, fmt.Sprintf("invalid signer email %q", in.Email))
		}
		if _, dup := seen[addr]; dup {
			return CreateResult{}, dErrors.New(dErrors.CodeValidation, fmt.Sprintf("duplicate signer email %q", addr))
		}
		seen[addr] = struct{}{}
	}
	if _, err := s.coord.compositor.Probe(sourceDocument); err != nil {
		return CreateResult{}, dErrors.New(dErrors.CodeValidation, "source document is not a readable document")
	}

	sourceRef, err := s.blobs.Put(ctx, sourceDocument, "application/pdf")
	if err != nil {
		return CreateResult{}, dErrors.New(dErrors.CodeStorage, "store source document: "+err.Error())
	}

	w := &Workflow{
		ID:            uuid.NewString(),
		Status:        StatusPending,
		Stage:         StageVerification,
		Signers:       make([]Signer, 0, len(signers)),
		SourceDocRef:  sourceRef,
		WorkingDocRef: sourceRef,
		CreatedAt:     s.now(),
	}
	for _, in := range signers {
		name := strings.TrimSpace(in.Name)
		addr := strings.ToLower(strings.TrimSpace(in.Email))
		if name == "" {
			name = emailutil.DeriveDisplayName(addr)
		}
		w.Signers = append(w.Signers, Signer{Email: addr, DisplayName: name})
	}

	if err := s.store.Create(ctx, w); err != nil {
		return CreateResult{}, dErrors.New(dErrors.CodeStorage, "create workflow: "+err.Error())
	}

	for _, signer := range w.Signers {
		s.issueAndNotify(ctx, w.ID, signer.Email)
	}

	s.metrics.WorkflowsCreated.Inc()
	s.recorder.Record(ctx, audit.Entry{
		WorkflowID: w.ID,
		EventType:  audit.EventWorkflowCreated,
		Detail:     fmt.Sprintf("%d signers", len(w.Signers)),
	})

	link, err := s.signerLink(w.ID, w.Signers[0].Email)
	if err != nil {
		return CreateResult{}, err
	}
	return CreateResult{WorkflowID: w.ID, FirstSignerLink: link}, nil
}

// BeginTurn returns the current signer's metadata (see Coordinator.BeginTurn).
func (s *Service) BeginTurn(ctx context.Context, workflowID, email string) (TurnInfo, error) {
	return s.coord.BeginTurn(ctx, workflowID, normalizeEmail(email))
}

// ValidateTurnLink checks a signer-link token against the workflow and email
// it was issued for.
func (s *Service) ValidateTurnLink(tok, workflowID, email string) error {
	return s.links.Validate(tok, workflowID, normalizeEmail(email))
}

// VerifyOTP checks the current signer's code (see Coordinator.VerifyOTP).
func (s *Service) VerifyOTP(ctx context.Context, workflowID, email, code string) error {
	return s.coord.VerifyOTP(ctx, workflowID, normalizeEmail(email), code)
}

// SubmitSignature runs the signature transition and, when the workflow is
// not yet complete, issues a fresh code for the next signer and returns
// their turn link.
func (s *Service) SubmitSignature(ctx context.Context, workflowID, email string, src compose.SignatureSource) (SignOutcome, error) {
	result, err := s.coord.SubmitSignature(ctx, workflowID, normalizeEmail(email), src)
	if err != nil {
		return SignOutcome{}, err
	}

	outcome := SignOutcome{Status: result.Status}
	if !result.Completed {
		// The next signer's code was minted at creation and may have
		// lapsed by now; a fresh issue keeps their link usable.
		s.issueAndNotify(ctx, workflowID, result.NextSignerEmail)
		link, err := s.signerLink(workflowID, result.NextSignerEmail)
		if err != nil {
			return SignOutcome{}, err
		}
		outcome.NextSignerLink = link
	}
	return outcome, nil
}

// FetchFinalDocument returns the fully signed document bytes once the
// workflow has completed.
func (s *Service) FetchFinalDocument(ctx context.Context, workflowID string) ([]byte, error) {
	w, err := s.store.Load(ctx, workflowID)
	if err != nil {
		return nil, translateStore(err)
	}
	if w.Status != StatusCompleted {
		return nil, dErrors.New(dErrors.CodeNotReady, "workflow is not completed")
	}
	doc, err := s.blobs.Get(ctx, w.FinalDocRef)
	if err != nil {
		return nil, dErrors.New(dErrors.CodeStorage, "load final document: "+err.Error())
	}
	return doc, nil
}

// ResendOTP regenerates a signer's code subject to the resend throttle and
// notifies them.
func (s *Service) ResendOTP(ctx context.Context, workflowID, email string) error {
	email = normalizeEmail(email)
	w, err := s.store.Load(ctx, workflowID)
	if err != nil {
		return translateStore(err)
	}
	signer, err := w.FindSigner(email)
	if err != nil {
		return dErrors.New(dErrors.CodeNotFound, "unknown signer for this workflow")
	}
	if signer.Signed {
		return dErrors.New(dErrors.CodeAlreadySigned, "signer has already signed")
	}
	if w.Terminal() {
		return dErrors.New(dErrors.CodeOutOfTurn, "workflow is no longer active")
	}

	code, err := s.otp.Reissue(ctx, workflowID, email)
	if err != nil {
		return translateReissue(err)
	}
	s.metrics.OTPIssued.Inc()
	s.dispatchNotification(email, otpMessage(workflowID, code))
	s.recorder.Record(ctx, audit.Entry{
		WorkflowID: workflowID,
		Actor:      email,
		EventType:  audit.EventOTPResent,
	})
	return nil
}

// Abort terminates a workflow early (see Coordinator.Abort).
func (s *Service) Abort(ctx context.Context, workflowID, reason string) error {
	return s.coord.Abort(ctx, workflowID, reason)
}

// AuditTrail returns a forward-only cursor over a workflow's audit entries.
func (s *Service) AuditTrail(ctx context.Context, workflowID string) (*audit.Cursor, error) {
	return s.recorder.Query(ctx, workflowID)
}

func (s *Service) issueAndNotify(ctx context.Context, workflowID, email string) {
	code, err := s.otp.Issue(ctx, workflowID, email)
	if err != nil {
		s.logger.ErrorContext(ctx, "otp issue failed",
			"workflow_id", workflowID,
			"email", email,
			"error", err,
		)
		return
	}
	s.metrics.OTPIssued.Inc()
	s.dispatchNotification(email, otpMessage(workflowID, code))
}

// dispatchNotification sends without blocking the transition and without
// letting a notifier panic or error propagate to the caller.
func (s *Service) dispatchNotification(destination, message string) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("notifier panic", "destination", destination, "panic", r)
			}
		}()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.notifier.Send(ctx, destination, message); err != nil {
			s.logger.Error("notification send failed", "destination", destination, "error", err)
		}
	}()
}

func (s *Service) signerLink(workflowID, email string) (string, error) {
	tok, err := s.links.Sign(workflowID, email)
	if err != nil {
		return "", dErrors.New(dErrors.CodeInternal, "sign turn link: "+err.Error())
	}
	return fmt.Sprintf("%s/workflow/%s/start/%s?token=%s",
		s.baseURL, workflowID, url.PathEscape(email), url.QueryEscape(tok)), nil
}

func otpMessage(workflowID, code string) string {
	return fmt.Sprintf("Your signing code for request %s is %s. It expires shortly.", workflowID, code)
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func translateReissue(err error) error {
	switch {
	case errors.Is(err, sentinel.ErrThrottled):
		return dErrors.New(dErrors.CodeRateLimited, err.Error())
	case errors.Is(err, sentinel.ErrNotFound):
		return dErrors.New(dErrors.CodeNotFound, err.Error())
	default:
		return dErrors.New(dErrors.CodeInternal, err.Error())
	}
}
