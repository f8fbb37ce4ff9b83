package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"countersign/internal/audit"
	"countersign/internal/blob"
	"countersign/internal/compose"
	"countersign/internal/otp"
	"countersign/internal/platform/metrics"
	dErrors "countersign/pkg/domainerrors"
	"countersign/pkg/platform/sentinel"
)

// maxTransitionRetries bounds how often a transition re-runs its
// read-modify-write after an optimistic-concurrency conflict before the
// conflict is surfaced.
const maxTransitionRetries = 3

// Compositor is the document-mutation collaborator. compose.Compositor is
// the production implementation; tests substitute fakes.
type Compositor interface {
	Probe(doc []byte) (int, error)
	Apply(doc []byte, src compose.SignatureSource) (newDoc []byte, asset []byte, err error)
}

// TurnInfo is the signer metadata returned by BeginTurn.
type TurnInfo struct {
	Email                string
	DisplayName          string
	Position             int
	TotalSigners         int
	VerificationRequired bool
}

// SubmitResult reports the outcome of a signature submission.
type SubmitResult struct {
	Status          Status
	Completed       bool
	NextSignerEmail string
}

// Coordinator is the finite-state machine enforcing signer order, OTP
// gating, and completion. All mutating transitions are serialized per
// workflow by the store's version check: a transition that loses the race
// reloads, re-evaluates its guards, and either retries or fails cleanly.
type Coordinator struct {
	store      Store
	otp        *otp.Authority
	compositor Compositor
	blobs      blob.Store
	recorder   *audit.Recorder
	metrics    *metrics.Metrics
	logger     *slog.Logger
	now        func() time.Time
}

// NewCoordinator wires the FSM's collaborators.
func NewCoordinator(
	store Store,
	authority *otp.Authority,
	compositor Compositor,
	blobs blob.Store,
	recorder *audit.Recorder,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Coordinator {
	return &Coordinator{
		store:      store,
		otp:        authority,
		compositor: compositor,
		blobs:      blobs,
		recorder:   recorder,
		metrics:    m,
		logger:     logger,
		now:        time.Now,
	}
}

// WithClock injects a time source for tests.
func (c *Coordinator) WithClock(now func() time.Time) *Coordinator {
	c.now = now
	return c
}

// BeginTurn returns the current signer's metadata when email matches the
// signer whose turn it is. Read-only apart from the audit entry.
func (c *Coordinator) BeginTurn(ctx context.Context, workflowID, email string) (TurnInfo, error) {
	w, err := c.store.Load(ctx, workflowID)
	if err != nil {
		return TurnInfo{}, translateStore(err)
	}

	signer, err := w.FindSigner(email)
	if err != nil {
		return TurnInfo{}, dErrors.New(dErrors.CodeNotFound, "unknown signer for this workflow")
	}
	if signer.Signed {
		return TurnInfo{}, dErrors.New(dErrors.CodeAlreadySigned, "signer has already signed")
	}
	current, err := w.Current()
	if err != nil || current.Email != email {
		return TurnInfo{}, dErrors.New(dErrors.CodeOutOfTurn, "it is not this signer's turn")
	}

	c.recorder.Record(ctx, audit.Entry{
		WorkflowID: workflowID,
		Actor:      email,
		EventType:  audit.EventTurnBegun,
	})

	return TurnInfo{
		Email:                signer.Email,
		DisplayName:          signer.DisplayName,
		Position:             w.CurrentSigner,
		TotalSigners:         len(w.Signers),
		VerificationRequired: w.Stage == StageVerification,
	}, nil
}

// VerifyOTP checks the current signer's one-time code and, on success, moves
// the turn into its signature stage. Credential failures mutate nothing.
func (c *Coordinator) VerifyOTP(ctx context.Context, workflowID, email, code string) error {
	w, err := c.store.Load(ctx, workflowID)
	if err != nil {
		return translateStore(err)
	}
	if err := w.EnsureTurn(email, StageVerification); err != nil {
		// The current signer repeating a verify after success lands here
		// with the stage already advanced. Their code was consumed on the
		// first pass, so answer from the authority's record rather than
		// calling it a turn violation.
		if current, cerr := w.Current(); cerr == nil && current.Email == email && w.Stage == StageSignature {
			if verr := c.otp.Verify(ctx, workflowID, email, code); verr != nil {
				return translateOTP(verr)
			}
		}
		return translateGuard(err)
	}

	// Consume the code before mutating the aggregate. If two requests race
	// here, the authority's single-use semantics let exactly one through.
	if err := c.otp.Verify(ctx, workflowID, email, code); err != nil {
		c.metrics.OTPRejected.Inc()
		c.recorder.Record(ctx, audit.Entry{
			WorkflowID: workflowID,
			Actor:      email,
			EventType:  audit.EventOTPRejected,
			Detail:     dErrors.CodeOf(translateOTP(err)).String(),
		})
		return translateOTP(err)
	}

	err = c.saveWithRetry(ctx, w, func(w *Workflow) error {
		if err := w.EnsureTurn(email, StageVerification); err != nil {
			return translateGuard(err)
		}
		w.MarkVerified()
		return nil
	})
	if err != nil {
		return err
	}

	c.metrics.OTPVerified.Inc()
	c.recorder.Record(ctx, audit.Entry{
		WorkflowID: workflowID,
		Actor:      email,
		EventType:  audit.EventOTPVerified,
	})
	return nil
}

// SubmitSignature composites the signer's signature onto the working
// document, marks the signer as signed, and advances the turn or completes
// the workflow. Exactly one of two racing submissions for the same turn
// succeeds.
func (c *Coordinator) SubmitSignature(ctx context.Context, workflowID, email string, src compose.SignatureSource) (SubmitResult, error) {
	w, err := c.store.Load(ctx, workflowID)
	if err != nil {
		return SubmitResult{}, translateStore(err)
	}
	if err := w.EnsureTurn(email, StageSignature); err != nil {
		return SubmitResult{}, translateGuard(err)
	}

	// A zero source means no image was uploaded: render the signer's
	// display name instead.
	if !src.IsUploaded() && src.Name() == "" {
		signer, _ := w.FindSigner(email)
		src = compose.GeneratedFromName(signer.DisplayName)
	}

	doc, err := c.blobs.Get(ctx, w.WorkingDocRef)
	if err != nil {
		return SubmitResult{}, translateStore(err)
	}

	start := c.now()
	newDoc, asset, err := c.compositor.Apply(doc, src)
	if err != nil {
		return SubmitResult{}, translateCompose(err)
	}
	c.metrics.ObserveCompose(c.now().Sub(start))

	docRef, err := c.blobs.Put(ctx, newDoc, "application/pdf")
	if err != nil {
		return SubmitResult{}, dErrors.New(dErrors.CodeStorage, "store signed document: "+err.Error())
	}
	assetRef, err := c.blobs.Put(ctx, asset, "image/png")
	if err != nil {
		return SubmitResult{}, dErrors.New(dErrors.CodeStorage, "store signature asset: "+err.Error())
	}

	signedAt := c.now()
	err = c.saveWithRetry(ctx, w, func(w *Workflow) error {
		if err := w.EnsureTurn(email, StageSignature); err != nil {
			return translateGuard(err)
		}
		w.ApplySignature(docRef, assetRef, signedAt)
		return nil
	})
	if err != nil {
		return SubmitResult{}, err
	}

	c.metrics.SignaturesApplied.Inc()
	c.recorder.Record(ctx, audit.Entry{
		WorkflowID: workflowID,
		Actor:      email,
		EventType:  audit.EventSignatureApplied,
		Detail:     fmt.Sprintf("document %s", docRef),
	})

	result := SubmitResult{Status: w.Status, Completed: w.Status == StatusCompleted}
	if result.Completed {
		c.metrics.WorkflowsCompleted.Inc()
		c.recorder.Record(ctx, audit.Entry{
			WorkflowID: workflowID,
			EventType:  audit.EventWorkflowCompleted,
		})
	} else {
		result.NextSignerEmail = w.Signers[w.CurrentSigner].Email
	}
	return result, nil
}

// Abort terminates a workflow early. Completed workflows are immutable;
// aborting twice is a no-op.
func (c *Coordinator) Abort(ctx context.Context, workflowID, reason string) error {
	w, err := c.store.Load(ctx, workflowID)
	if err != nil {
		return translateStore(err)
	}
	if w.Status == StatusAborted {
		return nil
	}
	if w.Status == StatusCompleted {
		return dErrors.New(dErrors.CodeValidation, "cannot abort a completed workflow")
	}

	err = c.saveWithRetry(ctx, w, func(w *Workflow) error {
		if w.Status == StatusCompleted {
			return dErrors.New(dErrors.CodeValidation, "cannot abort a completed workflow")
		}
		w.Status = StatusAborted
		return nil
	})
	if err != nil {
		return err
	}

	c.recorder.Record(ctx, audit.Entry{
		WorkflowID: workflowID,
		EventType:  audit.EventWorkflowAborted,
		Detail:     reason,
	})
	return nil
}

// saveWithRetry applies mutate to w and saves under the optimistic version
// check. On conflict it reloads the aggregate, re-runs the guards inside
// mutate, and tries again a bounded number of times. Transient store
// failures share the same retry budget.
func (c *Coordinator) saveWithRetry(ctx context.Context, w *Workflow, mutate func(*Workflow) error) error {
	for attempt := 0; ; attempt++ {
		working := w.Clone()
		if err := mutate(working); err != nil {
			return err
		}
		err := c.store.Save(ctx, working, working.Version)
		if err == nil {
			*w = *working
			return nil
		}
		if errors.Is(err, sentinel.ErrNotFound) {
			return translateStore(err)
		}
		if attempt+1 >= maxTransitionRetries {
			if errors.Is(err, sentinel.ErrConflict) {
				return dErrors.New(dErrors.CodeConflict, "workflow modified concurrently")
			}
			return dErrors.New(dErrors.CodeStorage, "save workflow: "+err.Error())
		}
		if errors.Is(err, sentinel.ErrConflict) {
			c.metrics.TransitionConflict.Inc()
			reloaded, loadErr := c.store.Load(ctx, w.ID)
			if loadErr != nil {
				return translateStore(loadErr)
			}
			*w = *reloaded
		}
	}
}

func translateStore(err error) error {
	switch {
	case errors.Is(err, sentinel.ErrNotFound):
		return dErrors.New(dErrors.CodeNotFound, "workflow not found")
	case errors.Is(err, sentinel.ErrConflict):
		return dErrors.New(dErrors.CodeConflict, "workflow modified concurrently")
	default:
		return dErrors.New(dErrors.CodeStorage, err.Error())
	}
}

func translateGuard(err error) error {
	switch {
	case errors.Is(err, sentinel.ErrNotFound):
		return dErrors.New(dErrors.CodeNotFound, "unknown signer for this workflow")
	case errors.Is(err, sentinel.ErrAlreadyUsed):
		return dErrors.New(dErrors.CodeAlreadySigned, "signer has already signed")
	default:
		return dErrors.New(dErrors.CodeOutOfTurn, "it is not this signer's turn")
	}
}

func translateOTP(err error) error {
	switch {
	case errors.Is(err, sentinel.ErrExpired):
		return dErrors.New(dErrors.CodeExpired, "code has expired")
	case errors.Is(err, sentinel.ErrAlreadyUsed):
		return dErrors.New(dErrors.CodeExpired, "code already used")
	default:
		return dErrors.New(dErrors.CodeInvalidCredential, "invalid code")
	}
}

func translateCompose(err error) error {
	switch {
	case errors.Is(err, compose.ErrDocumentCorrupt):
		return dErrors.New(dErrors.CodeDocumentCorrupt, err.Error())
	case errors.Is(err, compose.ErrInvalidAsset):
		return dErrors.New(dErrors.CodeInvalidInput, err.Error())
	default:
		return dErrors.New(dErrors.CodeInternal, err.Error())
	}
}
