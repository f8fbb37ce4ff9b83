package workflow

import (
	"fmt"
	"time"

	"countersign/pkg/platform/sentinel"
)

// Status tracks workflow lifecycle. Pending until the first signer verifies,
// InProgress until the last signature lands, then Completed. Aborted is the
// explicit early-termination state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusAborted    Status = "aborted"
)

// Stage is the sub-state of the current signer's turn. A signer first proves
// possession of their one-time code, then submits a signature.
type Stage string

const (
	StageVerification Stage = "awaiting_verification"
	StageSignature    Stage = "awaiting_signature"
)

// Signer is a participant with an assigned position in signing order.
type Signer struct {
	Email        string     `json:"email"`
	DisplayName  string     `json:"display_name"`
	Signed       bool       `json:"signed"`
	SignedAt     *time.Time `json:"signed_at,omitempty"`
	SignatureRef string     `json:"signature_ref,omitempty"`
}

// Workflow is the aggregate tracking one document's end-to-end signing
// process. Mutations happen only through Coordinator transitions; stores
// persist and load it atomically.
type Workflow struct {
	ID            string    `json:"id"`
	Status        Status    `json:"status"`
	Stage         Stage     `json:"stage"`
	Signers       []Signer  `json:"signers"`
	CurrentSigner int       `json:"current_signer"`
	SourceDocRef  string    `json:"source_doc_ref"`
	WorkingDocRef string    `json:"working_doc_ref"`
	FinalDocRef   string    `json:"final_doc_ref,omitempty"`
	CreatedAt     time.Time `json:"created_at"`

	// Version is the optimistic-concurrency stamp, incremented on every save.
	Version int `json:"version"`
}

// Terminal reports whether the aggregate is immutable.
func (w *Workflow) Terminal() bool {
	return w.Status == StatusCompleted || w.Status == StatusAborted
}

// Current returns the signer whose turn it is. The index invariant
// 0 <= CurrentSigner < len(Signers) holds for non-terminal workflows.
func (w *Workflow) Current() (*Signer, error) {
	if w.Terminal() {
		return nil, fmt.Errorf("workflow %s is %s: %w", w.ID, w.Status, sentinel.ErrInvalidState)
	}
	if w.CurrentSigner < 0 || w.CurrentSigner >= len(w.Signers) {
		return nil, fmt.Errorf("signer index %d out of range: %w", w.CurrentSigner, sentinel.ErrInvalidState)
	}
	return &w.Signers[w.CurrentSigner], nil
}

// FindSigner returns the signer record for an email, or ErrNotFound.
func (w *Workflow) FindSigner(email string) (*Signer, error) {
	for i := range w.Signers {
		if w.Signers[i].Email == email {
			return &w.Signers[i], nil
		}
	}
	return nil, fmt.Errorf("signer %s: %w", email, sentinel.ErrNotFound)
}

// EnsureTurn checks that email belongs to the current signer and that the
// workflow is in the given stage. It distinguishes "already signed" from
// "not your turn yet" so callers can surface the right error.
func (w *Workflow) EnsureTurn(email string, stage Stage) error {
	signer, err := w.FindSigner(email)
	if err != nil {
		return err
	}
	if signer.Signed {
		return fmt.Errorf("signer %s already signed: %w", email, sentinel.ErrAlreadyUsed)
	}
	current, err := w.Current()
	if err != nil {
		return err
	}
	if current.Email != email || w.Stage != stage {
		return fmt.Errorf("not %s's turn for %s: %w", email, stage, sentinel.ErrInvalidState)
	}
	return nil
}

// MarkVerified records a successful OTP check for the current signer and
// moves the turn into its signature stage.
func (w *Workflow) MarkVerified() {
	w.Status = StatusInProgress
	w.Stage = StageSignature
}

// ApplySignature records the new document artifact for the current signer and
// advances the turn. The signed flag flips false to true exactly once; the
// final document ref is set if and only if this was the last signer.
func (w *Workflow) ApplySignature(docRef, signatureRef string, now time.Time) {
	signer := &w.Signers[w.CurrentSigner]
	signer.Signed = true
	signer.SignedAt = &now
	signer.SignatureRef = signatureRef
	w.WorkingDocRef = docRef

	if w.CurrentSigner == len(w.Signers)-1 {
		w.Status = StatusCompleted
		w.FinalDocRef = docRef
		return
	}
	w.CurrentSigner++
	w.Stage = StageVerification
}

// Clone deep-copies the aggregate so stores never hand out shared state.
func (w *Workflow) Clone() *Workflow {
	cp := *w
	cp.Signers = make([]Signer, len(w.Signers))
	copy(cp.Signers, w.Signers)
	for i := range cp.Signers {
		if w.Signers[i].SignedAt != nil {
			t := *w.Signers[i].SignedAt
			cp.Signers[i].SignedAt = &t
		}
	}
	return &cp
}
