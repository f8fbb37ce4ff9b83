package workflow_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/suite"

	"countersign/internal/audit"
	auditmem "countersign/internal/audit/store/memory"
	"countersign/internal/blob"
	"countersign/internal/compose"
	"countersign/internal/otp"
	"countersign/internal/platform/metrics"
	"countersign/internal/token"
	"countersign/internal/workflow"
	wfmem "countersign/internal/workflow/store/memory"
	dErrors "countersign/pkg/domainerrors"
	"countersign/pkg/platform/sentinel"
)

// fakeCompositor stamps a recognizable suffix instead of running the real
// PDF pipeline; tests over the engine never need actual documents.
type fakeCompositor struct {
	mu         sync.Mutex
	pages      int
	probeErr   error
	applyErr   error
	applyCount atomic.Int32
	lastSource compose.SignatureSource
}

func (f *fakeCompositor) Probe(_ []byte) (int, error) {
	if f.probeErr != nil {
		return 0, f.probeErr
	}
	if f.pages == 0 {
		return 1, nil
	}
	return f.pages, nil
}

func (f *fakeCompositor) Apply(doc []byte, src compose.SignatureSource) ([]byte, []byte, error) {
	if f.applyErr != nil {
		return nil, nil, f.applyErr
	}
	n := f.applyCount.Add(1)
	f.mu.Lock()
	f.lastSource = src
	f.mu.Unlock()
	out := append(append([]byte{}, doc...), []byte("+sig"+strconv.Itoa(int(n)))...)
	return out, []byte("asset" + strconv.Itoa(int(n))), nil
}

func (f *fakeCompositor) last() compose.SignatureSource {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastSource
}

// captureNotifier records sends for assertion; safe under the async dispatch.
type captureNotifier struct {
	mu    sync.Mutex
	sends []string
}

func (n *captureNotifier) Send(_ context.Context, destination, message string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sends = append(n.sends, destination+": "+message)
	return nil
}

func (n *captureNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.sends)
}

// engineFixture bundles the engine with in-memory collaborators and a
// controllable clock shared by the authority and the coordinator.
type engineFixture struct {
	store      *wfmem.Store
	authority  *otp.Authority
	compositor *fakeCompositor
	blobs      *blob.MemoryStore
	auditStore *auditmem.Store
	recorder   *audit.Recorder
	metrics    *metrics.Metrics
	notifier   *captureNotifier
	coord      *workflow.Coordinator
	svc        *workflow.Service
	links      *token.LinkSigner

	now time.Time
}

func newEngineFixture() *engineFixture {
	fx := &engineFixture{
		store:      wfmem.New(),
		compositor: &fakeCompositor{},
		blobs:      blob.NewMemoryStore(),
		auditStore: auditmem.New(),
		metrics:    metrics.New(prometheus.NewRegistry()),
		notifier:   &captureNotifier{},
		links:      token.NewLinkSigner("test-signing-key", time.Hour),
		now:        time.Date(2026, 3, 15, 10, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return fx.now }
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	fx.authority = otp.New(otp.WithClock(clock))
	fx.recorder = audit.NewRecorder(fx.auditStore, logger)
	fx.coord = workflow.NewCoordinator(
		fx.store, fx.authority, fx.compositor, fx.blobs, fx.recorder, fx.metrics, logger,
	).WithClock(clock)
	fx.svc = workflow.NewService(
		fx.coord, fx.store, fx.authority, fx.blobs, fx.notifier, fx.links,
		fx.recorder, fx.metrics, logger, "http://localhost:8080",
	)
	return fx
}

// seedWorkflow persists a workflow directly, bypassing Service.Create, so
// coordinator tests control every input.
func (fx *engineFixture) seedWorkflow(ctx context.Context, id string, emails ...string) *workflow.Workflow {
	signers := make([]workflow.Signer, len(emails))
	for i, email := range emails {
		signers[i] = workflow.Signer{Email: email, DisplayName: "Signer " + email}
	}
	ref, err := fx.blobs.Put(ctx, []byte("%PDF-doc"), "application/pdf")
	if err != nil {
		panic(err)
	}
	w := &workflow.Workflow{
		ID:            id,
		Status:        workflow.StatusPending,
		Stage:         workflow.StageVerification,
		Signers:       signers,
		SourceDocRef:  ref,
		WorkingDocRef: ref,
		CreatedAt:     fx.now,
	}
	if err := fx.store.Create(ctx, w); err != nil {
		panic(err)
	}
	return w
}

func (fx *engineFixture) issue(ctx context.Context, workflowID, email string) string {
	code, err := fx.authority.Issue(ctx, workflowID, email)
	if err != nil {
		panic(err)
	}
	return code
}

func (fx *engineFixture) auditEvents(ctx context.Context, workflowID string) []string {
	cursor, err := fx.recorder.Query(ctx, workflowID)
	if err != nil {
		panic(err)
	}
	var events []string
	for {
		entry, ok := cursor.Next()
		if !ok {
			return events
		}
		events = append(events, entry.EventType)
	}
}

type CoordinatorSuite struct {
	suite.Suite
	fx  *engineFixture
	ctx context.Context
}

func (s *CoordinatorSuite) SetupTest() {
	s.fx = newEngineFixture()
	s.ctx = context.Background()
}

func TestCoordinatorSuite(t *testing.T) {
	suite.Run(t, new(CoordinatorSuite))
}

func (s *CoordinatorSuite) TestBeginTurn() {
	s.fx.seedWorkflow(s.ctx, "wf-1", "a@example.com", "b@example.com")

	s.Run("returns the current signer with verification pending", func() {
		info, err := s.fx.coord.BeginTurn(s.ctx, "wf-1", "a@example.com")
		s.Require().NoError(err)
		s.Equal("a@example.com", info.Email)
		s.Equal("Signer a@example.com", info.DisplayName)
		s.Equal(0, info.Position)
		s.Equal(2, info.TotalSigners)
		s.True(info.VerificationRequired)
	})

	s.Run("rejects the second signer before their turn", func() {
		_, err := s.fx.coord.BeginTurn(s.ctx, "wf-1", "b@example.com")
		s.Equal(dErrors.CodeOutOfTurn, dErrors.CodeOf(err))
	})

	s.Run("rejects an unknown email", func() {
		_, err := s.fx.coord.BeginTurn(s.ctx, "wf-1", "stranger@example.com")
		s.Equal(dErrors.CodeNotFound, dErrors.CodeOf(err))
	})

	s.Run("rejects an unknown workflow", func() {
		_, err := s.fx.coord.BeginTurn(s.ctx, "missing", "a@example.com")
		s.Equal(dErrors.CodeNotFound, dErrors.CodeOf(err))
	})

	s.Run("clears the verification flag once verified", func() {
		code := s.fx.issue(s.ctx, "wf-1", "a@example.com")
		s.Require().NoError(s.fx.coord.VerifyOTP(s.ctx, "wf-1", "a@example.com", code))

		info, err := s.fx.coord.BeginTurn(s.ctx, "wf-1", "a@example.com")
		s.Require().NoError(err)
		s.False(info.VerificationRequired)
	})
}

func (s *CoordinatorSuite) TestVerifyOTP() {
	s.Run("moves the turn into its signature stage", func() {
		s.fx.seedWorkflow(s.ctx, "wf-1", "a@example.com", "b@example.com")
		code := s.fx.issue(s.ctx, "wf-1", "a@example.com")

		s.Require().NoError(s.fx.coord.VerifyOTP(s.ctx, "wf-1", "a@example.com", code))

		w, err := s.fx.store.Load(s.ctx, "wf-1")
		s.Require().NoError(err)
		s.Equal(workflow.StatusInProgress, w.Status)
		s.Equal(workflow.StageSignature, w.Stage)
		s.Contains(s.fx.auditEvents(s.ctx, "wf-1"), audit.EventOTPVerified)
	})

	s.Run("rejects a wrong code and leaves the workflow untouched", func() {
		s.fx.seedWorkflow(s.ctx, "wf-2", "a@example.com")
		code := s.fx.issue(s.ctx, "wf-2", "a@example.com")
		wrong := "000000"
		if wrong == code {
			wrong = "000001"
		}

		err := s.fx.coord.VerifyOTP(s.ctx, "wf-2", "a@example.com", wrong)
		s.Equal(dErrors.CodeInvalidCredential, dErrors.CodeOf(err))

		w, loadErr := s.fx.store.Load(s.ctx, "wf-2")
		s.Require().NoError(loadErr)
		s.Equal(workflow.StatusPending, w.Status)
		s.Equal(workflow.StageVerification, w.Stage)
		s.Contains(s.fx.auditEvents(s.ctx, "wf-2"), audit.EventOTPRejected)
	})

	s.Run("rejects an expired code", func() {
		s.fx.seedWorkflow(s.ctx, "wf-3", "a@example.com")
		code := s.fx.issue(s.ctx, "wf-3", "a@example.com")

		s.fx.now = s.fx.now.Add(otp.DefaultTTL + time.Second)

		err := s.fx.coord.VerifyOTP(s.ctx, "wf-3", "a@example.com", code)
		s.Equal(dErrors.CodeExpired, dErrors.CodeOf(err))
	})

	s.Run("a code cannot verify twice", func() {
		s.fx.seedWorkflow(s.ctx, "wf-4", "a@example.com", "b@example.com")
		code := s.fx.issue(s.ctx, "wf-4", "a@example.com")

		s.Require().NoError(s.fx.coord.VerifyOTP(s.ctx, "wf-4", "a@example.com", code))

		// Repeating the call with the consumed code reports the code as
		// spent, not a turn violation.
		err := s.fx.coord.VerifyOTP(s.ctx, "wf-4", "a@example.com", code)
		s.Equal(dErrors.CodeExpired, dErrors.CodeOf(err))

		// A wrong code after verification is still a credential failure
		// from the authority's point of view: the record is spent.
		err = s.fx.coord.VerifyOTP(s.ctx, "wf-4", "a@example.com", "000000")
		s.Equal(dErrors.CodeExpired, dErrors.CodeOf(err))
	})

	s.Run("rejects a signer whose turn has not arrived", func() {
		s.fx.seedWorkflow(s.ctx, "wf-5", "a@example.com", "b@example.com")
		code := s.fx.issue(s.ctx, "wf-5", "b@example.com")

		err := s.fx.coord.VerifyOTP(s.ctx, "wf-5", "b@example.com", code)
		s.Equal(dErrors.CodeOutOfTurn, dErrors.CodeOf(err))
	})
}

func (s *CoordinatorSuite) TestSubmitSignature() {
	s.Run("advances the turn mid-sequence", func() {
		s.fx.seedWorkflow(s.ctx, "wf-1", "a@example.com", "b@example.com")
		code := s.fx.issue(s.ctx, "wf-1", "a@example.com")
		s.Require().NoError(s.fx.coord.VerifyOTP(s.ctx, "wf-1", "a@example.com", code))

		result, err := s.fx.coord.SubmitSignature(s.ctx, "wf-1", "a@example.com",
			compose.UploadedImage([]byte("png-bytes")))
		s.Require().NoError(err)
		s.False(result.Completed)
		s.Equal(workflow.StatusInProgress, result.Status)
		s.Equal("b@example.com", result.NextSignerEmail)

		w, err := s.fx.store.Load(s.ctx, "wf-1")
		s.Require().NoError(err)
		s.True(w.Signers[0].Signed)
		s.NotEmpty(w.Signers[0].SignatureRef)
		s.Equal(1, w.CurrentSigner)
		s.Equal(workflow.StageVerification, w.Stage)
		s.NotEqual(w.SourceDocRef, w.WorkingDocRef)
		s.Empty(w.FinalDocRef)

		doc, err := s.fx.blobs.Get(s.ctx, w.WorkingDocRef)
		s.Require().NoError(err)
		s.Contains(string(doc), "+sig")
	})

	s.Run("completes on the last signature", func() {
		s.fx.seedWorkflow(s.ctx, "wf-2", "solo@example.com")
		code := s.fx.issue(s.ctx, "wf-2", "solo@example.com")
		s.Require().NoError(s.fx.coord.VerifyOTP(s.ctx, "wf-2", "solo@example.com", code))

		result, err := s.fx.coord.SubmitSignature(s.ctx, "wf-2", "solo@example.com",
			compose.UploadedImage([]byte("png-bytes")))
		s.Require().NoError(err)
		s.True(result.Completed)
		s.Empty(result.NextSignerEmail)

		w, err := s.fx.store.Load(s.ctx, "wf-2")
		s.Require().NoError(err)
		s.Equal(workflow.StatusCompleted, w.Status)
		s.Equal(w.WorkingDocRef, w.FinalDocRef)

		events := s.fx.auditEvents(s.ctx, "wf-2")
		s.Contains(events, audit.EventSignatureApplied)
		s.Contains(events, audit.EventWorkflowCompleted)
	})

	s.Run("an empty source falls back to the signer's display name", func() {
		s.fx.seedWorkflow(s.ctx, "wf-3", "a@example.com")
		code := s.fx.issue(s.ctx, "wf-3", "a@example.com")
		s.Require().NoError(s.fx.coord.VerifyOTP(s.ctx, "wf-3", "a@example.com", code))

		_, err := s.fx.coord.SubmitSignature(s.ctx, "wf-3", "a@example.com", compose.SignatureSource{})
		s.Require().NoError(err)

		src := s.fx.compositor.last()
		s.False(src.IsUploaded())
		s.Equal("Signer a@example.com", src.Name())
	})

	s.Run("rejects submission before verification", func() {
		s.fx.seedWorkflow(s.ctx, "wf-4", "a@example.com")

		_, err := s.fx.coord.SubmitSignature(s.ctx, "wf-4", "a@example.com",
			compose.UploadedImage([]byte("png-bytes")))
		s.Equal(dErrors.CodeOutOfTurn, dErrors.CodeOf(err))
	})

	s.Run("surfaces a corrupt document without mutating state", func() {
		s.fx.seedWorkflow(s.ctx, "wf-5", "a@example.com")
		code := s.fx.issue(s.ctx, "wf-5", "a@example.com")
		s.Require().NoError(s.fx.coord.VerifyOTP(s.ctx, "wf-5", "a@example.com", code))

		s.fx.compositor.applyErr = compose.ErrDocumentCorrupt
		defer func() { s.fx.compositor.applyErr = nil }()

		_, err := s.fx.coord.SubmitSignature(s.ctx, "wf-5", "a@example.com",
			compose.UploadedImage([]byte("png-bytes")))
		s.Equal(dErrors.CodeDocumentCorrupt, dErrors.CodeOf(err))

		w, loadErr := s.fx.store.Load(s.ctx, "wf-5")
		s.Require().NoError(loadErr)
		s.False(w.Signers[0].Signed)
		s.Equal(workflow.StageSignature, w.Stage)
	})

	s.Run("a signer who already signed cannot sign again", func() {
		s.fx.seedWorkflow(s.ctx, "wf-6", "a@example.com", "b@example.com")
		code := s.fx.issue(s.ctx, "wf-6", "a@example.com")
		s.Require().NoError(s.fx.coord.VerifyOTP(s.ctx, "wf-6", "a@example.com", code))
		_, err := s.fx.coord.SubmitSignature(s.ctx, "wf-6", "a@example.com",
			compose.UploadedImage([]byte("png-bytes")))
		s.Require().NoError(err)

		_, err = s.fx.coord.SubmitSignature(s.ctx, "wf-6", "a@example.com",
			compose.UploadedImage([]byte("png-bytes")))
		s.Equal(dErrors.CodeAlreadySigned, dErrors.CodeOf(err))
	})
}

func (s *CoordinatorSuite) TestConcurrentSubmissions() {
	s.fx.seedWorkflow(s.ctx, "wf-race", "a@example.com", "b@example.com")
	code := s.fx.issue(s.ctx, "wf-race", "a@example.com")
	s.Require().NoError(s.fx.coord.VerifyOTP(s.ctx, "wf-race", "a@example.com", code))

	const racers = 2
	results := make(chan error, racers)
	var start sync.WaitGroup
	start.Add(1)
	for range racers {
		go func() {
			start.Wait()
			_, err := s.fx.coord.SubmitSignature(s.ctx, "wf-race", "a@example.com",
				compose.UploadedImage([]byte("png-bytes")))
			results <- err
		}()
	}
	start.Done()

	var successes, alreadySigned int
	for range racers {
		err := <-results
		switch {
		case err == nil:
			successes++
		case dErrors.CodeOf(err) == dErrors.CodeAlreadySigned:
			alreadySigned++
		default:
			s.Failf("unexpected error", "%v", err)
		}
	}
	s.Equal(1, successes)
	s.Equal(racers-1, alreadySigned)

	w, err := s.fx.store.Load(s.ctx, "wf-race")
	s.Require().NoError(err)
	s.True(w.Signers[0].Signed)
	s.Equal(1, w.CurrentSigner)
}

func (s *CoordinatorSuite) TestAbort() {
	s.Run("aborts an active workflow", func() {
		s.fx.seedWorkflow(s.ctx, "wf-1", "a@example.com")
		s.Require().NoError(s.fx.coord.Abort(s.ctx, "wf-1", "requester cancelled"))

		w, err := s.fx.store.Load(s.ctx, "wf-1")
		s.Require().NoError(err)
		s.Equal(workflow.StatusAborted, w.Status)
		s.Contains(s.fx.auditEvents(s.ctx, "wf-1"), audit.EventWorkflowAborted)

		_, err = s.fx.coord.BeginTurn(s.ctx, "wf-1", "a@example.com")
		s.Equal(dErrors.CodeOutOfTurn, dErrors.CodeOf(err))
	})

	s.Run("aborting twice is a no-op", func() {
		s.fx.seedWorkflow(s.ctx, "wf-2", "a@example.com")
		s.Require().NoError(s.fx.coord.Abort(s.ctx, "wf-2", "first"))
		s.Require().NoError(s.fx.coord.Abort(s.ctx, "wf-2", "second"))
	})

	s.Run("completed workflows cannot be aborted", func() {
		s.fx.seedWorkflow(s.ctx, "wf-3", "a@example.com")
		code := s.fx.issue(s.ctx, "wf-3", "a@example.com")
		s.Require().NoError(s.fx.coord.VerifyOTP(s.ctx, "wf-3", "a@example.com", code))
		_, err := s.fx.coord.SubmitSignature(s.ctx, "wf-3", "a@example.com",
			compose.UploadedImage([]byte("png-bytes")))
		s.Require().NoError(err)

		err = s.fx.coord.Abort(s.ctx, "wf-3", "too late")
		s.Equal(dErrors.CodeValidation, dErrors.CodeOf(err))
	})
}

// conflictOnceStore injects a single version conflict on the first Save so
// the retry path is exercised deterministically.
type conflictOnceStore struct {
	workflow.Store
	fired atomic.Bool
}

func (s *conflictOnceStore) Save(ctx context.Context, w *workflow.Workflow, expectedVersion int) error {
	if s.fired.CompareAndSwap(false, true) {
		return sentinel.ErrConflict
	}
	return s.Store.Save(ctx, w, expectedVersion)
}

func (s *CoordinatorSuite) TestRetryAfterConflict() {
	inner := s.fx.store
	wrapped := &conflictOnceStore{Store: inner}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clock := func() time.Time { return s.fx.now }
	coord := workflow.NewCoordinator(
		wrapped, s.fx.authority, s.fx.compositor, s.fx.blobs,
		s.fx.recorder, s.fx.metrics, logger,
	).WithClock(clock)

	s.fx.seedWorkflow(s.ctx, "wf-retry", "a@example.com")
	code := s.fx.issue(s.ctx, "wf-retry", "a@example.com")

	s.Require().NoError(coord.VerifyOTP(s.ctx, "wf-retry", "a@example.com", code))

	w, err := inner.Load(s.ctx, "wf-retry")
	s.Require().NoError(err)
	s.Equal(workflow.StageSignature, w.Stage)
	s.Equal(float64(1), promtestutil.ToFloat64(s.fx.metrics.TransitionConflict))
}

// failingAuditStore simulates an unavailable audit backend.
type failingAuditStore struct{}

func (failingAuditStore) Append(context.Context, audit.Entry) error {
	return errors.New("audit backend down")
}

func (failingAuditStore) ListByWorkflow(context.Context, string) ([]audit.Entry, error) {
	return nil, errors.New("audit backend down")
}

func (s *CoordinatorSuite) TestAuditFailureDoesNotBlockTransitions() {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	recorder := audit.NewRecorder(failingAuditStore{}, logger)
	clock := func() time.Time { return s.fx.now }
	coord := workflow.NewCoordinator(
		s.fx.store, s.fx.authority, s.fx.compositor, s.fx.blobs,
		recorder, s.fx.metrics, logger,
	).WithClock(clock)

	s.fx.seedWorkflow(s.ctx, "wf-audit", "a@example.com")
	code := s.fx.issue(s.ctx, "wf-audit", "a@example.com")

	s.Require().NoError(coord.VerifyOTP(s.ctx, "wf-audit", "a@example.com", code))
	_, err := coord.SubmitSignature(s.ctx, "wf-audit", "a@example.com",
		compose.UploadedImage([]byte("png-bytes")))
	s.Require().NoError(err)

	w, err := s.fx.store.Load(s.ctx, "wf-audit")
	s.Require().NoError(err)
	s.Equal(workflow.StatusCompleted, w.Status)
}
