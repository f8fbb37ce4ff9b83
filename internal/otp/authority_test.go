package otp

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"countersign/pkg/platform/sentinel"
)

type AuthoritySuite struct {
	suite.Suite
	ctx context.Context
	now time.Time
}

func (s *AuthoritySuite) SetupTest() {
	s.ctx = context.Background()
	s.now = time.Date(2026, 3, 15, 10, 0, 0, 0, time.UTC)
}

func TestAuthoritySuite(t *testing.T) {
	suite.Run(t, new(AuthoritySuite))
}

// clock returns an injectable time source reading from s.now, so tests can
// advance time by mutating the field.
func (s *AuthoritySuite) clock() func() time.Time {
	return func() time.Time { return s.now }
}

func (s *AuthoritySuite) TestIssueAndVerify() {
	s.Run("verifies a freshly issued code", func() {
		a := New(WithClock(s.clock()))
		code, err := a.Issue(s.ctx, "wf-1", "alice@example.com")
		s.Require().NoError(err)
		s.Len(code, CodeLength)

		s.Require().NoError(a.Verify(s.ctx, "wf-1", "alice@example.com", code))
	})

	s.Run("codes are scoped to workflow and signer", func() {
		a := New(WithClock(s.clock()))
		code, err := a.Issue(s.ctx, "wf-1", "alice@example.com")
		s.Require().NoError(err)

		err = a.Verify(s.ctx, "wf-2", "alice@example.com", code)
		s.Require().ErrorIs(err, sentinel.ErrNotFound)

		err = a.Verify(s.ctx, "wf-1", "bob@example.com", code)
		s.Require().ErrorIs(err, sentinel.ErrNotFound)
	})

	s.Run("rejects a wrong code without consuming the record", func() {
		a := New(WithClock(s.clock()))
		code, err := a.Issue(s.ctx, "wf-1", "alice@example.com")
		s.Require().NoError(err)

		wrong := "000000"
		if wrong == code {
			wrong = "000001"
		}
		s.Require().ErrorIs(a.Verify(s.ctx, "wf-1", "alice@example.com", wrong), ErrCodeMismatch)

		// The correct code still works after a failed attempt.
		s.Require().NoError(a.Verify(s.ctx, "wf-1", "alice@example.com", code))
	})
}

func (s *AuthoritySuite) TestSingleUse() {
	a := New(WithClock(s.clock()))
	code, err := a.Issue(s.ctx, "wf-1", "alice@example.com")
	s.Require().NoError(err)

	s.Require().NoError(a.Verify(s.ctx, "wf-1", "alice@example.com", code))

	err = a.Verify(s.ctx, "wf-1", "alice@example.com", code)
	s.Require().ErrorIs(err, sentinel.ErrAlreadyUsed)
}

func (s *AuthoritySuite) TestExpiry() {
	a := New(WithClock(s.clock()), WithTTL(5*time.Minute))
	code, err := a.Issue(s.ctx, "wf-1", "alice@example.com")
	s.Require().NoError(err)

	s.now = s.now.Add(5*time.Minute + time.Second)

	err = a.Verify(s.ctx, "wf-1", "alice@example.com", code)
	s.Require().ErrorIs(err, sentinel.ErrExpired)
}

func (s *AuthoritySuite) TestReissue() {
	s.Run("throttles within the resend interval", func() {
		a := New(WithClock(s.clock()), WithResendInterval(time.Minute))
		_, err := a.Issue(s.ctx, "wf-1", "alice@example.com")
		s.Require().NoError(err)

		_, err = a.Reissue(s.ctx, "wf-1", "alice@example.com")
		s.Require().ErrorIs(err, sentinel.ErrThrottled)
	})

	s.Run("reissues after the interval and invalidates the old code", func() {
		a := New(WithClock(s.clock()), WithResendInterval(time.Minute))
		old, err := a.Issue(s.ctx, "wf-1", "alice@example.com")
		s.Require().NoError(err)

		s.now = s.now.Add(61 * time.Second)

		fresh, err := a.Reissue(s.ctx, "wf-1", "alice@example.com")
		s.Require().NoError(err)
		s.Len(fresh, CodeLength)

		if old != fresh {
			s.Require().ErrorIs(a.Verify(s.ctx, "wf-1", "alice@example.com", old), ErrCodeMismatch)
		}
		s.Require().NoError(a.Verify(s.ctx, "wf-1", "alice@example.com", fresh))
	})

	s.Run("refuses to reissue when no code was ever issued", func() {
		a := New(WithClock(s.clock()))
		_, err := a.Reissue(s.ctx, "wf-1", "nobody@example.com")
		s.Require().ErrorIs(err, sentinel.ErrNotFound)
	})

	s.Run("concurrent resends admit exactly one", func() {
		a := New(WithClock(s.clock()), WithResendInterval(time.Minute))
		_, err := a.Issue(s.ctx, "wf-1", "alice@example.com")
		s.Require().NoError(err)

		s.now = s.now.Add(61 * time.Second)

		// The winner's record write restarts the throttle window under the
		// same lock, so the loser must observe it.
		var wg sync.WaitGroup
		var issued, throttled atomic.Int32
		for range 2 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := a.Reissue(s.ctx, "wf-1", "alice@example.com"); err == nil {
					issued.Add(1)
				} else if errors.Is(err, sentinel.ErrThrottled) {
					throttled.Add(1)
				}
			}()
		}
		wg.Wait()

		s.Equal(int32(1), issued.Load())
		s.Equal(int32(1), throttled.Load())
	})

	s.Run("reissue resets the expiry window", func() {
		a := New(WithClock(s.clock()), WithTTL(5*time.Minute), WithResendInterval(time.Minute))
		_, err := a.Issue(s.ctx, "wf-1", "alice@example.com")
		s.Require().NoError(err)

		s.now = s.now.Add(4 * time.Minute)
		fresh, err := a.Reissue(s.ctx, "wf-1", "alice@example.com")
		s.Require().NoError(err)

		// Past the original expiry, inside the fresh one.
		s.now = s.now.Add(2 * time.Minute)
		s.Require().NoError(a.Verify(s.ctx, "wf-1", "alice@example.com", fresh))
	})
}
