package executor

import (
	"context"
	"errors"
	"net"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/zenzlabs/zenz-relayer/pkg/chain"
)

// ErrorClass partitions adapter errors for retry decisions.
type ErrorClass int

const (
	// ClassTransient covers infrastructure failures expected to
	// self-resolve: timeouts, unavailable nodes, dropped connections.
	ClassTransient ErrorClass = iota
	// ClassPermanent covers failures no retry can fix: invalid
	// destinations, insufficient outbound funds, rejected arguments.
	ClassPermanent
)

func (c ErrorClass) String() string {
	if c == ClassPermanent {
		return "permanent"
	}
	return "transient"
}

// Classify maps an error to its retry class. Unknown errors default to
// transient so an unrecognized infrastructure failure is never turned into
// a terminal settlement failure prematurely.
func Classify(err error) ErrorClass {
	if errors.Is(err, chain.ErrInvalidDestination) || errors.Is(err, chain.ErrInsufficientFunds) ||
		errors.Is(err, chain.ErrExecutionReverted) {
		return ClassPermanent
	}

	if st, ok := status.FromError(err); ok && st.Code() != codes.Unknown {
		switch st.Code() {
		case codes.InvalidArgument, codes.FailedPrecondition, codes.PermissionDenied,
			codes.Unauthenticated, codes.Unimplemented:
			return ClassPermanent
		case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Aborted:
			return ClassTransient
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return ClassTransient
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTransient
	}

	return ClassTransient
}

// Policy is the single retry/backoff policy applied to every submission.
// One policy object replaces per-call-site retry loops.
type Policy struct {
	// MaxAttempts bounds submissions per settlement, resubmissions after a
	// validity-window expiry included.
	MaxAttempts int `default:"5"`
	// BaseDelay is the backoff before the second attempt.
	BaseDelay time.Duration `default:"2s"`
	// MaxDelay caps the exponential backoff.
	MaxDelay time.Duration `default:"60s"`
}

// Delay returns the backoff before the given attempt (0-based). The first
// attempt is immediate.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// wait sleeps for the attempt's backoff, honoring cancellation.
func (p Policy) wait(ctx context.Context, attempt int) error {
	d := p.Delay(attempt)
	if d == 0 {
		return nil
	}
	select {
	case <-time.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
