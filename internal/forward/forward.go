// Package forward relays objects to the single configured upstream peer.
package forward

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog/log"

	"github.com/pacsrelay/pacsrelay/internal/metrics"
	"github.com/pacsrelay/pacsrelay/internal/transport"
	"github.com/pacsrelay/pacsrelay/pkg/proto"
)

// ErrRejected is returned for an attempt whose session answered with a
// non-success status.
var ErrRejected = errors.New("upstream rejected object")

// Engine forwards objects with a bounded number of immediate attempts.
type Engine struct {
	dialer   transport.Dialer
	upstream transport.DialOptions
	attempts int
	metrics  *metrics.RelayMetrics
}

// NewEngine creates an engine. attempts below 1 are treated as 1.
func NewEngine(dialer transport.Dialer, upstream transport.DialOptions, attempts int, m *metrics.RelayMetrics) *Engine {
	if attempts < 1 {
		attempts = 1
	}
	return &Engine{
		dialer:   dialer,
		upstream: upstream,
		attempts: attempts,
		metrics:  m,
	}
}

// Attempts returns the configured attempt limit.
func (e *Engine) Attempts() int {
	return e.attempts
}

// Forward sends obj upstream, opening a fresh session per attempt. It
// reports whether some attempt got a success status.
func (e *Engine) Forward(ctx context.Context, obj *proto.Object) bool {
	_, err := e.ForwardWithResult(ctx, obj)
	return err == nil
}

// ForwardWithResult is Forward returning the number of attempts made and the
// last attempt's error.
func (e *Engine) ForwardWithResult(ctx context.Context, obj *proto.Object) (int, error) {
	md := obj.Metadata
	attempt := 0
	start := time.Now()

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		err := e.attempt(ctx, obj)
		if err != nil {
			log.Warn().
				Err(err).
				Int("attempt", attempt).
				Int("max_attempts", e.attempts).
				Str("instance", md.InstanceUID).
				Str("upstream", e.upstream.Addr()).
				Msg("forward attempt failed")
			return struct{}{}, err
		}
		return struct{}{}, nil
	},
		backoff.WithBackOff(&backoff.ZeroBackOff{}),
		backoff.WithMaxTries(uint(e.attempts)),
	)

	e.metrics.ObserveForward(time.Since(start))

	if err != nil {
		log.Error().
			Err(err).
			Int("attempts", attempt).
			Str("patient", md.PatientID).
			Str("study", md.StudyUID).
			Str("instance", md.InstanceUID).
			Dur("elapsed", time.Since(start)).
			Msg("forward failed after all attempts")
		return attempt, err
	}

	log.Debug().
		Int("attempts", attempt).
		Str("instance", md.InstanceUID).
		Dur("elapsed", time.Since(start)).
		Msg("object forwarded")
	return attempt, nil
}

// attempt runs one dial, send and release cycle.
func (e *Engine) attempt(ctx context.Context, obj *proto.Object) (err error) {
	sess, err := e.dialer.Dial(ctx, e.upstream)
	if err != nil {
		e.metrics.ForwardAttempt("dial_error")
		return transport.Classify("dial", err)
	}
	defer func() {
		if rerr := sess.Release(); rerr != nil {
			log.Debug().Err(rerr).Msg("session release failed")
		}
	}()

	status, err := sess.Send(ctx, obj)
	if err != nil {
		e.metrics.ForwardAttempt("send_error")
		return transport.Classify("send", err)
	}
	if !status.OK() {
		e.metrics.ForwardAttempt("rejected")
		return fmt.Errorf("%w: %s", ErrRejected, status)
	}

	e.metrics.ForwardAttempt("success")
	return nil
}

// Echo performs a single verification round trip with the upstream.
func (e *Engine) Echo(ctx context.Context) error {
	sess, err := e.dialer.Dial(ctx, e.upstream)
	if err != nil {
		return transport.Classify("dial", err)
	}
	defer func() { _ = sess.Release() }()

	if err := sess.Echo(ctx); err != nil {
		return transport.Classify("echo", err)
	}
	return nil
}
