// ABOUTME: AI responder contract: audio in, transcription plus reply text and speech out.
// ABOUTME: Also provides the disabled responder, a func adapter and a duration-scaled timeout.

package responder

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrTranscriptionFailed indicates the audio could not be turned into text.
	ErrTranscriptionFailed = errors.New("transcription failed")

	// ErrUpstreamTimeout indicates the upstream AI service did not answer in time.
	ErrUpstreamTimeout = errors.New("upstream timed out")

	// ErrUpstreamUnavailable indicates the upstream AI service refused or could not be reached.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
)

// Request is one voice turn addressed to the AI responder.
type Request struct {
	AgentID   string
	SessionID string
	Audio     []byte
	// Format is the audio container, e.g. "webm" or "wav".
	Format string
}

// Reply is the responder's answer. ReplyAudio may be empty.
type Reply struct {
	TranscribedText string
	ReplyText       string
	ReplyAudio      []byte
}

// Responder turns a voice clip into a spoken reply. Errors wrap one of
// ErrTranscriptionFailed, ErrUpstreamTimeout or ErrUpstreamUnavailable, or
// are the context's error when the caller went away.
type Responder interface {
	Respond(ctx context.Context, req Request) (Reply, error)
}

// Func adapts a function to the Responder interface.
type Func func(ctx context.Context, req Request) (Reply, error)

// Respond calls f.
func (f Func) Respond(ctx context.Context, req Request) (Reply, error) {
	return f(ctx, req)
}

// Disabled is used when no AI credentials are configured.
type Disabled struct {
	Reason string
}

// Respond always fails with ErrUpstreamUnavailable.
func (d Disabled) Respond(context.Context, Request) (Reply, error) {
	reason := d.Reason
	if reason == "" {
		reason = "voice features are disabled"
	}
	return Reply{}, fmt.Errorf("%w: %s", ErrUpstreamUnavailable, reason)
}

// TimeoutPolicy bounds a turn by the length of its audio: Min plus the
// clip's estimated duration, capped at Max.
type TimeoutPolicy struct {
	Min            time.Duration
	Max            time.Duration
	BytesPerSecond int
}

// For returns the deadline budget for a clip of n bytes.
func (p TimeoutPolicy) For(n int) time.Duration {
	d := p.Min
	if p.BytesPerSecond > 0 {
		d += time.Duration(n) * time.Second / time.Duration(p.BytesPerSecond)
	}
	if p.Max > 0 && d > p.Max {
		d = p.Max
	}
	return d
}

type timeoutResponder struct {
	next   Responder
	policy TimeoutPolicy
}

// WithTimeout wraps r so every turn finishes within policy.For(len(audio)).
// A turn that runs out of time fails with ErrUpstreamTimeout even if r
// ignores its context.
func WithTimeout(r Responder, policy TimeoutPolicy) Responder {
	if policy.Min <= 0 && policy.Max <= 0 {
		return r
	}
	return &timeoutResponder{next: r, policy: policy}
}

type outcome struct {
	reply Reply
	err   error
}

func (t *timeoutResponder) Respond(ctx context.Context, req Request) (Reply, error) {
	budget := t.policy.For(len(req.Audio))
	ctx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	done := make(chan outcome, 1)
	go func() {
		reply, err := t.next.Respond(ctx, req)
		done <- outcome{reply: reply, err: err}
	}()

	select {
	case o := <-done:
		if o.err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) && !errors.Is(o.err, ErrUpstreamTimeout) {
			return Reply{}, fmt.Errorf("%w after %s: %w", ErrUpstreamTimeout, budget, o.err)
		}
		return o.reply, o.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Reply{}, fmt.Errorf("%w after %s", ErrUpstreamTimeout, budget)
		}
		return Reply{}, ctx.Err()
	}
}
