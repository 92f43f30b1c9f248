// ABOUTME: Tests for the duration-scaled timeout wrapper and the func adapter.

package responder

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimeoutPolicy_For(t *testing.T) {
	p := TimeoutPolicy{Min: 10 * time.Second, Max: 60 * time.Second, BytesPerSecond: 16000}

	assert.Equal(t, 10*time.Second, p.For(0))
	assert.Equal(t, 12*time.Second, p.For(32000))
	assert.Equal(t, 60*time.Second, p.For(16000*120))
	assert.Equal(t, 5*time.Second, TimeoutPolicy{Min: 5 * time.Second}.For(1<<20))
}

func TestWithTimeout_SlowResponderTimesOut(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	stubborn := Func(func(ctx context.Context, req Request) (Reply, error) {
		<-release
		return Reply{ReplyText: "too late"}, nil
	})

	r := WithTimeout(stubborn, TimeoutPolicy{Min: 20 * time.Millisecond, Max: 50 * time.Millisecond})

	start := time.Now()
	_, err := r.Respond(t.Context(), Request{Audio: []byte("x")})
	assert.ErrorIs(t, err, ErrUpstreamTimeout)
	assert.Less(t, time.Since(start), time.Second)
}

func TestWithTimeout_ContextAwareResponderTimesOut(t *testing.T) {
	polite := Func(func(ctx context.Context, req Request) (Reply, error) {
		<-ctx.Done()
		return Reply{}, ctx.Err()
	})

	r := WithTimeout(polite, TimeoutPolicy{Min: 10 * time.Millisecond})
	_, err := r.Respond(t.Context(), Request{})
	assert.ErrorIs(t, err, ErrUpstreamTimeout)
}

func TestWithTimeout_CallerCancelIsNotATimeout(t *testing.T) {
	r := WithTimeout(Func(func(ctx context.Context, req Request) (Reply, error) {
		<-ctx.Done()
		return Reply{}, ctx.Err()
	}), TimeoutPolicy{Min: time.Minute})

	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	_, err := r.Respond(ctx, Request{})
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrUpstreamTimeout))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestWithTimeout_PassesResultThrough(t *testing.T) {
	r := WithTimeout(Func(func(ctx context.Context, req Request) (Reply, error) {
		return Reply{TranscribedText: string(req.Audio), ReplyText: "ok"}, nil
	}), TimeoutPolicy{Min: time.Second})

	reply, err := r.Respond(t.Context(), Request{Audio: []byte("hello")})
	require.NoError(t, err)
	assert.Equal(t, "hello", reply.TranscribedText)
}
