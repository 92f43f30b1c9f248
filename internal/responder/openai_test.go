// ABOUTME: Tests for the OpenAI responder against an in-process fake of the OpenAI HTTP API.
// ABOUTME: Covers the happy path, degraded speech, and error classification per stage.

package responder

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeOpenAI struct {
	mu sync.Mutex

	transcript      string
	transcribeCode  int
	chatCode        int
	speechCode      int
	gotModel        string
	gotFilename     string
	gotChatModel    string
	gotSystemPrompt string
	gotSpeechVoice  string
}

func (f *fakeOpenAI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch {
	case strings.HasSuffix(r.URL.Path, "/audio/transcriptions"):
		if f.transcribeCode != 0 {
			writeAPIError(w, f.transcribeCode)
			return
		}
		if err := r.ParseMultipartForm(1 << 20); err == nil {
			f.gotModel = r.FormValue("model")
			if _, hdr, err := r.FormFile("file"); err == nil {
				f.gotFilename = hdr.Filename
			}
		}
		writeJSON(w, map[string]any{"text": f.transcript})

	case strings.HasSuffix(r.URL.Path, "/chat/completions"):
		if f.chatCode != 0 {
			writeAPIError(w, f.chatCode)
			return
		}
		var req struct {
			Model    string `json:"model"`
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		f.gotChatModel = req.Model
		if len(req.Messages) > 0 {
			f.gotSystemPrompt = req.Messages[0].Content
		}
		writeJSON(w, map[string]any{
			"id":     "chatcmpl-1",
			"object": "chat.completion",
			"choices": []map[string]any{{
				"index":         0,
				"finish_reason": "stop",
				"message":       map[string]any{"role": "assistant", "content": " Sure, happy to help. "},
			}},
		})

	case strings.HasSuffix(r.URL.Path, "/audio/speech"):
		if f.speechCode != 0 {
			writeAPIError(w, f.speechCode)
			return
		}
		var req struct {
			Voice string `json:"voice"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		f.gotSpeechVoice = req.Voice
		w.Header().Set("Content-Type", "audio/mpeg")
		_, _ = w.Write([]byte("ID3-fake-mp3"))

	default:
		http.NotFound(w, r)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeAPIError(w http.ResponseWriter, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = io.WriteString(w, `{"error":{"message":"simulated failure","type":"test_error"}}`)
}

func newTestOpenAI(t *testing.T, fake *fakeOpenAI) *OpenAI {
	t.Helper()
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)
	return NewOpenAI(OpenAIConfig{
		APIKey:      "sk-test",
		BaseURL:     srv.URL + "/v1",
		Temperature: 0.7,
	}, nil)
}

func TestOpenAI_Respond(t *testing.T) {
	fake := &fakeOpenAI{transcript: "what's the weather like"}
	o := newTestOpenAI(t, fake)

	reply, err := o.Respond(t.Context(), Request{AgentID: "agent_001", Audio: []byte("webm-bytes")})
	require.NoError(t, err)

	assert.Equal(t, "what's the weather like", reply.TranscribedText)
	assert.Equal(t, "Sure, happy to help.", reply.ReplyText)
	assert.Equal(t, []byte("ID3-fake-mp3"), reply.ReplyAudio)

	fake.mu.Lock()
	defer fake.mu.Unlock()
	assert.Equal(t, "whisper-1", fake.gotModel)
	assert.Equal(t, "audio.webm", fake.gotFilename)
	assert.Equal(t, "gpt-3.5-turbo", fake.gotChatModel)
	assert.Equal(t, DefaultSystemPrompt, fake.gotSystemPrompt)
	assert.Equal(t, "alloy", fake.gotSpeechVoice)
}

func TestOpenAI_SpeechFailureKeepsTextReply(t *testing.T) {
	o := newTestOpenAI(t, &fakeOpenAI{transcript: "hello", speechCode: http.StatusInternalServerError})

	reply, err := o.Respond(t.Context(), Request{Audio: []byte("x")})
	require.NoError(t, err)
	assert.Equal(t, "Sure, happy to help.", reply.ReplyText)
	assert.Empty(t, reply.ReplyAudio)
}

func TestOpenAI_ErrorClassification(t *testing.T) {
	tests := []struct {
		name string
		fake *fakeOpenAI
		want error
	}{
		{"transcription rejected", &fakeOpenAI{transcribeCode: http.StatusBadRequest}, ErrTranscriptionFailed},
		{"empty transcript", &fakeOpenAI{transcript: "   "}, ErrTranscriptionFailed},
		{"transcription server error", &fakeOpenAI{transcribeCode: http.StatusBadGateway}, ErrUpstreamUnavailable},
		{"bad credentials", &fakeOpenAI{transcribeCode: http.StatusUnauthorized}, ErrUpstreamUnavailable},
		{"chat rate limited", &fakeOpenAI{transcript: "hi", chatCode: http.StatusTooManyRequests}, ErrUpstreamUnavailable},
		{"chat server error", &fakeOpenAI{transcript: "hi", chatCode: http.StatusServiceUnavailable}, ErrUpstreamUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := newTestOpenAI(t, tt.fake)
			_, err := o.Respond(t.Context(), Request{Audio: []byte("x")})
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestOpenAI_UnreachableServer(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	o := NewOpenAI(OpenAIConfig{APIKey: "sk-test", BaseURL: url}, nil)
	_, err := o.Respond(t.Context(), Request{Audio: []byte("x")})
	assert.ErrorIs(t, err, ErrUpstreamUnavailable)
}

func TestNew_MissingKeyDisablesVoice(t *testing.T) {
	r := New(OpenAIConfig{}, nil)
	_, ok := r.(Disabled)
	require.True(t, ok)

	_, err := r.Respond(t.Context(), Request{Audio: []byte("x")})
	assert.ErrorIs(t, err, ErrUpstreamUnavailable)

	_, ok = New(OpenAIConfig{APIKey: "sk-test"}, nil).(*OpenAI)
	assert.True(t, ok)
}
