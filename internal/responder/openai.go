// ABOUTME: OpenAI-backed responder: Whisper transcription, chat completion, then text-to-speech.
// ABOUTME: Upstream failures are classified into the responder error kinds.

package responder

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// DefaultSystemPrompt frames replies for spoken conversation.
const DefaultSystemPrompt = "You are a helpful AI assistant in a voice conversation. " +
	"Keep your responses concise and conversational, suitable for speech. " +
	"Respond naturally as if speaking to someone."

// OpenAIConfig configures the OpenAI pipeline.
type OpenAIConfig struct {
	APIKey             string
	BaseURL            string
	TranscriptionModel string
	ChatModel          string
	SpeechModel        string
	Voice              string
	AudioFormat        string
	SystemPrompt       string
	MaxTokens          int
	Temperature        float32
	HTTPClient         *http.Client
}

func (c *OpenAIConfig) applyDefaults() {
	if c.TranscriptionModel == "" {
		c.TranscriptionModel = openai.Whisper1
	}
	if c.ChatModel == "" {
		c.ChatModel = openai.GPT3Dot5Turbo
	}
	if c.SpeechModel == "" {
		c.SpeechModel = string(openai.TTSModel1)
	}
	if c.Voice == "" {
		c.Voice = string(openai.VoiceAlloy)
	}
	if c.AudioFormat == "" {
		c.AudioFormat = "webm"
	}
	if c.SystemPrompt == "" {
		c.SystemPrompt = DefaultSystemPrompt
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = 150
	}
}

// OpenAI implements Responder against the OpenAI API (or a compatible server).
type OpenAI struct {
	client *openai.Client
	cfg    OpenAIConfig
	logger *slog.Logger
}

// NewOpenAI creates the OpenAI responder.
func NewOpenAI(cfg OpenAIConfig, logger *slog.Logger) *OpenAI {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	if cfg.HTTPClient != nil {
		clientCfg.HTTPClient = cfg.HTTPClient
	}

	return &OpenAI{
		client: openai.NewClientWithConfig(clientCfg),
		cfg:    cfg,
		logger: logger.With("component", "responder", "provider", "openai"),
	}
}

// New picks the responder for the given credentials. An empty API key
// yields Disabled.
func New(cfg OpenAIConfig, logger *slog.Logger) Responder {
	if logger == nil {
		logger = slog.Default()
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		logger.Warn("no OpenAI API key configured, voice features are disabled")
		return Disabled{Reason: "no API key configured"}
	}
	return NewOpenAI(cfg, logger)
}

// Respond transcribes the clip, asks the chat model for a reply, and
// synthesises it. A speech failure still returns the text reply.
func (o *OpenAI) Respond(ctx context.Context, req Request) (Reply, error) {
	start := time.Now()

	text, err := o.transcribe(ctx, req)
	if err != nil {
		return Reply{}, err
	}

	answer, err := o.chat(ctx, text)
	if err != nil {
		return Reply{TranscribedText: text}, err
	}

	reply := Reply{TranscribedText: text, ReplyText: answer}

	audio, err := o.speak(ctx, answer)
	switch {
	case err == nil:
		reply.ReplyAudio = audio
	case ctx.Err() != nil:
		return Reply{}, classify(ctx, "speech", err)
	default:
		o.logger.Warn("speech synthesis failed, replying with text only",
			"agent_id", req.AgentID,
			"error", err)
	}

	o.logger.Debug("voice turn complete",
		"agent_id", req.AgentID,
		"session_id", req.SessionID,
		"audio_bytes", len(req.Audio),
		"reply_audio_bytes", len(reply.ReplyAudio),
		"elapsed", time.Since(start).Round(time.Millisecond))
	return reply, nil
}

func (o *OpenAI) transcribe(ctx context.Context, req Request) (string, error) {
	format := req.Format
	if format == "" {
		format = o.cfg.AudioFormat
	}

	resp, err := o.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    o.cfg.TranscriptionModel,
		FilePath: "audio." + format,
		Reader:   bytes.NewReader(req.Audio),
		Format:   openai.AudioResponseFormatJSON,
	})
	if err != nil {
		return "", classify(ctx, "transcription", err)
	}

	text := strings.TrimSpace(resp.Text)
	if text == "" {
		return "", fmt.Errorf("%w: no speech recognised", ErrTranscriptionFailed)
	}
	return text, nil
}

func (o *OpenAI) chat(ctx context.Context, text string) (string, error) {
	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: o.cfg.ChatModel,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: o.cfg.SystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: text},
		},
		MaxTokens:   o.cfg.MaxTokens,
		Temperature: o.cfg.Temperature,
	})
	if err != nil {
		return "", classify(ctx, "chat", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%w: chat completion returned no choices", ErrUpstreamUnavailable)
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

func (o *OpenAI) speak(ctx context.Context, text string) ([]byte, error) {
	resp, err := o.client.CreateSpeech(ctx, openai.CreateSpeechRequest{
		Model:          openai.SpeechModel(o.cfg.SpeechModel),
		Input:          text,
		Voice:          openai.SpeechVoice(o.cfg.Voice),
		ResponseFormat: openai.SpeechResponseFormatMp3,
	})
	if err != nil {
		return nil, err
	}
	defer resp.Close()

	return io.ReadAll(resp)
}

// classify maps an upstream error onto the responder error kinds. Errors
// from the transcription stage that are not transport or availability
// problems count as ErrTranscriptionFailed.
func classify(ctx context.Context, stage string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w: %w", stage, ErrUpstreamTimeout, err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%s: %w: %w", stage, ErrUpstreamTimeout, err)
	}

	status := 0
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.HTTPStatusCode
	case errors.As(err, &reqErr):
		status = reqErr.HTTPStatusCode
	}

	switch {
	case status == 0,
		status >= http.StatusInternalServerError,
		status == http.StatusTooManyRequests,
		status == http.StatusUnauthorized,
		status == http.StatusForbidden:
		return fmt.Errorf("%s: %w: %w", stage, ErrUpstreamUnavailable, err)
	case stage == "transcription":
		return fmt.Errorf("%w: %w", ErrTranscriptionFailed, err)
	default:
		return fmt.Errorf("%s: %w: %w", stage, ErrUpstreamUnavailable, err)
	}
}
