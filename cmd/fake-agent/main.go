// ABOUTME: Minimal fake agent for manual and E2E testing over the relay WebSocket.
// ABOUTME: Usage: fake-agent --id alice [--target bob | --ai] [--audio clip.webm] [--echo]
package main

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/spf13/pflag"

	"github.com/2389/a2a-relay/internal/envelope"
)

type options struct {
	url     string
	id      string
	name    string
	target  string
	ai      bool
	aiID    string
	audio   string
	size    int
	echo    bool
	saveDir string
}

func main() {
	var o options
	pflag.StringVar(&o.url, "url", "ws://localhost:8080", "relay base URL")
	pflag.StringVar(&o.id, "id", "fake-agent", "agent ID")
	pflag.StringVar(&o.name, "name", "Fake Agent", "agent display name")
	pflag.StringVar(&o.target, "target", "", "start a session with this agent and send a clip")
	pflag.BoolVar(&o.ai, "ai", false, "send a clip to the AI agent instead of a peer")
	pflag.StringVar(&o.aiID, "ai-id", "ai_agent", "AI agent ID")
	pflag.StringVar(&o.audio, "audio", "", "audio file to send (random bytes when empty)")
	pflag.IntVar(&o.size, "size", 4096, "size of the random clip when --audio is not set")
	pflag.BoolVar(&o.echo, "echo", false, "send received voice messages back to their sender")
	pflag.StringVar(&o.saveDir, "save-dir", "", "write received audio to this directory")
	pflag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, o); err != nil {
		log.Fatal(err)
	}
}

func run(ctx context.Context, o options) error {
	u, err := url.Parse(o.url)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	u = u.JoinPath("ws", o.id)
	u.RawQuery = url.Values{"name": {o.name}}.Encode()

	ws, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer ws.Close()
	fmt.Fprintf(os.Stderr, "connected as %s\n", o.id)

	go func() {
		<-ctx.Done()
		ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"),
			time.Now().Add(time.Second))
		ws.Close()
	}()

	clip, err := loadClip(o)
	if err != nil {
		return err
	}

	a := &fakeAgent{ws: ws, opts: o, clip: clip}

	switch {
	case o.ai:
		if err := a.sendVoice(o.aiID, ""); err != nil {
			return err
		}
	case o.target != "":
		if err := a.send(envelope.StartSession{SenderID: o.id, TargetID: o.target}); err != nil {
			return err
		}
	}

	return a.loop(ctx)
}

type fakeAgent struct {
	ws   *websocket.Conn
	opts options
	clip []byte
}

func (a *fakeAgent) send(p envelope.Payload) error {
	data, err := envelope.Encode(envelope.New(p))
	if err != nil {
		return fmt.Errorf("encode %s: %w", p.Type(), err)
	}
	return a.ws.WriteMessage(websocket.TextMessage, data)
}

func (a *fakeAgent) sendVoice(to, sessionID string) error {
	return a.send(envelope.VoiceMessage{
		SenderID:   a.opts.id,
		ReceiverID: to,
		SessionID:  sessionID,
		MessageID:  uuid.NewString(),
		Audio:      a.clip,
		Timestamp:  time.Now(),
	})
}

func (a *fakeAgent) loop(ctx context.Context) error {
	for {
		_, data, err := a.ws.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil // graceful shutdown
			}
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				log.Printf("closed by relay: %d %s", ce.Code, ce.Text)
				return nil
			}
			return fmt.Errorf("read error: %w", err)
		}

		env, err := envelope.Decode(data)
		if err != nil {
			log.Printf("undecodable frame: %v", err)
			continue
		}

		switch p := env.Payload().(type) {
		case envelope.StatusUpdate:
			log.Printf("status %s (%s) -> %s", p.AgentID, p.Name, p.Status)
		case envelope.SessionStarted:
			log.Printf("session %s started: %s <-> %s", p.SessionID, p.InitiatorID, p.TargetID)
			if p.InitiatorID == a.opts.id && p.TargetID == a.opts.target {
				if err := a.sendVoice(a.opts.target, p.SessionID); err != nil {
					return err
				}
			}
		case envelope.SessionEnded:
			log.Printf("session %s ended: %s", p.SessionID, p.Reason)
		case envelope.VoiceMessage:
			log.Printf("voice [%s] from %s: %d bytes", p.MessageID, p.SenderID, len(p.Audio))
			a.save(p.MessageID, p.Audio)
			if a.opts.echo {
				a.clip = p.Audio
				if err := a.sendVoice(p.SenderID, p.SessionID); err != nil {
					log.Printf("echo error: %v", err)
				}
			}
		case envelope.AIResponse:
			log.Printf("ai [%s] heard %q, replied %q (%d audio bytes)",
				p.MessageID, p.TranscribedText, p.ReplyText, len(p.ReplyAudio))
			a.save(p.MessageID+"-reply", p.ReplyAudio)
		case envelope.Error:
			log.Printf("error %s: %s", p.Code, p.Message)
		default:
			log.Printf("%s", env.Type())
		}
	}
}

func (a *fakeAgent) save(name string, audio []byte) {
	if a.opts.saveDir == "" || len(audio) == 0 {
		return
	}
	if name == "" || name == "-reply" {
		name = uuid.NewString()
	}
	path := filepath.Join(a.opts.saveDir, name+".bin")
	if err := os.WriteFile(path, audio, 0644); err != nil {
		log.Printf("save error: %v", err)
	}
}

func loadClip(o options) ([]byte, error) {
	if o.audio != "" {
		data, err := os.ReadFile(o.audio)
		if err != nil {
			return nil, fmt.Errorf("reading audio: %w", err)
		}
		return data, nil
	}
	clip := make([]byte, o.size)
	if _, err := rand.Read(clip); err != nil {
		return nil, err
	}
	return clip, nil
}
