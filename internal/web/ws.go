package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/parley/internal/app"
	"github.com/MrWong99/parley/internal/session"
	"github.com/MrWong99/parley/internal/speech"
	"github.com/MrWong99/parley/internal/turn"
	"github.com/MrWong99/parley/pkg/audio"
)

const (
	// maxMessageBytes is the read limit for one WebSocket message. A push to
	// talk recording arrives as a single binary message.
	maxMessageBytes = 8 << 20

	writeTimeout = 10 * time.Second
)

// WebSocket modes selected with the "mode" query parameter.
const (
	modePushToTalk = "ptt"
	modeStream     = "stream"
)

// Message types exchanged on the WebSocket as JSON text messages.
const (
	msgSession = "session"
	msgState   = "state"
	msgSpeech  = "speech"
	msgStage   = "stage"
	msgTurn    = "turn"
	msgReset   = "reset"
	msgEnded   = "ended"
	msgError   = "error"
)

var _ session.Runner = (*app.WebSession)(nil)

// envelope is a server to client message. Only the fields relevant to Type
// are set.
type envelope struct {
	Type      string        `json:"type"`
	SessionID string        `json:"session_id,omitempty"`
	State     string        `json:"state,omitempty"`
	Event     string        `json:"event,omitempty"`
	Stage     string        `json:"stage,omitempty"`
	Detail    string        `json:"detail,omitempty"`
	Turn      *turnResponse `json:"turn,omitempty"`
	Error     string        `json:"error,omitempty"`
}

// clientMessage is a client to server text message.
type clientMessage struct {
	Type string `json:"type"`
}

// wsConn serialises writes so that a turn message and its audio stay
// adjacent.
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (c *wsConn) send(ctx context.Context, env envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sendLocked(ctx, env)
}

func (c *wsConn) sendLocked(ctx context.Context, env envelope) error {
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(wctx, c.conn, env)
}

func (c *wsConn) sendAudio(ctx context.Context, wav []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sendAudioLocked(ctx, wav)
}

func (c *wsConn) sendAudioLocked(ctx context.Context, wav []byte) error {
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return c.conn.Write(wctx, websocket.MessageBinary, wav)
}

// sendTurn writes the turn result followed by its audio, if any.
func (c *wsConn) sendTurn(ctx context.Context, res turn.Result, withAudio bool) error {
	tr := newTurnResponse(res)
	var wav []byte
	if withAudio {
		wav = replyWAV(res)
		tr.AudioFollows = wav != nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.sendLocked(ctx, envelope{Type: msgTurn, Turn: &tr}); err != nil {
		return err
	}
	if wav == nil {
		return nil
	}
	return c.sendAudioLocked(ctx, wav)
}

// stageHook forwards turn progress to the browser.
func (c *wsConn) stageHook(ctx context.Context) func(turn.Stage, string) {
	return func(st turn.Stage, detail string) {
		if err := c.send(ctx, envelope{Type: msgStage, Stage: st.String(), Detail: detail}); err != nil {
			slog.Debug("web: send stage", "err", err)
		}
	}
}

// wsPlayer sends reply audio to the browser as WAV and blocks for the audio's
// duration, so the session does not listen while the browser is speaking.
type wsPlayer struct {
	conn *wsConn
}

func (p *wsPlayer) Play(ctx context.Context, buf audio.Buffer) error {
	if buf.Empty() {
		return nil
	}
	if err := p.conn.sendAudio(ctx, audio.EncodeWAV(buf.Samples, buf.SampleRate)); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("web: send audio: %w", err)
	}
	t := time.NewTimer(buf.Duration())
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// observer reports session loop progress to the browser.
type observer struct {
	ctx  context.Context
	conn *wsConn
}

func (o *observer) StateChanged(_, to session.State) {
	if err := o.conn.send(o.ctx, envelope{Type: msgState, State: to.String()}); err != nil {
		slog.Debug("web: send state", "err", err)
	}
}

func (o *observer) TurnFinished(res turn.Result) {
	// The player has already delivered the audio.
	if err := o.conn.sendTurn(o.ctx, res, false); err != nil {
		slog.Debug("web: send turn", "err", err)
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	mode := r.URL.Query().Get("mode")
	if mode == "" {
		mode = modePushToTalk
	}
	if mode != modePushToTalk && mode != modeStream {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: fmt.Sprintf("unknown mode %q", mode)})
		return
	}
	rate := s.app.Config().Pipeline.CaptureSampleRate
	if v := r.URL.Query().Get("rate"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 8000 || n > 192000 {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: fmt.Sprintf("invalid sample rate %q", v)})
			return
		}
		rate = n
	}

	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.originPatterns})
	if err != nil {
		slog.Warn("web: websocket accept", "err", err)
		return
	}
	c.SetReadLimit(maxMessageBytes)
	conn := &wsConn{conn: c}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var player audio.Player
	if mode == modeStream {
		player = &wsPlayer{conn: conn}
	}
	sess, err := s.sessions.Create(ctx, player, conn.stageHook(ctx))
	if err != nil {
		_ = conn.send(ctx, envelope{Type: msgError, Error: err.Error()})
		c.Close(websocket.StatusTryAgainLater, "too many sessions")
		return
	}
	// A reaped or deleted session ends the connection.
	sess.OnClose(cancel)
	defer func() { _ = s.sessions.Close(sess.ID()) }()

	log := slog.With("session_id", sess.ID(), "mode", mode)
	log.Info("websocket connected")

	if err := conn.send(ctx, envelope{Type: msgSession, SessionID: sess.ID()}); err != nil {
		c.CloseNow()
		return
	}

	if mode == modeStream {
		err = s.stream(ctx, conn, sess, rate)
	} else {
		err = s.pushToTalk(ctx, conn, sess, rate)
	}

	switch {
	case err == nil, ctx.Err() != nil, errors.Is(err, context.Canceled), websocket.CloseStatus(err) != -1:
		// Ended normally, cancelled, or the browser went away.
		c.CloseNow()
	default:
		log.Error("websocket session failed", "err", err)
		c.Close(websocket.StatusInternalError, "session failed")
	}
	log.Info("websocket disconnected")
}

// finish tells the browser the conversation is over and closes the
// connection normally.
func (c *wsConn) finish(ctx context.Context) {
	if err := c.send(ctx, envelope{Type: msgEnded}); err != nil {
		slog.Debug("web: send ended", "err", err)
	}
	if err := c.conn.Close(websocket.StatusNormalClosure, "conversation ended"); err != nil {
		slog.Debug("web: close websocket", "err", err)
	}
}

// pushToTalk greets the user, then treats every binary message as one
// complete utterance. It returns nil once the conversation has ended and the
// connection is closed.
func (s *Server) pushToTalk(ctx context.Context, conn *wsConn, sess *app.WebSession, rate int) error {
	res, err := sess.Greet(ctx)
	if err != nil {
		return err
	}
	if err := conn.sendTurn(ctx, res, true); err != nil {
		return err
	}

	for {
		typ, data, err := conn.conn.Read(ctx)
		if err != nil {
			return err
		}
		if typ == websocket.MessageText {
			if err := s.handleClientMessage(ctx, conn, sess, data); err != nil {
				return err
			}
			continue
		}

		utt := s.utteranceFrom(audio.Buffer{Samples: audio.PCM16ToFloat(data), SampleRate: rate})
		res, err := sess.Run(ctx, utt)
		if err != nil {
			return err
		}
		if err := conn.sendTurn(ctx, res, true); err != nil {
			return err
		}
		if res.Outcome == turn.ConversationEnding {
			conn.finish(ctx)
			return nil
		}
	}
}

// stream runs the voice activity pipeline on audio streamed by the browser.
// Reading and the session loop run side by side. When the loop ends the
// conversation it closes the connection, which stops the reader; when the
// reader fails first the loop is cancelled.
func (s *Server) stream(ctx context.Context, conn *wsConn, sess *app.WebSession, rate int) error {
	src := s.app.NewFrameSource(nil)
	defer src.Close()

	rec, closeVAD, err := s.app.NewRecorder(src, func(ev speech.Event) {
		if err := conn.send(ctx, envelope{Type: msgSpeech, Event: ev.Kind.String()}); err != nil {
			slog.Debug("web: send speech event", "err", err)
		}
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := closeVAD(); err != nil {
			slog.Warn("web: close vad", "err", err)
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	loop := session.New(sess, session.ListenSource(rec),
		session.WithObserver(&observer{ctx: gctx, conn: conn}),
	)

	ended := make(chan struct{})
	g.Go(func() error {
		if err := loop.Run(gctx); err != nil {
			return err
		}
		if gctx.Err() == nil {
			close(ended)
			conn.finish(ctx)
		}
		return nil
	})
	g.Go(func() error {
		err := s.readStream(gctx, conn, sess, src, rate)
		select {
		case <-ended:
			// The close handshake is what stopped the reader.
			return nil
		default:
			return err
		}
	})
	return g.Wait()
}

// readStream feeds binary audio messages into src until the connection or ctx
// ends.
func (s *Server) readStream(ctx context.Context, conn *wsConn, sess *app.WebSession, src *audio.FrameSource, rate int) error {
	capture := src.SampleRate()
	for {
		typ, data, err := conn.conn.Read(ctx)
		if err != nil {
			return err
		}
		if typ == websocket.MessageText {
			if err := s.handleClientMessage(ctx, conn, sess, data); err != nil {
				return err
			}
			continue
		}
		samples := audio.PCM16ToFloat(data)
		if rate != capture {
			samples = audio.Resample(samples, rate, capture)
		}
		src.Write(samples)
	}
}

func (s *Server) handleClientMessage(ctx context.Context, conn *wsConn, sess *app.WebSession, data []byte) error {
	var msg clientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return conn.send(ctx, envelope{Type: msgError, Error: "malformed message"})
	}
	switch msg.Type {
	case msgReset:
		sess.Reset()
		return conn.send(ctx, envelope{Type: msgReset})
	default:
		return conn.send(ctx, envelope{Type: msgError, Error: fmt.Sprintf("unknown message type %q", msg.Type)})
	}
}
