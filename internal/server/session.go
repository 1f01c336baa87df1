package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/normanking/cortexcompanion/internal/commands"
	"github.com/normanking/cortexcompanion/internal/data"
	"github.com/normanking/cortexcompanion/internal/emotion"
	"github.com/normanking/cortexcompanion/internal/orchestrator"
	"github.com/normanking/cortexcompanion/internal/vision"
)

// session is one WebSocket client.
type session struct {
	id       string
	server   *Server
	conn     *websocket.Conn
	out      chan []byte
	limiter  *rate.Limiter
	commands *commands.Handler
	logger   zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	userID  string
	subject *emotion.Subject
	token   *orchestrator.CancelToken
	closed  bool
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	id := uuid.NewString()
	sess := &session{
		id:       id,
		server:   s,
		conn:     conn,
		out:      make(chan []byte, sendBuffer),
		limiter:  newLimiter(s.cfg.RatePerSec, s.cfg.Burst),
		commands: commands.NewHandler(s.logger),
		logger:   s.logger.With().Str("session_id", id).Logger(),
		ctx:      ctx,
		cancel:   cancel,
	}
	s.addSession(sess)

	s.wg.Add(2)
	go sess.writePump()
	go sess.readPump()
}

func (c *session) user() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

// send queues a message. A full queue drops the message.
func (c *session) send(msgType string, payload any) {
	b, err := json.Marshal(outbound{Type: msgType, Data: payload})
	if err != nil {
		c.logger.Error().Err(err).Str("type", msgType).Msg("Failed to marshal message")
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.out <- b:
	default:
		c.logger.Warn().Str("type", msgType).Msg("Send queue full, dropping message")
	}
}

func (c *session) sendError(msg string) {
	c.send(MsgError, errorPayload{Message: msg})
}

// camera returns the identified user's camera, or nil before identify.
func (c *session) camera() *vision.Manager {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.subject == nil {
		return nil
	}
	return c.subject.Camera
}

// close cancels in-flight work, releases the user's emotion subject and
// stops the write pump. Safe to call twice.
func (c *session) close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.token.Cancel()
	close(c.out)
	subject := c.subject
	c.subject = nil
	c.mu.Unlock()
	c.cancel()

	if subject != nil {
		c.server.deps.Perception.Release(subject.UserID)
	}
}

func (c *session) writePump() {
	defer c.server.wg.Done()
	ticker := time.NewTicker(PingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.out:
			c.conn.SetWriteDeadline(time.Now().Add(WriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *session) readPump() {
	defer c.server.wg.Done()
	defer func() {
		c.close()
		c.server.removeSession(c)
	}()

	c.conn.SetReadLimit(MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(PongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(PongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn().Err(err).Msg("WebSocket read error")
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(PongWait))

		var env Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			c.sendError("Malformed message")
			continue
		}
		// Frames overwrite each other, so they are exempt from the limiter.
		if env.Type != MsgCameraFrame && !c.limiter.Allow() {
			c.sendError("rate limit exceeded")
			continue
		}
		c.dispatch(env)
	}
}

func (c *session) dispatch(env Envelope) {
	switch env.Type {
	case MsgIdentify:
		c.handleIdentify(env.Data)
	case MsgSendMessage:
		c.handleSendMessage(env.Data)
	case MsgStopResponse:
		c.handleStop()
	case MsgGetEmotion:
		c.send(MsgEmotionUpdate, emotionPayload(c.server.deps.Perception.Peek(c.user())))
	case MsgVoiceCommand:
		c.handleVoiceCommand(env.Data)
	case MsgGetHistory:
		c.handleGetHistory(env.Data)
	case MsgGetEmotionHistory:
		c.handleGetEmotionHistory(env.Data)
	case MsgClearHistory:
		c.handleClearHistory()
	case MsgGetAnalytics:
		c.handleGetAnalytics(env.Data)
	case MsgSaveCalibrationSample:
		c.handleSaveCalibrationSample(env.Data)
	case MsgCheckCalibration:
		c.handleCheckCalibration()
	case MsgClearCalibration:
		c.handleClearCalibration()
	case MsgCameraFrame:
		c.handleCameraFrame(env.Data)
	case MsgCameraToggle:
		c.handleCameraToggle(env.Data)
	default:
		c.sendError("Unknown message type: " + env.Type)
	}
}

// decode unmarshals a payload; an absent payload leaves v zero.
func decode(raw json.RawMessage, v any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return json.Unmarshal(raw, v)
}

// requireUser returns the identified user or reports an error to the client.
func (c *session) requireUser() (string, bool) {
	u := c.user()
	if u == "" {
		c.sendError("User not logged in")
		return "", false
	}
	return u, true
}

func (c *session) handleIdentify(raw json.RawMessage) {
	var p identifyPayload
	if err := decode(raw, &p); err != nil || strings.TrimSpace(p.UserID) == "" {
		c.sendError("user_id required")
		return
	}
	userID := strings.TrimSpace(p.UserID)

	perception := c.server.deps.Perception
	subject, err := perception.Acquire(userID)
	if err != nil {
		c.logger.Error().Err(err).Str("user_id", userID).Msg("Failed to start emotion tracking")
		c.sendError("Failed to identify user")
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		perception.Release(userID)
		return
	}
	prev := c.subject
	c.userID = userID
	c.subject = subject
	c.mu.Unlock()

	if prev != nil {
		perception.Release(prev.UserID)
	}
	c.logger.Info().Str("user_id", userID).Msg("Session identified")

	c.send(MsgIdentified, map[string]string{"user_id": userID, "session_id": c.id})
	c.handleGetHistory(nil)
}

func (c *session) handleSendMessage(raw json.RawMessage) {
	var p sendMessagePayload
	if err := decode(raw, &p); err != nil {
		c.sendError("Malformed send_message payload")
		return
	}

	token := orchestrator.NewCancelToken()
	c.mu.Lock()
	if c.token != nil {
		c.token.Cancel()
	}
	c.token = token
	userID := c.userID
	c.mu.Unlock()

	req := orchestrator.Request{UserID: userID, Message: p.Message}
	if p.Stream {
		req.OnToken = func(tok string) {
			c.send(MsgMessageChunk, map[string]string{"token": tok})
		}
	}

	c.server.wg.Add(1)
	go func() {
		defer c.server.wg.Done()
		resp, err := c.server.deps.Orchestrator.HandleTurn(c.ctx, token, req, c.deliverAudio)

		var inputErr *orchestrator.InputError
		switch {
		case errors.As(err, &inputErr):
			if inputErr.Field == "user_id" {
				c.sendError("User not logged in")
			} else {
				c.sendError("Empty message received")
			}
		case errors.Is(err, orchestrator.ErrCancelled):
			c.logger.Debug().Msg("Turn cancelled")
		case err != nil:
			c.logger.Error().Err(err).Msg("Message handling failed")
			c.sendError("Failed to process message")
		default:
			c.send(MsgMessageResponse, resp)
		}
	}()
}

func (c *session) deliverAudio(a orchestrator.AudioReady) {
	c.send(MsgAudioReady, map[string]string{
		"turn_id":   a.TurnID,
		"audio_id":  a.AudioID,
		"audio_url": "/audio/" + a.AudioID,
		"format":    a.Format,
	})
}

func (c *session) handleStop() {
	c.mu.Lock()
	token := c.token
	c.mu.Unlock()
	token.Cancel()
	c.logger.Info().Msg("Stop requested")
}

func (c *session) handleVoiceCommand(raw json.RawMessage) {
	var p voiceCommandPayload
	if err := decode(raw, &p); err != nil {
		c.sendError("Malformed voice_command payload")
		return
	}

	out, err := c.server.deps.Orchestrator.HandleCommand(c.ctx, c.commands, c.user(), p.Text)
	var inputErr *orchestrator.InputError
	switch {
	case errors.As(err, &inputErr):
		c.sendError("User not logged in")
		return
	case err != nil:
		c.logger.Error().Err(err).Msg("Voice command failed")
		c.send(MsgCommandResponse, map[string]any{"success": false, "message": "Failed to process command"})
		return
	}
	c.send(MsgCommandResponse, out)
}

func (c *session) handleGetHistory(raw json.RawMessage) {
	userID, ok := c.requireUser()
	if !ok {
		return
	}
	var p historyPayload
	_ = decode(raw, &p)
	if p.Limit <= 0 {
		p.Limit = 50
	}

	turns, err := c.server.deps.History.RecentTurns(c.ctx, userID, p.Limit)
	if err != nil {
		c.logger.Error().Err(err).Msg("Failed to load history")
		c.sendError("Failed to retrieve history")
		return
	}
	if turns == nil {
		turns = []data.Turn{}
	}
	c.send(MsgConversationHistory, map[string]any{"history": turns})
}

func (c *session) handleGetEmotionHistory(raw json.RawMessage) {
	userID, ok := c.requireUser()
	if !ok {
		return
	}
	var p historyPayload
	_ = decode(raw, &p)
	if p.Hours <= 0 {
		p.Hours = 24
	}

	records, err := c.server.deps.History.EmotionHistory(c.ctx, userID, time.Now().Add(-time.Duration(p.Hours)*time.Hour))
	if err != nil {
		c.logger.Error().Err(err).Msg("Failed to load emotion history")
		c.sendError("Failed to retrieve emotion history")
		return
	}
	if records == nil {
		records = []data.EmotionRecord{}
	}
	c.send(MsgEmotionHistory, map[string]any{"history": records})
}

func (c *session) handleClearHistory() {
	userID, ok := c.requireUser()
	if !ok {
		return
	}
	if err := c.server.deps.History.ClearHistory(c.ctx, userID); err != nil {
		c.logger.Error().Err(err).Msg("Failed to clear history")
		c.sendError("Failed to clear history")
		return
	}
	c.send(MsgHistoryCleared, map[string]string{"message": "Chat history cleared"})
}

func (c *session) handleGetAnalytics(raw json.RawMessage) {
	userID, ok := c.requireUser()
	if !ok {
		return
	}
	var p analyticsPayload
	_ = decode(raw, &p)
	if p.Days <= 0 {
		p.Days = 7
	}

	report, err := c.server.deps.Analytics.Report(c.ctx, userID, p.Days)
	if err != nil {
		c.logger.Error().Err(err).Msg("Failed to compute analytics")
		c.sendError("Failed to retrieve analytics")
		return
	}
	c.send(MsgAnalyticsData, report)
}

func (c *session) handleSaveCalibrationSample(raw json.RawMessage) {
	userID, ok := c.requireUser()
	if !ok {
		return
	}
	var p calibrationSamplePayload
	if err := decode(raw, &p); err != nil || p.Emotion == "" || p.Frame == "" {
		c.sendError("Missing emotion or frame data")
		return
	}

	img, err := decodeImage(p.Frame)
	if err != nil {
		c.sendError("Missing emotion or frame data")
		return
	}
	frame := &vision.Frame{Data: img, Format: "jpeg", Timestamp: time.Now()}

	if !c.server.deps.Calibration.AddSample(c.ctx, userID, strings.ToLower(p.Emotion), frame) {
		c.sendError("Failed to save calibration sample")
		return
	}
	c.send(MsgCalibrationSampleSaved, map[string]string{"emotion": strings.ToLower(p.Emotion)})
}

func (c *session) handleCheckCalibration() {
	userID, ok := c.requireUser()
	if !ok {
		return
	}
	counts, err := c.server.deps.Calibration.Counts(c.ctx, userID)
	if err != nil {
		c.logger.Error().Err(err).Msg("Failed to check calibration")
		c.sendError("Failed to check calibration")
		return
	}
	c.send(MsgCalibrationStatus, map[string]any{
		"has_calibration": c.server.deps.Calibration.HasCalibration(c.ctx, userID),
		"counts":          counts,
	})
}

func (c *session) handleClearCalibration() {
	userID, ok := c.requireUser()
	if !ok {
		return
	}
	if err := c.server.deps.Calibration.Clear(c.ctx, userID); err != nil {
		c.logger.Error().Err(err).Msg("Failed to clear calibration")
		c.sendError("Failed to clear calibration")
		return
	}
	c.send(MsgCalibrationCleared, map[string]string{"message": "Calibration data cleared"})
}

func (c *session) handleCameraFrame(raw json.RawMessage) {
	var p cameraFramePayload
	if err := decode(raw, &p); err != nil || p.Image == "" {
		c.sendError("Malformed camera frame")
		return
	}
	cam := c.camera()
	if cam == nil {
		c.sendError("User not logged in")
		return
	}
	err := cam.ProcessCameraFrame(stripDataURL(p.Image), p.Width, p.Height)
	if errors.Is(err, vision.ErrCameraNotAvailable) {
		return
	}
	if err != nil {
		c.logger.Debug().Err(err).Msg("Rejected camera frame")
		c.sendError("Invalid camera frame")
	}
}

func (c *session) handleCameraToggle(raw json.RawMessage) {
	var p cameraTogglePayload
	if err := decode(raw, &p); err != nil {
		c.sendError("Malformed camera_toggle payload")
		return
	}
	cam := c.camera()
	if cam == nil {
		c.sendError("User not logged in")
		return
	}
	if p.Enabled {
		cam.EnableCamera()
	} else {
		cam.DisableCamera()
	}
	c.send(MsgCameraStatus, map[string]bool{"enabled": cam.IsCameraActive()})
}

// stripDataURL removes a "data:image/...;base64," prefix.
func stripDataURL(s string) string {
	if i := strings.Index(s, ";base64,"); i >= 0 && strings.HasPrefix(s, "data:") {
		return s[i+len(";base64,"):]
	}
	return s
}

func decodeImage(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(stripDataURL(s))
}
