// Package bridge relays one phone call between a telephony leg and a realtime
// AI leg. All call state is owned by a single event loop; leg callbacks only
// enqueue into its mailbox.
package bridge

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"

	"github.com/vango-go/vai-callbridge/pkg/callevents"
	"github.com/vango-go/vai-callbridge/pkg/realtime"
	"github.com/vango-go/vai-callbridge/pkg/telephony"
)

var ErrAlreadyStarted = errors.New("bridge session already started")

const (
	defaultMailboxSize = 256
	defaultDialBackoff = 250 * time.Millisecond
	maxLoggedPayload   = 256
)

type TelephonyLeg interface {
	Start(h telephony.Handler)
	SendMedia(streamSID, payload string) error
	SendMark(streamSID, name string) error
	SendClear(streamSID string) error
	Close() error
}

// AIDialer opens the AI leg. A nil error means h.OnAIOpen has been called and
// h.OnAIClose will follow once the leg ends.
type AIDialer interface {
	Connect(ctx context.Context, h realtime.Handler) error
}

// Settings are shared read-only by every call.
type Settings struct {
	Session realtime.SessionConfig
	// ConfigDelay is the pause between the AI leg opening and session.update.
	// Zero sends it on the next loop turn.
	ConfigDelay time.Duration
	// GateAudioOnConfigured holds caller audio until session.update was sent.
	GateAudioOnConfigured bool
	DialAttempts          int
	DialBackoff           time.Duration
	MailboxSize           int
}

type Dependencies struct {
	CallID    string
	Telephony TelephonyLeg
	AI        AIDialer
	Settings  Settings
	Logger    *slog.Logger
	Events    callevents.Publisher

	// AfterFunc schedules f after d and returns a stop function.
	AfterFunc func(d time.Duration, f func()) (stop func() bool)
	Now       func() time.Time
}

type eventKind int

const (
	evTelephony eventKind = iota
	evTelephonyMalformed
	evTelephonyError
	evTelephonyClose
	evAIOpen
	evAIEvent
	evAIMalformed
	evAIError
	evAIClose
	evSendConfig
	evSnapshot
)

type event struct {
	kind  eventKind
	tel   telephony.Event
	ai    realtime.ServerEvent
	leg   realtime.Sender
	raw   []byte
	err   error
	reply chan Summary
}

type Session struct {
	id        string
	tel       TelephonyLeg
	dialer    AIDialer
	settings  Settings
	logger    *slog.Logger
	events    callevents.Publisher
	afterFunc func(time.Duration, func()) func() bool
	now       func() time.Time

	mailbox   chan event
	done      chan struct{}
	startOnce sync.Once

	dialCtx    context.Context
	dialCancel context.CancelFunc

	// Owned by the loop goroutine.
	state           State
	streamSID       string
	callSID         string
	ai              realtime.Sender
	aiOpen          bool
	aiActive        bool
	aiConnected     bool
	configAttempted bool
	configured      bool
	telephonyOpen   bool
	startAnnounced  bool
	stopConfigTimer func() bool
	startedAt       time.Time
	stats           Stats

	// Written once by the loop before done is closed.
	final Summary
}

func New(deps Dependencies) (*Session, error) {
	if deps.Telephony == nil {
		return nil, fmt.Errorf("telephony leg is required")
	}
	if deps.AI == nil {
		return nil, fmt.Errorf("ai dialer is required")
	}
	if deps.CallID == "" {
		deps.CallID = uuid.NewString()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Events == nil {
		deps.Events = callevents.Nop{}
	}
	if deps.AfterFunc == nil {
		deps.AfterFunc = func(d time.Duration, f func()) func() bool {
			return time.AfterFunc(d, f).Stop
		}
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Settings.ConfigDelay < 0 {
		deps.Settings.ConfigDelay = 0
	}
	if deps.Settings.DialAttempts <= 0 {
		deps.Settings.DialAttempts = 1
	}
	if deps.Settings.DialBackoff <= 0 {
		deps.Settings.DialBackoff = defaultDialBackoff
	}
	if deps.Settings.MailboxSize <= 0 {
		deps.Settings.MailboxSize = defaultMailboxSize
	}

	return &Session{
		id:        deps.CallID,
		tel:       deps.Telephony,
		dialer:    deps.AI,
		settings:  deps.Settings,
		logger:    deps.Logger.With("call_id", deps.CallID),
		events:    deps.Events,
		afterFunc: deps.AfterFunc,
		now:       deps.Now,
		mailbox:   make(chan event, deps.Settings.MailboxSize),
		done:      make(chan struct{}),
		state:     StateCreated,
	}, nil
}

func (s *Session) ID() string { return s.id }

// Start begins dialing the AI leg and reading the telephony leg. It does not
// block.
func (s *Session) Start(ctx context.Context) error {
	started := false
	s.startOnce.Do(func() {
		started = true
		s.dialCtx, s.dialCancel = context.WithCancel(ctx)
		s.startedAt = s.now()
		s.state = StateAiConnecting
		s.telephonyOpen = true
		s.aiActive = true

		s.logger.Info("call started")
		go s.run()
		go s.dial()
		s.tel.Start(s)
	})
	if !started {
		return ErrAlreadyStarted
	}
	return nil
}

// Close hangs up the telephony leg, which winds down the whole call.
func (s *Session) Close() error {
	return s.tel.Close()
}

// Done is closed once both legs are inactive.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) Wait(ctx context.Context) error {
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Summary is the final call record. It is only meaningful after Done.
func (s *Session) Summary() Summary {
	select {
	case <-s.done:
		return s.final
	default:
		return Summary{CallID: s.id}
	}
}

// Snapshot reports the current call state as seen by the event loop.
func (s *Session) Snapshot(ctx context.Context) (Summary, error) {
	reply := make(chan Summary, 1)
	select {
	case s.mailbox <- event{kind: evSnapshot, reply: reply}:
	case <-s.done:
		return s.final, nil
	case <-ctx.Done():
		return Summary{}, ctx.Err()
	}
	select {
	case sum := <-reply:
		return sum, nil
	case <-s.done:
		return s.final, nil
	case <-ctx.Done():
		return Summary{}, ctx.Err()
	}
}

func (s *Session) OnTelephonyEvent(ev telephony.Event) {
	s.post(event{kind: evTelephony, tel: ev})
}

func (s *Session) OnTelephonyMalformed(raw []byte, err error) {
	s.post(event{kind: evTelephonyMalformed, raw: raw, err: err})
}

func (s *Session) OnTelephonyError(err error) {
	s.post(event{kind: evTelephonyError, err: err})
}

func (s *Session) OnTelephonyClose() {
	s.post(event{kind: evTelephonyClose})
}

func (s *Session) OnAIOpen(leg realtime.Sender) {
	s.post(event{kind: evAIOpen, leg: leg})
}

func (s *Session) OnAIEvent(ev realtime.ServerEvent) {
	s.post(event{kind: evAIEvent, ai: ev})
}

func (s *Session) OnAIMalformed(raw []byte, err error) {
	s.post(event{kind: evAIMalformed, raw: raw, err: err})
}

func (s *Session) OnAIError(err error) {
	s.post(event{kind: evAIError, err: err})
}

func (s *Session) OnAIClose() {
	s.post(event{kind: evAIClose})
}

func (s *Session) post(ev event) {
	select {
	case s.mailbox <- ev:
	case <-s.done:
	}
}

func (s *Session) run() {
	for ev := range s.mailbox {
		s.handle(ev)
		if s.state == StateClosing && !s.telephonyOpen && !s.aiActive {
			s.finish()
			return
		}
	}
}

func (s *Session) dial() {
	backoff := retry.WithMaxRetries(uint64(s.settings.DialAttempts-1), retry.NewExponential(s.settings.DialBackoff))
	attempt := 0
	err := retry.Do(s.dialCtx, backoff, func(ctx context.Context) error {
		attempt++
		err := s.dialer.Connect(ctx, s)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return err
		}
		var de *realtime.DialError
		if errors.As(err, &de) && !de.Retryable() {
			return err
		}
		if attempt < s.settings.DialAttempts {
			s.logger.Warn("ai dial attempt failed", "attempt", attempt, "error", err)
		}
		return retry.RetryableError(err)
	})
	if err == nil {
		return
	}
	if s.dialCtx.Err() == nil {
		s.OnAIError(fmt.Errorf("connect ai: %w", err))
	}
	s.OnAIClose()
}

func (s *Session) handle(ev event) {
	switch ev.kind {
	case evTelephony:
		s.handleTelephony(ev.tel)
	case evTelephonyMalformed:
		s.stats.TelephonyMalformed++
		s.logger.Warn("malformed telephony frame", "raw", truncate(ev.raw), "error", ev.err)
	case evTelephonyError:
		s.logger.Warn("telephony leg error", "error", ev.err)
	case evTelephonyClose:
		s.handleTelephonyClose()
	case evAIOpen:
		s.handleAIOpen(ev.leg)
	case evAIEvent:
		s.handleAI(ev.ai)
	case evAIMalformed:
		s.stats.AIMalformed++
		s.logger.Warn("malformed ai frame", "raw", truncate(ev.raw), "error", ev.err)
	case evAIError:
		s.logger.Warn("ai leg error", "error", ev.err)
	case evAIClose:
		s.handleAIClose()
	case evSendConfig:
		s.sendConfig()
	case evSnapshot:
		ev.reply <- s.summary()
	}
}

func (s *Session) handleTelephony(ev telephony.Event) {
	switch ev.Kind {
	case telephony.EventStart:
		if s.streamSID != "" && s.streamSID != ev.StreamSID {
			s.logger.Warn("stream sid replaced", "previous_stream_sid", s.streamSID, "stream_sid", ev.StreamSID)
		}
		s.streamSID = ev.StreamSID
		if ev.Start != nil {
			s.callSID = ev.Start.CallSID
		}
		s.logger.Info("incoming stream started", "stream_sid", s.streamSID, "call_sid", s.callSID)
		if !s.startAnnounced {
			s.startAnnounced = true
			s.publish(callevents.TypeCallStarted, callevents.CallStarted{
				CallID:    s.id,
				StreamSID: s.streamSID,
				CallSID:   s.callSID,
				StartedAt: s.startedAt,
			})
		}
	case telephony.EventMedia:
		s.forwardMedia(ev)
	case telephony.EventStop:
		s.logger.Info("stream stopped", "stream_sid", s.streamSID)
	default:
		if ev.Tag == "mark" && ev.Mark != nil {
			s.logger.Debug("playback mark reached", "mark", ev.Mark.Name, "sequence_number", ev.SequenceNumber)
			return
		}
		s.logger.Debug("telephony event ignored", "event", ev.Tag)
	}
}

func (s *Session) forwardMedia(ev telephony.Event) {
	if !s.aiOpen {
		s.stats.MediaDropped++
		s.logger.Debug("media dropped", "reason", "ai_not_open", "sequence_number", ev.SequenceNumber)
		return
	}
	if s.settings.GateAudioOnConfigured && !s.configured {
		s.stats.MediaDropped++
		s.logger.Debug("media dropped", "reason", "ai_not_configured", "sequence_number", ev.SequenceNumber)
		return
	}
	if err := s.ai.AppendAudio(ev.Media.Payload); err != nil {
		s.stats.MediaDropped++
		s.logger.Warn("media forward failed", "sequence_number", ev.SequenceNumber, "error", err)
		return
	}
	s.stats.MediaToAI++
	s.markActive()
}

func (s *Session) handleTelephonyClose() {
	s.telephonyOpen = false
	s.logger.Info("telephony leg closed")
	if s.aiOpen {
		s.aiOpen = false
		_ = s.ai.Close()
	}
	if s.dialCancel != nil {
		s.dialCancel()
	}
	s.stopTimer()
	s.enterClosing()
}

func (s *Session) handleAIOpen(leg realtime.Sender) {
	s.ai = leg
	s.aiOpen = true
	s.aiConnected = true
	if !s.telephonyOpen {
		s.aiOpen = false
		_ = leg.Close()
		return
	}
	s.logger.Info("ai leg open")
	s.advance(StateAiReady)
	s.stopConfigTimer = s.afterFunc(s.settings.ConfigDelay, func() {
		s.post(event{kind: evSendConfig})
	})
}

// sendConfig makes a single session.update attempt. Only a successful send
// marks the call configured, so a failed attempt keeps gated audio held back.
func (s *Session) sendConfig() {
	if s.configAttempted || !s.aiOpen {
		return
	}
	s.configAttempted = true
	s.stopConfigTimer = nil
	if err := s.ai.SendSessionUpdate(s.settings.Session); err != nil {
		s.logger.Warn("session update failed", "error", err)
		return
	}
	s.configured = true
	s.stats.ConfigSent++
	s.logger.Info("session update sent")
	s.advance(StateConfigured)
}

func (s *Session) handleAI(ev realtime.ServerEvent) {
	switch ev.Kind {
	case realtime.EventSessionCreated, realtime.EventSessionUpdated:
		s.logger.Info("ai event", "type", ev.Type)
	case realtime.EventAudioDelta:
		s.relayAudio(ev.Delta)
	case realtime.EventAudioDone:
		s.markResponseEnd(ev)
	case realtime.EventSpeechStarted:
		s.interruptPlayback(ev)
	case realtime.EventError:
		s.stats.AIServerErrors++
		args := []any{"type", ev.Type}
		if ev.Error != nil {
			args = append(args,
				"error_type", ev.Error.Type,
				"error_code", ev.Error.Code,
				"error_message", ev.Error.Message,
			)
		}
		s.logger.Warn("ai server error", args...)
	default:
		s.logger.Debug("ai event ignored", "type", ev.Type)
	}
}

// interruptPlayback drops audio the caller has not heard yet once they start
// talking over the assistant.
func (s *Session) interruptPlayback(ev realtime.ServerEvent) {
	s.logger.Info("caller speech started", "item_id", ev.ItemID)
	if s.streamSID == "" {
		return
	}
	if err := s.tel.SendClear(s.streamSID); err != nil {
		s.logger.Warn("clear playback failed", "error", err)
		return
	}
	s.stats.ClearsSent++
}

// markResponseEnd asks the caller's leg to echo a mark once the response's
// audio has played out.
func (s *Session) markResponseEnd(ev realtime.ServerEvent) {
	if s.streamSID == "" {
		return
	}
	name := ev.ResponseID
	if name == "" {
		name = "response"
	}
	if err := s.tel.SendMark(s.streamSID, name); err != nil {
		s.logger.Warn("playback mark failed", "mark", name, "error", err)
		return
	}
	s.stats.MarksSent++
}

func (s *Session) relayAudio(delta string) {
	if delta == "" {
		return
	}
	if s.streamSID == "" {
		s.stats.AudioDropped++
		s.logger.Debug("audio dropped", "reason", "stream_not_started")
		return
	}
	decoded, err := base64.StdEncoding.DecodeString(delta)
	if err != nil {
		s.stats.AIMalformed++
		s.logger.Warn("malformed audio delta", "raw", truncate([]byte(delta)), "error", err)
		return
	}
	if err := s.tel.SendMedia(s.streamSID, base64.StdEncoding.EncodeToString(decoded)); err != nil {
		s.stats.AudioDropped++
		s.logger.Warn("audio relay failed", "error", err)
		return
	}
	s.stats.AudioToCaller++
	s.markActive()
}

func (s *Session) handleAIClose() {
	s.aiOpen = false
	s.aiActive = false
	s.logger.Info("ai leg closed")
	s.stopTimer()
	s.enterClosing()
}

func (s *Session) advance(to State) {
	if s.state >= StateClosing || to <= s.state {
		return
	}
	s.state = to
}

func (s *Session) markActive() {
	if s.state == StateConfigured {
		s.state = StateActive
	}
}

func (s *Session) enterClosing() {
	if s.state < StateClosing {
		s.state = StateClosing
	}
}

func (s *Session) stopTimer() {
	if s.stopConfigTimer != nil {
		s.stopConfigTimer()
		s.stopConfigTimer = nil
	}
}

func (s *Session) finish() {
	s.state = StateClosed
	s.stopTimer()
	if s.dialCancel != nil {
		s.dialCancel()
	}
	s.final = s.summary()

	duration := s.now().Sub(s.startedAt)
	s.logger.Info("call ended",
		"stream_sid", s.streamSID,
		"duration_ms", duration.Milliseconds(),
		"media_to_ai", s.stats.MediaToAI,
		"media_dropped", s.stats.MediaDropped,
		"audio_to_caller", s.stats.AudioToCaller,
		"audio_dropped", s.stats.AudioDropped,
		"malformed", s.stats.TelephonyMalformed+s.stats.AIMalformed,
	)
	s.publish(callevents.TypeCallEnded, callevents.CallEnded{
		CallID:          s.id,
		StreamSID:       s.streamSID,
		CallSID:         s.callSID,
		DurationMS:      duration.Milliseconds(),
		FinalState:      s.state.String(),
		AIConnected:     s.aiConnected,
		FramesToAI:      s.stats.MediaToAI,
		FramesToCaller:  s.stats.AudioToCaller,
		DroppedToAI:     s.stats.MediaDropped,
		DroppedToCaller: s.stats.AudioDropped,
		Malformed:       s.stats.TelephonyMalformed + s.stats.AIMalformed,
	})
	close(s.done)
}

func (s *Session) summary() Summary {
	return Summary{
		CallID:      s.id,
		StreamSID:   s.streamSID,
		CallSID:     s.callSID,
		State:       s.state,
		AIConnected: s.aiConnected,
		Configured:  s.configured,
		Stats:       s.stats,
	}
}

func (s *Session) publish(eventType string, data any) {
	env := callevents.NewEnvelope(eventType, s.id, data, s.now())
	if err := s.events.Publish(context.Background(), env); err != nil {
		s.logger.Warn("call event not published", "type", eventType, "error", err)
	}
}

func truncate(raw []byte) string {
	if len(raw) <= maxLoggedPayload {
		return string(raw)
	}
	return string(raw[:maxLoggedPayload]) + "..."
}
