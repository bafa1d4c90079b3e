package engine

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/twilio/twilio-go/twiml"

	"github.com/ushauri/voicegateway/model"
)

// Webhook paths served by the HTTP layer. They appear inside generated TwiML
// (gather actions and poll redirects), so they are owned by the engine.
const (
	PathStartCall      = "/start-call"
	PathSpeechCaptured = "/speech-captured"
	PathTranscription  = "/transcription"
	PathPollTurn       = "/poll-turn"
)

const (
	voiceName = "alice"
	voiceLang = "en-US"

	// failReasonTranscript marks a pending turn failed because the gateway
	// could not transcribe the recording.
	failReasonTranscript = "transcript-missing"

	// reassureEvery is the poll cadence for the interim "still processing"
	// message.
	reassureEvery = 5
)

// AnswerFetcher is the single outbound operation against the remote answer
// service. Implementations resolve to an answer or a typed failure and never
// panic across this boundary.
type AnswerFetcher interface {
	Fetch(ctx context.Context, turns []model.Message) (string, error)
}

// failureReasoner is implemented by answer-service errors that carry a
// machine-readable failure reason.
type failureReasoner interface {
	FailureReason() string
}

// Config carries the protocol tunables. The poll budget must exceed the
// answer-service deadline so a slow upstream resolves within the loop.
type Config struct {
	MaxPolls        int
	SpeechMaxLen    int
	ConversationTTL time.Duration
	PendingTTL      time.Duration
	SweepInterval   time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxPolls <= 0 {
		c.MaxPolls = 40
	}
	if c.SpeechMaxLen <= 0 {
		c.SpeechMaxLen = DefaultMaxChunkLen
	}
	if c.ConversationTTL <= 0 {
		c.ConversationTTL = time.Hour
	}
	if c.PendingTTL <= 0 {
		c.PendingTTL = 5 * time.Minute
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 30 * time.Minute
	}
	return c
}

// Engine is the turn state machine. Each webhook-shaped method takes the
// event for one call and returns the spoken instruction list the gateway
// should execute next; the HTTP layer only renders it. The stores are owned
// here and never escape.
type Engine struct {
	clock         Clock
	fetcher       AnswerFetcher
	conversations *ConversationStore
	pending       *PendingRegistry
	cfg           Config
	log           zerolog.Logger

	spawnCtx context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// Option configures the engine.
type Option func(*Engine)

// WithClock replaces the real-time clock, usually with a ManualClock in tests.
func WithClock(c Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithLogger sets the engine logger.
func WithLogger(l zerolog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// WithConfig overrides the protocol tunables.
func WithConfig(cfg Config) Option {
	return func(e *Engine) { e.cfg = cfg }
}

// New creates an engine around the given answer fetcher.
func New(fetcher AnswerFetcher, opts ...Option) *Engine {
	e := &Engine{
		clock:   NewAutoClock(),
		fetcher: fetcher,
		log:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.cfg = e.cfg.withDefaults()
	e.conversations = NewConversationStore(e.clock)
	e.pending = NewPendingRegistry(e.clock)
	e.spawnCtx, e.cancel = context.WithCancel(context.Background())
	return e
}

// Close cancels in-flight answer requests and waits for their goroutines.
// Cancellation is best-effort; requests already past their deadline have
// resolved or failed on their own.
func (e *Engine) Close() {
	e.cancel()
	e.wg.Wait()
}

// StartCall registers a new conversation and returns the greeting plus the
// first speech capture.
func (e *Engine) StartCall(callSID string) []twiml.Element {
	created := e.conversations.GetOrCreate(callSID)
	e.log.Info().Str("call_sid", callSID).Bool("new", created).
		Int("active_conversations", e.conversations.Len()).
		Int("pending_turns", e.pending.Len()).
		Msg("call started")

	verbs := []twiml.Element{e.say(greetingText)}
	verbs = append(verbs, e.gather(callSID))
	verbs = append(verbs, e.say(noInputText), &twiml.VoiceHangup{})
	return verbs
}

// SpeechCaptured handles a transcript arriving inline with the webhook. An
// empty transcript re-prompts without touching state. Otherwise the user
// turn begins and the caller is sent into the poll loop while the answer
// request runs in the background.
func (e *Engine) SpeechCaptured(callSID, transcript string) []twiml.Element {
	if !e.conversations.Touch(callSID) {
		if _, ok := e.pending.Get(callSID); !ok {
			return e.orphaned(callSID)
		}
	}

	transcript = strings.TrimSpace(transcript)
	if transcript == "" {
		e.log.Info().Str("call_sid", callSID).Msg("empty transcript, re-prompting")
		return []twiml.Element{e.say(repromptText), e.gather(callSID)}
	}

	if err := e.beginTurn(callSID, transcript); err != nil {
		if errors.Is(err, ErrTurnInFlight) {
			e.log.Warn().Str("call_sid", callSID).Msg("turn already in flight, rejoining poll loop")
			return []twiml.Element{
				e.say(stillWorkingText),
				e.pause(1),
				e.redirectToPoll(callSID, 1),
			}
		}
		e.log.Error().Err(err).Str("call_sid", callSID).Msg("could not begin turn")
		return []twiml.Element{e.say(apologyText), e.gather(callSID)}
	}

	return []twiml.Element{e.pause(1), e.redirectToPoll(callSID, 1)}
}

// TranscriptionArrived handles the asynchronous record-then-transcribe
// callback. There is no caller on the line for this webhook, so it returns
// nothing to speak; the poll loop started by the capture step picks up the
// outcome.
func (e *Engine) TranscriptionArrived(callSID, status, text string) {
	text = strings.TrimSpace(text)
	switch {
	case status == "completed" && text != "":
		if err := e.beginTurn(callSID, text); err != nil {
			e.log.Warn().Err(err).Str("call_sid", callSID).Msg("transcription ignored")
		}
	case status == "failed":
		e.log.Warn().Str("call_sid", callSID).Msg("transcription failed")
		e.pending.Fail(callSID, failReasonTranscript)
	default:
		e.log.Debug().Str("call_sid", callSID).Str("status", status).Msg("ignoring transcription status")
	}
}

// beginTurn appends the user message, registers the pending turn, and spawns
// the answer request. ErrTurnInFlight means a previous turn is still
// unresolved and the new utterance is ignored.
func (e *Engine) beginTurn(callSID, transcript string) error {
	turn := e.conversations.TurnCount(callSID) + 1
	if err := e.pending.Begin(callSID, turn); err != nil {
		return err
	}
	e.conversations.Append(callSID, model.RoleUser, transcript)
	e.conversations.NextTurn(callSID)
	e.log.Info().Str("call_sid", callSID).Int("turn", turn).Msg("turn begun")

	history, _ := e.conversations.History(callSID)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		answer, err := e.fetcher.Fetch(e.spawnCtx, history)
		if err != nil {
			reason := "error"
			var fr failureReasoner
			if errors.As(err, &fr) {
				reason = fr.FailureReason()
			}
			e.log.Warn().Err(err).Str("call_sid", callSID).Int("turn", turn).
				Str("reason", reason).Msg("answer request failed")
			e.pending.Fail(callSID, reason)
			return
		}
		if !e.pending.Resolve(callSID, answer) {
			e.log.Debug().Str("call_sid", callSID).Int("turn", turn).
				Msg("answer arrived for a consumed or expired turn")
			return
		}
		e.log.Info().Str("call_sid", callSID).Int("turn", turn).Msg("answer ready")
	}()
	return nil
}

// PollTurn is the re-entrant polling step. The gateway invokes it after each
// short pause until the pending turn resolves, fails, or the poll budget runs
// out; every outcome speaks something and leaves the call in a recoverable
// state.
func (e *Engine) PollTurn(callSID string, poll, maxPolls int) []twiml.Element {
	if poll < 1 {
		poll = 1
	}
	if maxPolls <= 0 {
		maxPolls = e.cfg.MaxPolls
	}

	known := e.conversations.Touch(callSID)
	entry, hasPending := e.pending.Get(callSID)
	if !known && !hasPending {
		return e.orphaned(callSID)
	}

	switch {
	case hasPending && entry.Status == model.PendingReady:
		taken, ok := e.pending.Take(callSID)
		if !ok {
			// Consumed between Get and Take; only a duplicate poll delivery
			// can do this, and it must not error.
			return e.keepPolling(callSID, poll, maxPolls)
		}
		e.conversations.Append(callSID, model.RoleAssistant, taken.Answer)
		e.log.Info().Str("call_sid", callSID).Int("turn", taken.TurnNumber).
			Int("poll", poll).Msg("delivering answer")
		verbs := e.sayChunked(taken.Answer)
		verbs = append(verbs,
			e.pause(1),
			e.say(followUpPrompt(e.conversations.TurnCount(callSID))),
			e.gather(callSID),
		)
		return verbs

	case hasPending && entry.Status == model.PendingFailed:
		e.pending.Take(callSID)
		e.log.Warn().Str("call_sid", callSID).Str("reason", entry.FailReason).
			Int("poll", poll).Msg("turn failed, apologizing")
		return []twiml.Element{e.say(apologyText), e.gather(callSID)}

	case poll >= maxPolls:
		e.pending.Drop(callSID)
		e.log.Warn().Str("call_sid", callSID).Int("poll", poll).
			Msg("poll budget exhausted, dropping stale turn")
		return []twiml.Element{e.say(apologyText), e.gather(callSID)}

	default:
		return e.keepPolling(callSID, poll, maxPolls)
	}
}

func (e *Engine) keepPolling(callSID string, poll, maxPolls int) []twiml.Element {
	verbs := []twiml.Element{e.pause(1)}
	if poll%reassureEvery == 0 {
		verbs = append(verbs, e.say(reassuranceText))
	}
	verbs = append(verbs, &twiml.VoiceRedirect{
		Url:    pollURL(callSID, poll+1, maxPolls),
		Method: "POST",
	})
	return verbs
}

// RunSweeper garbage-collects both stores on a fixed interval until ctx is
// cancelled. Sweeps are best-effort hygiene and never fatal.
func (e *Engine) RunSweeper(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-e.clock.After(e.cfg.SweepInterval):
			e.SweepOnce()
		}
	}
}

// SweepOnce runs a single expiry pass over both stores.
func (e *Engine) SweepOnce() {
	now := e.clock.Now()
	conversations := e.conversations.SweepExpired(now, e.cfg.ConversationTTL)
	pending := e.pending.SweepExpired(now, e.cfg.PendingTTL)
	if conversations > 0 || pending > 0 {
		e.log.Info().Int("conversations", conversations).Int("pending_turns", pending).
			Msg("swept expired records")
	}
}

// Snapshot returns the content-free state view served by the debug endpoint.
func (e *Engine) Snapshot() model.StateSnapshot {
	return model.StateSnapshot{
		Conversations: e.conversations.Snapshot(),
		PendingTurns:  e.pending.Snapshot(),
		Timestamp:     e.clock.Now(),
	}
}

func (e *Engine) orphaned(callSID string) []twiml.Element {
	e.log.Warn().Str("call_sid", callSID).Msg("webhook for unknown call, hanging up")
	return []twiml.Element{e.say(orphanedText), &twiml.VoiceHangup{}}
}

// sayChunked speaks long text as a sequence of bounded Say verbs with short
// pauses between them.
func (e *Engine) sayChunked(text string) []twiml.Element {
	chunks := ChunkSpeech(text, e.cfg.SpeechMaxLen)
	verbs := make([]twiml.Element, 0, len(chunks)*2)
	for i, chunk := range chunks {
		if i > 0 {
			verbs = append(verbs, e.pause(1))
		}
		verbs = append(verbs, e.say(chunk))
	}
	return verbs
}

func (e *Engine) say(message string) *twiml.VoiceSay {
	return &twiml.VoiceSay{
		Message:  message,
		Voice:    voiceName,
		Language: voiceLang,
	}
}

func (e *Engine) gather(callSID string) *twiml.VoiceGather {
	return &twiml.VoiceGather{
		Input:         "speech",
		Action:        captureURL(callSID),
		Method:        "POST",
		SpeechTimeout: "auto",
		Language:      voiceLang,
	}
}

func (e *Engine) redirectToPoll(callSID string, poll int) *twiml.VoiceRedirect {
	return &twiml.VoiceRedirect{
		Url:    pollURL(callSID, poll, e.cfg.MaxPolls),
		Method: "POST",
	}
}

func (e *Engine) pause(seconds int) *twiml.VoicePause {
	return &twiml.VoicePause{Length: fmt.Sprintf("%d", seconds)}
}

func captureURL(callSID string) string {
	return fmt.Sprintf("%s?callId=%s", PathSpeechCaptured, url.QueryEscape(callSID))
}

func pollURL(callSID string, poll, maxPolls int) string {
	return fmt.Sprintf("%s?callId=%s&poll=%d&maxPolls=%d",
		PathPollTurn, url.QueryEscape(callSID), poll, maxPolls)
}
