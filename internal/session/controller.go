package session

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/ashureev/hearthly/internal/cache"
	"github.com/ashureev/hearthly/internal/convlog"
	"github.com/ashureev/hearthly/internal/domain"
	"github.com/ashureev/hearthly/internal/metrics"
	"github.com/ashureev/hearthly/internal/speech"
	"github.com/oklog/ulid/v2"
)

const (
	persistTimeout = 5 * time.Second

	// voiceMessageText stands in for a user utterance that was only sent as audio.
	voiceMessageText = "(voice message)"

	failureBackend = "backend_unavailable"
)

// Mode is how the user talks to the agent.
type Mode string

const (
	ModeVoice Mode = "voice"
	ModeText  Mode = "text"
)

// StartRequest asks the controller to begin listening.
type StartRequest struct {
	Mode             Mode `json:"mode"`
	MicrophoneDenied bool `json:"microphone_denied"`
}

// EndReason records why a session terminated.
type EndReason string

const (
	EndReasonCancel   EndReason = "cancel"
	EndReasonUser     EndReason = "user"
	EndReasonTimeout  EndReason = "timeout"
	EndReasonTeardown EndReason = "teardown"
)

// EndRequest asks the controller to end the session as completed.
type EndRequest struct {
	Reason  EndReason `json:"reason"`
	Summary string    `json:"summary"`
}

// SummaryPolicy decides the summary stored when none is supplied.
type SummaryPolicy string

const (
	SummaryNone             SummaryPolicy = "none"
	SummaryLastAgentMessage SummaryPolicy = "last_agent_message"
)

// ParseSummaryPolicy validates a configured policy name.
func ParseSummaryPolicy(s string) (SummaryPolicy, error) {
	switch SummaryPolicy(s) {
	case "", SummaryNone:
		return SummaryNone, nil
	case SummaryLastAgentMessage:
		return SummaryLastAgentMessage, nil
	default:
		return "", fmt.Errorf("unknown summary policy %q", s)
	}
}

// Snapshot is the observable state of a controller at one instant.
type Snapshot struct {
	UserID            string       `json:"user_id"`
	State             domain.State `json:"state"`
	SessionID         string       `json:"session_id,omitempty"`
	StartedAt         *time.Time   `json:"started_at,omitempty"`
	Deadline          *time.Time   `json:"deadline,omitempty"`
	RemainingSeconds  int64        `json:"remaining_seconds"`
	RemainingSessions int          `json:"remaining_sessions"`
	ReplyAudio        string       `json:"reply_audio,omitempty"` // base64, for delegated playback
	Failure           string       `json:"failure,omitempty"`
}

// Listener observes controller changes. It is called with the controller
// locked and must not call back into it or block.
type Listener func(Snapshot)

// QuotaStore is the quota surface the controller needs. Charges are keyed
// by session so a session is never charged twice.
type QuotaStore interface {
	GetRemaining(ctx context.Context, userID string) int
	Charge(ctx context.Context, userID, sessionID string) (int, error)
	Settle(ctx context.Context, userID, sessionID string) (int, bool, error)
	Cached(ctx context.Context, userID string) int
}

// RecordStore persists session records and their messages.
type RecordStore interface {
	CreateChatSession(ctx context.Context, cs *domain.ChatSession) error
	GetChatSession(ctx context.Context, id string) (*domain.ChatSession, error)
	GetOpenChatSession(ctx context.Context, userID string) (*domain.ChatSession, error)
	EndChatSession(ctx context.Context, id string, endedAt time.Time, completed bool, summary *string) (bool, error)
	AddChatMessage(ctx context.Context, msg *domain.ChatMessage) error
}

// Options tune a controller.
type Options struct {
	MaxDuration   time.Duration
	TimerTick     time.Duration
	ReplyTimeout  time.Duration
	StartPolicy   StartPolicy
	SummaryPolicy SummaryPolicy
	Messages      Messages
}

// DefaultOptions returns the production defaults.
func DefaultOptions() Options {
	return Options{
		MaxDuration:   10 * time.Minute,
		TimerTick:     time.Second,
		ReplyTimeout:  45 * time.Second,
		StartPolicy:   StartPolicyIgnore,
		SummaryPolicy: SummaryNone,
		Messages:      DefaultMessages(),
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.MaxDuration <= 0 {
		o.MaxDuration = d.MaxDuration
	}
	if o.TimerTick <= 0 {
		o.TimerTick = d.TimerTick
	}
	if o.ReplyTimeout <= 0 {
		o.ReplyTimeout = d.ReplyTimeout
	}
	if o.StartPolicy == "" {
		o.StartPolicy = d.StartPolicy
	}
	if o.SummaryPolicy == "" {
		o.SummaryPolicy = d.SummaryPolicy
	}
	o.Messages = o.Messages.WithDefaults()
	return o
}

// Deps are the collaborators shared by every controller.
type Deps struct {
	Quota   QuotaStore
	Records RecordStore
	Cache   cache.Store
	Backend speech.Backend
	ConvLog convlog.Logger
	Logger  *slog.Logger
}

// Controller drives one user's session. All methods are safe for concurrent use.
type Controller struct {
	userID string
	opts   Options
	deps   Deps
	timer  *Timer
	logger *slog.Logger
	now    func() time.Time

	mu        sync.Mutex
	state     domain.State
	handle    string
	mode      Mode
	started   bool // left Idle during the current session
	charged   bool
	turn      uint64
	inflight  context.CancelFunc
	lastAgent string
	lastAudio string
	failure   string
	remaining int
	unsettled []settlement
	listeners []Listener
}

// settlement is persistence owed by a session that terminated while the
// store was unreachable.
type settlement struct {
	sessionID string
	charge    bool
	end       bool
	endedAt   time.Time
	completed bool
	summary   *string
}

// NewController creates an idle controller for userID.
func NewController(userID string, deps Deps, opts Options) *Controller {
	opts = opts.withDefaults()
	if deps.Cache == nil {
		deps.Cache = cache.NewMemory()
	}
	if deps.ConvLog == nil {
		deps.ConvLog = convlog.Noop{}
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	c := &Controller{
		userID: userID,
		opts:   opts,
		deps:   deps,
		timer:  NewTimer(opts.MaxDuration, opts.TimerTick),
		logger: logger.With("user_id", userID),
		now:    time.Now,
		state:  Initial(opts.Messages),
	}
	c.remaining = deps.Quota.Cached(context.Background(), userID)
	return c
}

// UserID returns the owner of this controller.
func (c *Controller) UserID() string {
	return c.userID
}

// OnChange registers l for every subsequent change.
func (c *Controller) OnChange(l Listener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, l)
}

// State returns the current state.
func (c *Controller) State() domain.State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SessionID returns the active session handle, empty when none.
func (c *Controller) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handle
}

// Snapshot returns the current observable state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// Refresh re-reads the remaining quota and returns a snapshot.
func (c *Controller) Refresh(ctx context.Context) Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.remaining = c.deps.Quota.GetRemaining(ctx, c.userID)
	return c.snapshotLocked()
}

// RequestStart begins listening, opening a new session when idle.
func (c *Controller) RequestStart(ctx context.Context, req StartRequest) (Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	err := c.startLocked(ctx, req)
	return c.snapshotLocked(), err
}

func (c *Controller) startLocked(ctx context.Context, req StartRequest) error {
	switch req.Mode {
	case "":
		req.Mode = ModeVoice
	case ModeVoice, ModeText:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidMode, req.Mode)
	}

	switch c.state.Status {
	case domain.StatusIdle:
	case domain.StatusListening:
		if c.opts.StartPolicy == StartPolicyRestart {
			c.turn++
			c.mode = req.Mode
			c.setStateLocked(domain.State{Status: domain.StatusListening, Message: c.opts.Messages.Listening}, true)
		}
		return nil
	default:
		return fmt.Errorf("%w: start while %s", ErrInvalidTransition, c.state.Status)
	}

	if req.Mode == ModeVoice && req.MicrophoneDenied {
		c.logger.Info("session start refused, microphone denied")
		return ErrMicrophoneDenied
	}

	if !c.started {
		c.settleLocked(ctx)
		c.remaining = c.deps.Quota.GetRemaining(ctx, c.userID)
		if c.remaining <= 0 {
			metrics.QuotaRefusals.Inc()
			c.logger.Info("session start refused, quota exhausted")
			return ErrQuotaExhausted
		}
	}

	next, err := Transition(c.state, Event{Kind: EventStartListening}, c.opts.Messages, c.opts.StartPolicy)
	if err != nil {
		return err
	}
	c.mode = req.Mode
	if !c.started {
		c.beginSessionLocked(ctx)
	}
	c.setStateLocked(next, false)
	return nil
}

func (c *Controller) beginSessionLocked(ctx context.Context) {
	now := c.now()
	handle, startedAt := c.acquireHandleLocked(ctx, now)

	c.handle = handle
	c.started = true
	c.charged = false
	c.lastAgent = ""
	c.lastAudio = ""
	c.failure = ""
	c.timer.Start(startedAt, func() { c.expire(handle) })

	metrics.RecordSessionStarted()
	c.logger.Info("session started", "session_id", handle, "mode", c.mode)
	c.deps.ConvLog.Log(convlog.Event{
		UserID:    c.userID,
		SessionID: handle,
		Channel:   string(c.mode),
		Direction: "internal",
		EventType: convlog.EventSessionStart,
	})
}

// acquireHandleLocked returns the session to continue: the cached handle,
// else the newest open record, else a freshly created one.
func (c *Controller) acquireHandleLocked(ctx context.Context, now time.Time) (string, time.Time) {
	key := cache.ActiveSessionKey(c.userID)

	id, ok, err := c.deps.Cache.Get(ctx, key)
	if err != nil {
		c.logger.Warn("failed to read active session from cache", "error", err)
	}
	if ok && id != "" {
		rec, err := c.deps.Records.GetChatSession(ctx, id)
		switch {
		case err != nil && !c.unsettledLocked(id):
			metrics.RecordPersistenceError("session_get")
			c.logger.Warn("failed to load cached session, continuing with it", "session_id", id, "error", err)
			return id, now
		case c.resumable(rec, now):
			c.logger.Info("resuming active session", "session_id", id)
			return id, rec.StartedAt
		}
		if err := c.deps.Cache.Delete(ctx, key); err != nil {
			c.logger.Warn("failed to clear stale session handle", "session_id", id, "error", err)
		}
	}

	rec, err := c.deps.Records.GetOpenChatSession(ctx, c.userID)
	if err != nil {
		metrics.RecordPersistenceError("session_get_open")
		c.logger.Warn("failed to look up open session", "error", err)
	} else if c.resumable(rec, now) {
		c.logger.Info("resuming open session", "session_id", rec.ID)
		c.rememberHandle(ctx, rec.ID)
		return rec.ID, rec.StartedAt
	}

	id = newSessionID(now)
	if err := c.deps.Records.CreateChatSession(ctx, &domain.ChatSession{
		ID:        id,
		UserID:    c.userID,
		StartedAt: now,
	}); err != nil {
		metrics.RecordPersistenceError("session_create")
		c.logger.Warn("failed to persist session record, using local handle", "session_id", id, "error", err)
	}
	c.rememberHandle(ctx, id)
	return id, now
}

// resumable reports whether rec is this user's open session with time left.
// A session that was already charged has terminated even if its record
// could not be closed. Expired records are left for the sweeper.
func (c *Controller) resumable(rec *domain.ChatSession, now time.Time) bool {
	return rec != nil &&
		rec.IsOpen() &&
		!rec.Charged &&
		!c.unsettledLocked(rec.ID) &&
		rec.UserID == c.userID &&
		remaining(rec.StartedAt, c.opts.MaxDuration, now) > 0
}

func (c *Controller) unsettledLocked(id string) bool {
	for _, s := range c.unsettled {
		if s.sessionID == id {
			return true
		}
	}
	return false
}

// settleLocked retries the charges and closes owed by earlier sessions.
func (c *Controller) settleLocked(ctx context.Context) {
	if len(c.unsettled) == 0 {
		return
	}
	kept := c.unsettled[:0]
	for _, s := range c.unsettled {
		if s.charge {
			n, _, err := c.deps.Quota.Settle(ctx, c.userID, s.sessionID)
			if err != nil {
				c.logger.Warn("session charge still unsettled", "session_id", s.sessionID, "error", err)
				kept = append(kept, s)
				continue
			}
			c.remaining = n
			s.charge = false
		}
		if s.end {
			if _, err := c.deps.Records.EndChatSession(ctx, s.sessionID, s.endedAt, s.completed, s.summary); err != nil {
				metrics.RecordPersistenceError("session_end")
				c.logger.Warn("session record still open", "session_id", s.sessionID, "error", err)
				kept = append(kept, s)
				continue
			}
		}
		c.logger.Info("settled terminated session", "session_id", s.sessionID)
	}
	c.unsettled = kept
}

// Owns reports whether sessionID is the active session or one whose
// termination is still being persisted.
func (c *Controller) Owns(sessionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return sessionID != "" && (c.handle == sessionID || c.unsettledLocked(sessionID))
}

func (c *Controller) rememberHandle(ctx context.Context, id string) {
	if err := c.deps.Cache.Set(ctx, cache.ActiveSessionKey(c.userID), id); err != nil {
		c.logger.Warn("failed to cache active session", "session_id", id, "error", err)
	}
}

func newSessionID(now time.Time) string {
	return ulid.MustNew(ulid.Timestamp(now), rand.Reader).String()
}

// RequestStop ends the capture and sends audio to the backend.
func (c *Controller) RequestStop(ctx context.Context, audio []byte) (Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(audio) == 0 {
		return c.snapshotLocked(), ErrEmptyInput
	}
	next, err := Transition(c.state, Event{Kind: EventStopListening}, c.opts.Messages, c.opts.StartPolicy)
	if err != nil {
		return c.snapshotLocked(), err
	}
	c.setStateLocked(next, false)
	c.recordUserMessageLocked(voiceMessageText, ModeVoice)

	backend := c.deps.Backend
	c.dispatchLocked(func(ctx context.Context) (*speech.Reply, error) {
		return backend.ProcessAudio(ctx, audio)
	})
	return c.snapshotLocked(), nil
}

// SubmitText sends a typed utterance. From Idle it first starts a text-mode
// session.
func (c *Controller) SubmitText(ctx context.Context, text string) (Snapshot, error) {
	text = strings.TrimSpace(text)

	c.mu.Lock()
	defer c.mu.Unlock()

	if text == "" {
		return c.snapshotLocked(), ErrEmptyInput
	}
	if c.state.Status == domain.StatusIdle {
		if err := c.startLocked(ctx, StartRequest{Mode: ModeText}); err != nil {
			return c.snapshotLocked(), err
		}
	}

	next, err := Transition(c.state, Event{Kind: EventStopListening}, c.opts.Messages, c.opts.StartPolicy)
	if err != nil {
		return c.snapshotLocked(), err
	}
	c.setStateLocked(next, false)
	c.recordUserMessageLocked(text, ModeText)

	backend := c.deps.Backend
	c.dispatchLocked(func(ctx context.Context) (*speech.Reply, error) {
		return backend.ProcessText(ctx, text)
	})
	return c.snapshotLocked(), nil
}

type backendCall func(ctx context.Context) (*speech.Reply, error)

type backendResult struct {
	reply *speech.Reply
	err   error
}

// dispatchLocked starts a new turn and runs call in the background. The
// result is delivered even if call ignores its context.
func (c *Controller) dispatchLocked(call backendCall) {
	if c.inflight != nil {
		c.inflight()
	}
	c.turn++
	turn, handle := c.turn, c.handle

	ctx, cancel := context.WithTimeout(context.Background(), c.opts.ReplyTimeout)
	c.inflight = cancel

	go func() {
		defer cancel()

		start := time.Now()
		done := make(chan backendResult, 1)
		go func() {
			reply, err := call(ctx)
			done <- backendResult{reply: reply, err: err}
		}()

		var res backendResult
		select {
		case res = <-done:
		case <-ctx.Done():
			res.err = fmt.Errorf("%w: %w", speech.ErrUnavailable, ctx.Err())
		}
		metrics.RecordBackendCall(time.Since(start), res.err)
		c.deliver(handle, turn, res)
	}()
}

func (c *Controller) deliver(handle string, turn uint64, res backendResult) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.handle != handle || c.turn != turn || c.state.Status != domain.StatusProcessing {
		metrics.StaleReplies.Inc()
		c.logger.Info("discarding stale reply", "session_id", handle, "turn", turn)
		return
	}
	c.inflight = nil

	if res.err == nil && res.reply == nil {
		res.err = fmt.Errorf("%w: empty reply", speech.ErrUnavailable)
	}
	if res.err != nil {
		c.logger.Warn("speech backend failed", "session_id", handle, "error", res.err)
		c.failure = failureBackend
		c.lastAudio = ""
		c.deps.ConvLog.Log(convlog.Event{
			UserID:     c.userID,
			SessionID:  handle,
			Channel:    string(c.mode),
			Direction:  "internal",
			EventType:  convlog.EventReplyFailed,
			ContentRaw: res.err.Error(),
			Status:     "error",
		})
		next, _ := Transition(c.state, ResponseReceived(c.opts.Messages.Apology), c.opts.Messages, c.opts.StartPolicy)
		c.setStateLocked(next, false)
		return
	}

	next, _ := Transition(c.state, ResponseReceived(res.reply.Transcript), c.opts.Messages, c.opts.StartPolicy)
	c.failure = ""
	c.lastAudio = ""
	if len(res.reply.Audio) > 0 {
		c.lastAudio = base64.StdEncoding.EncodeToString(res.reply.Audio)
	}
	if res.reply.Transcript != "" {
		c.lastAgent = res.reply.Transcript
		c.persistMessageLocked(&domain.ChatMessage{
			SessionID: handle,
			Sender:    domain.SenderAgent,
			Text:      res.reply.Transcript,
		})
		c.deps.ConvLog.Log(convlog.Event{
			UserID:     c.userID,
			SessionID:  handle,
			Channel:    string(c.mode),
			Direction:  "outbound",
			EventType:  convlog.EventAgentReply,
			ContentRaw: res.reply.Transcript,
		})
	}
	c.setStateLocked(next, false)
}

func (c *Controller) recordUserMessageLocked(text string, mode Mode) {
	c.persistMessageLocked(&domain.ChatMessage{
		SessionID: c.handle,
		Sender:    domain.SenderUser,
		Text:      text,
	})
	c.deps.ConvLog.Log(convlog.Event{
		UserID:     c.userID,
		SessionID:  c.handle,
		Channel:    string(mode),
		Direction:  "inbound",
		EventType:  convlog.EventUserMessage,
		ContentRaw: text,
	})
}

func (c *Controller) persistMessageLocked(msg *domain.ChatMessage) {
	msg.CreatedAt = c.now()
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := c.deps.Records.AddChatMessage(ctx, msg); err != nil {
		metrics.RecordPersistenceError("message_add")
		c.logger.Warn("failed to persist chat message", "session_id", msg.SessionID, "error", err)
	}
}

// RequestFinish returns to Idle once the reply has been shown. The session
// stays open for the next turn.
func (c *Controller) RequestFinish(_ context.Context) (Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	next, err := Transition(c.state, Event{Kind: EventFinish}, c.opts.Messages, c.opts.StartPolicy)
	if err != nil {
		return c.snapshotLocked(), err
	}
	c.lastAudio = ""
	c.failure = ""
	c.setStateLocked(next, false)
	return c.snapshotLocked(), nil
}

// RequestCancel abandons the session from any state. Cancelling an idle
// controller with no session is a no-op.
func (c *Controller) RequestCancel(ctx context.Context) (Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.terminateLocked(ctx, EndReasonCancel, false, nil)
	return c.snapshotLocked(), nil
}

// RequestEnd closes the session as completed.
func (c *Controller) RequestEnd(ctx context.Context, req EndRequest) (Snapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if req.Reason == "" {
		req.Reason = EndReasonUser
	}
	c.terminateLocked(ctx, req.Reason, true, c.summaryLocked(req.Summary))
	return c.snapshotLocked(), nil
}

func (c *Controller) expire(handle string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.started || c.handle != handle {
		return
	}
	c.logger.Info("session reached maximum duration", "session_id", handle)

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	c.terminateLocked(ctx, EndReasonTimeout, true, c.summaryLocked(""))
}

func (c *Controller) summaryLocked(supplied string) *string {
	if s := strings.TrimSpace(supplied); s != "" {
		return &s
	}
	if c.opts.SummaryPolicy == SummaryLastAgentMessage && c.lastAgent != "" {
		s := c.lastAgent
		return &s
	}
	return nil
}

// terminateLocked returns to Idle and, when a session was in progress,
// charges it once and closes its record. Whatever the store refuses is kept
// as a settlement and retried before the next session begins.
func (c *Controller) terminateLocked(ctx context.Context, reason EndReason, completed bool, summary *string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	wasStarted := c.started
	handle := c.handle

	c.timer.Stop()
	if c.inflight != nil {
		c.inflight()
		c.inflight = nil
	}
	c.turn++

	if wasStarted {
		owed := settlement{sessionID: handle}
		if !c.charged {
			c.charged = true
			n, err := c.deps.Quota.Charge(ctx, c.userID, handle)
			c.remaining = n
			metrics.QuotaCharges.Inc()
			if err != nil {
				c.logger.Warn("failed to persist session charge", "session_id", handle, "error", err)
				owed.charge = true
			}
		}
		endedAt := c.now()
		if _, err := c.deps.Records.EndChatSession(ctx, handle, endedAt, completed, summary); err != nil {
			metrics.RecordPersistenceError("session_end")
			c.logger.Warn("failed to close session record", "session_id", handle, "error", err)
			owed.end = true
			owed.endedAt = endedAt
			owed.completed = completed
			owed.summary = summary
		}
		if owed.charge || owed.end {
			c.unsettled = append(c.unsettled, owed)
		}
		if err := c.deps.Cache.Delete(ctx, cache.ActiveSessionKey(c.userID)); err != nil {
			c.logger.Warn("failed to clear active session", "session_id", handle, "error", err)
		}
		metrics.RecordSessionEnded(string(reason))
		c.logger.Info("session ended",
			"session_id", handle, "reason", reason, "completed", completed, "remaining_sessions", c.remaining)
		c.deps.ConvLog.Log(convlog.Event{
			UserID:    c.userID,
			SessionID: handle,
			Channel:   string(c.mode),
			Direction: "internal",
			EventType: convlog.EventSessionEnd,
			Status:    string(reason),
		})
	}

	c.handle = ""
	c.started = false
	c.lastAgent = ""
	c.lastAudio = ""
	c.failure = ""

	next, _ := Transition(c.state, Event{Kind: EventCancel}, c.opts.Messages, c.opts.StartPolicy)
	c.setStateLocked(next, wasStarted)
}

// shutdown stops background work so an open session can be resumed after a
// restart. Only persistence owed by terminated sessions is flushed.
func (c *Controller) shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.timer.Stop()
	if c.inflight != nil {
		c.inflight()
		c.inflight = nil
	}
	c.turn++

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	c.settleLocked(ctx)
}

// setStateLocked stores next and notifies listeners when anything changed
// or force is set.
func (c *Controller) setStateLocked(next domain.State, force bool) {
	prev := c.state
	if prev.Status != next.Status {
		metrics.RecordStateTransition(string(prev.Status), string(next.Status))
	}
	c.state = next
	if prev == next && !force {
		return
	}
	snap := c.snapshotLocked()
	for _, l := range c.listeners {
		l(snap)
	}
}

func (c *Controller) snapshotLocked() Snapshot {
	snap := Snapshot{
		UserID:            c.userID,
		State:             c.state,
		SessionID:         c.handle,
		RemainingSessions: c.remaining,
		ReplyAudio:        c.lastAudio,
		Failure:           c.failure,
	}
	if startedAt, ok := c.timer.StartedAt(); ok {
		deadline := startedAt.Add(c.opts.MaxDuration)
		snap.StartedAt = &startedAt
		snap.Deadline = &deadline
		snap.RemainingSeconds = int64(math.Ceil(c.timer.Remaining(c.now()).Seconds()))
	}
	return snap
}
