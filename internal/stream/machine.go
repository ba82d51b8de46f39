// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package stream

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/strideloop/stride-core/internal/backend"
	"github.com/strideloop/stride-core/internal/detect"
	"github.com/strideloop/stride-core/internal/model"
	"github.com/strideloop/stride-core/internal/storage"
)

// =============================================================================
// ERRORS & CONSTANTS
// =============================================================================

var (
	// ErrStreamActive is returned by Start while another stream is running.
	// Only one stream may be active per machine.
	ErrStreamActive = errors.New("a stream is already active")

	// ErrStreamStalled marks a stream that produced no chunk within the
	// stall timeout. Classified as a network failure.
	ErrStreamStalled = errors.New("stream stalled: no data received")
)

const (
	// DefaultStallTimeout is how long the machine waits between chunks
	// before declaring the stream dead. The transport alone cannot be
	// trusted here: a half-open connection keeps the typing indicator up
	// forever.
	DefaultStallTimeout = 90 * time.Second

	// eventBufferSize bounds the event channel. A stalled consumer drops
	// events rather than blocking the machine.
	eventBufferSize = 64
)

// State is the machine's lifecycle phase.
type State int

const (
	StateIdle State = iota
	StateStreaming
	StateCompleting
	StateFailed
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateStreaming:
		return "streaming"
	case StateCompleting:
		return "completing"
	case StateFailed:
		return "failed"
	default:
		return "idle"
	}
}

// =============================================================================
// DEPENDENCIES
// =============================================================================

// Persister is the write-through cache hook. Failures are logged and
// swallowed; they never block or surface to the user.
type Persister interface {
	SaveConversation(conv *model.Conversation) error
}

// UserContext supplies the caller's identity for detection context and for
// choosing the anonymous variant of quota messages.
type UserContext interface {
	UserID() string
	Authenticated() bool
}

// =============================================================================
// MACHINE
// =============================================================================

// Machine is the streaming ingestion state machine. It exclusively owns the
// active conversation's message list and the active streaming target id;
// every mutation is serialized through its mutex.
type Machine struct {
	mu sync.Mutex

	state    State
	conv     *model.Conversation
	targetID string

	history  *storage.History
	detector detect.Detector
	persist  Persister
	users    UserContext

	// pendingHistory holds a reload that arrived mid-stream; it is applied
	// when the machine returns to Idle, never interleaved.
	pendingHistory []*model.Conversation
	hasPending     bool

	// errMsg is the single user-visible error field of the view state.
	errMsg string

	stallTimeout time.Duration
	stallTimer   *time.Timer

	// stallGen invalidates stall timers that fired but have not run yet.
	// Timer.Stop cannot cancel a callback already blocked on the mutex.
	stallGen uint64

	events chan Event
	logger *slog.Logger
}

// MachineOption customizes a Machine.
type MachineOption func(*Machine)

// WithPersister sets the write-through cache hook.
func WithPersister(p Persister) MachineOption {
	return func(m *Machine) { m.persist = p }
}

// WithUserContext sets the identity provider.
func WithUserContext(u UserContext) MachineOption {
	return func(m *Machine) { m.users = u }
}

// WithStallTimeout overrides the stall timeout. Zero disables stall
// detection.
func WithStallTimeout(d time.Duration) MachineOption {
	return func(m *Machine) { m.stallTimeout = d }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) MachineOption {
	return func(m *Machine) { m.logger = logger }
}

// NewMachine creates a machine for the given conversation mode, backed by
// the given history store and detector.
func NewMachine(mode model.Mode, history *storage.History, detector detect.Detector, opts ...MachineOption) *Machine {
	m := &Machine{
		state:        StateIdle,
		conv:         model.NewConversation(mode),
		history:      history,
		detector:     detector,
		stallTimeout: DefaultStallTimeout,
		events:       make(chan Event, eventBufferSize),
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Events returns the event channel the presentation layer consumes.
func (m *Machine) Events() <-chan Event {
	return m.events
}

// State returns the current lifecycle phase.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Conversation returns a deep copy of the active conversation for rendering.
func (m *Machine) Conversation() *model.Conversation {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conv.Clone()
}

// ConversationID returns the active conversation's current id.
func (m *Machine) ConversationID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conv.ID
}

// Error returns the user-visible error message, empty when none.
func (m *Machine) Error() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.errMsg
}

// =============================================================================
// LIFECYCLE: START
// =============================================================================

// Start opens a new streaming turn: appends the user's message, creates the
// empty assistant placeholder, and returns its id as the streaming target.
// The target id must be threaded through ReceiveChunk/Complete/Fail so a
// stale callback from an abandoned stream can never touch a newer one.
//
// Returns ErrStreamActive while a stream is running; concurrent turns are
// rejected, not queued.
func (m *Machine) Start(userInput string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateIdle {
		return "", ErrStreamActive
	}

	m.errMsg = ""
	m.conv.AddUserMessage(userInput)
	target := m.conv.AddAssistantMessage()
	m.targetID = target.ID
	m.state = StateStreaming
	m.armStallTimerLocked(target.ID)

	m.emit(StreamStarted{ConversationID: m.conv.ID, MessageID: target.ID})
	return target.ID, nil
}

// AdoptConversationID applies a backend-assigned conversation id from the
// stream's start event. Ignored for stale targets.
func (m *Machine) AdoptConversationID(targetID, conversationID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.isActiveTargetLocked(targetID) {
		m.logger.Warn("dropping conversation id for stale stream", "target", targetID)
		return
	}
	m.conv.AdoptID(conversationID)
}

// =============================================================================
// LIFECYCLE: CHUNKS
// =============================================================================

// ReceiveChunk appends chunk text to the active target in arrival order and
// recomputes the partial cleaned view. Chunks for a stale or missing target
// are dropped and logged, never queued.
func (m *Machine) ReceiveChunk(targetID, text string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.isActiveTargetLocked(targetID) {
		m.logger.Warn("dropping chunk with no active target", "target", targetID)
		return
	}

	msg := m.conv.MessageByID(targetID)
	if msg == nil {
		m.logger.Error("streaming target missing from conversation", "target", targetID)
		return
	}

	first := msg.IsEmpty()
	msg.AppendChunk(text)
	msg.SetCleaned(m.detector.CleanPartial(msg.RawText(), m.conv.Mode))
	m.armStallTimerLocked(targetID)

	m.emit(ChunkApplied{MessageID: targetID, Text: text, First: first})
}

// =============================================================================
// LIFECYCLE: COMPLETE
// =============================================================================

// Complete settles the active stream with the authoritative completion
// payload. In order: adopt backend conversation id/title, overwrite the
// target's text with the full response (chunk reassembly is not trusted),
// run detection exactly once, persist, return to Idle. Detection finding
// nothing still applies the cleaned text so flag markers never reach the
// user.
func (m *Machine) Complete(targetID string, done *backend.Completion) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.isActiveTargetLocked(targetID) {
		m.logger.Warn("dropping completion for stale stream", "target", targetID)
		return
	}
	m.state = StateCompleting
	m.stopStallTimerLocked()

	msg := m.conv.MessageByID(targetID)
	if msg == nil {
		m.logger.Error("streaming target missing at completion", "target", targetID)
		m.finishLocked()
		return
	}

	m.conv.AdoptID(done.ConversationID)
	m.conv.SetTitle(done.Title)

	msg.FinalizeStream(done.Message)

	var userID string
	if m.users != nil {
		userID = m.users.UserID()
	}
	suggestion := m.detector.Detect(done.Message, m.conv.Mode, detect.Context{
		UserID:    userID,
		MessageID: targetID,
	})
	msg.Suggestion = suggestion
	msg.SetCleaned(m.detector.CleanText(done.Message, m.conv.Mode))

	m.conv.Timestamp = time.Now()
	m.persistLocked()

	convID := m.conv.ID
	m.finishLocked()
	m.emit(StreamCompleted{ConversationID: convID, MessageID: targetID, Suggestion: suggestion})
}

// persistLocked upserts the conversation into the history store and writes
// through to the cache. Cache failures are logged, never surfaced.
func (m *Machine) persistLocked() {
	snapshot := m.conv.Clone()
	m.history.Upsert(snapshot)
	if m.persist != nil {
		if err := m.persist.SaveConversation(snapshot); err != nil {
			m.logger.Warn("conversation cache write failed", "conversation", snapshot.ID, "error", err)
		}
	}
}

// =============================================================================
// LIFECYCLE: FAIL & CANCEL
// =============================================================================

// Fail aborts the active stream: the incomplete assistant message is
// removed, the error is classified into a user-facing message, and the
// machine returns to Idle. These effects are atomic from the caller's
// perspective; the target is cleared even if removal finds nothing.
func (m *Machine) Fail(targetID string, cause error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.isActiveTargetLocked(targetID) {
		m.logger.Warn("dropping failure for stale stream", "target", targetID, "error", cause)
		return
	}
	m.failLocked(targetID, cause, false)
}

// Cancel aborts the active stream without a user-visible error. No-op when
// idle.
func (m *Machine) Cancel() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateStreaming {
		return
	}
	m.failLocked(m.targetID, nil, true)
}

// failLocked is the shared teardown for Fail and Cancel.
func (m *Machine) failLocked(targetID string, cause error, canceled bool) {
	m.state = StateFailed
	m.stopStallTimerLocked()

	if !m.conv.RemoveMessage(targetID) {
		m.logger.Warn("failed stream target already absent", "target", targetID)
	}

	kind := backend.Classify(cause)
	if !canceled {
		m.errMsg = m.userMessage(kind, cause)
		m.logger.Warn("stream failed", "kind", kind.String(), "error", cause)
	}

	m.finishLocked()
	m.emit(StreamFailed{Kind: kind, UserMessage: m.errMsg, Canceled: canceled})
}

// finishLocked clears the streaming target, returns to Idle, and applies
// any history reload that was deferred while the stream was live.
func (m *Machine) finishLocked() {
	m.targetID = ""
	m.state = StateIdle

	if m.hasPending {
		pending := m.pendingHistory
		m.pendingHistory = nil
		m.hasPending = false
		m.applyHistoryLocked(pending)
	}
}

// userMessage maps a failure kind to the text shown in the conversation
// view. Server errors forward the backend's message verbatim.
func (m *Machine) userMessage(kind backend.Kind, cause error) string {
	switch kind {
	case backend.KindRateLimit:
		if m.users == nil || !m.users.Authenticated() {
			return "You've reached the free message limit. Sign in to keep chatting."
		}
		return "You've reached your daily message limit. Please try again later."
	case backend.KindNotAuthenticated:
		return "Please sign in to continue."
	case backend.KindServer:
		var srvErr *backend.ServerError
		if errors.As(cause, &srvErr) && srvErr.Message != "" {
			return srvErr.Message
		}
		return "Something went wrong on our end. Please try again."
	case backend.KindParse:
		return "Received an unreadable response. Please try again."
	default:
		return "Connection problem. Check your network and try again."
	}
}

// =============================================================================
// STALL DETECTION
// =============================================================================

// armStallTimerLocked (re)starts the stall timer for the given target. Each
// applied chunk pushes the deadline out. The callback carries the generation
// current at arm time; any later re-arm or stop makes it stale.
func (m *Machine) armStallTimerLocked(targetID string) {
	if m.stallTimeout <= 0 {
		return
	}
	m.stopStallTimerLocked()
	gen := m.stallGen
	m.stallTimer = time.AfterFunc(m.stallTimeout, func() {
		m.stallExpired(targetID, gen)
	})
}

// stopStallTimerLocked cancels any armed stall timer. Stop alone is not
// enough: a timer that fired moments ago may be parked on the mutex with
// Stop returning false, so the generation is bumped to invalidate it.
func (m *Machine) stopStallTimerLocked() {
	m.stallGen++
	if m.stallTimer != nil {
		m.stallTimer.Stop()
		m.stallTimer = nil
	}
}

// stallExpired is the stall timer callback. A timer can fire while another
// goroutine holds the lock applying a chunk; by the time this runs the
// deadline has been pushed out and the stream is healthy. The generation
// check under the lock drops exactly those late callbacks.
func (m *Machine) stallExpired(targetID string, gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if gen != m.stallGen {
		m.logger.Debug("ignoring superseded stall timer", "target", targetID)
		return
	}
	if !m.isActiveTargetLocked(targetID) {
		m.logger.Warn("dropping failure for stale stream", "target", targetID, "error", ErrStreamStalled)
		return
	}
	m.failLocked(targetID, ErrStreamStalled, false)
}

// =============================================================================
// HISTORY COORDINATION
// =============================================================================

// ApplyHistory installs a freshly fetched history. While a stream is live
// the reload is deferred until the machine returns to Idle: reconciliation
// must never interleave with chunk application on the same conversation.
func (m *Machine) ApplyHistory(conversations []*model.Conversation) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateIdle {
		m.pendingHistory = conversations
		m.hasPending = true
		m.logger.Debug("history reload deferred until stream settles", "count", len(conversations))
		return
	}
	m.applyHistoryLocked(conversations)
}

// applyHistoryLocked replaces the store contents and re-points the active
// conversation at its persisted twin when one exists.
func (m *Machine) applyHistoryLocked(conversations []*model.Conversation) {
	m.history.ReplaceAll(conversations)

	if match := storage.MatchActive(conversations, m.conv); match != nil {
		m.conv.AdoptID(match.ID)
		m.conv.SetTitle(match.Title)
	}
	m.emit(HistoryReplaced{Count: len(conversations)})
}

// =============================================================================
// CONVERSATION MANAGEMENT
// =============================================================================

// NewConversation abandons the active conversation and starts a fresh one
// in the given mode. A live stream is implicitly cancelled first.
func (m *Machine) NewConversation(mode model.Mode) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == StateStreaming {
		m.failLocked(m.targetID, nil, true)
	}
	m.errMsg = ""
	m.conv = model.NewConversation(mode)
}

// Resume replaces the active conversation with a history entry, for
// continuing an old conversation. Rejected while streaming.
func (m *Machine) Resume(conv *model.Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateIdle {
		return ErrStreamActive
	}
	m.errMsg = ""
	m.conv = conv.Clone()
	return nil
}

// =============================================================================
// INTERNAL HELPERS
// =============================================================================

// isActiveTargetLocked reports whether targetID is the live streaming
// target.
func (m *Machine) isActiveTargetLocked(targetID string) bool {
	return m.state == StateStreaming && m.targetID == targetID && targetID != ""
}

// emit publishes an event without blocking; a full channel drops the event.
func (m *Machine) emit(ev Event) {
	select {
	case m.events <- ev:
	default:
		m.logger.Warn("event channel full, dropping event")
	}
}
