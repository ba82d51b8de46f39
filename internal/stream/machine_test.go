// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package stream

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strideloop/stride-core/internal/backend"
	"github.com/strideloop/stride-core/internal/detect"
	"github.com/strideloop/stride-core/internal/model"
	"github.com/strideloop/stride-core/internal/storage"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

// countingDetector wraps the real detector and counts Detect invocations.
type countingDetector struct {
	detect.Detector
	detectCalls int
}

func (d *countingDetector) Detect(text string, mode model.Mode, ctx detect.Context) *model.Suggestion {
	d.detectCalls++
	return d.Detector.Detect(text, mode, ctx)
}

// recordingPersister captures write-through saves and optionally fails.
type recordingPersister struct {
	saved []*model.Conversation
	err   error
}

func (p *recordingPersister) SaveConversation(conv *model.Conversation) error {
	p.saved = append(p.saved, conv)
	return p.err
}

// fakeUser is a canned identity.
type fakeUser struct {
	id     string
	authed bool
}

func (u *fakeUser) UserID() string      { return u.id }
func (u *fakeUser) Authenticated() bool { return u.authed }

func newTestMachine(mode model.Mode, opts ...MachineOption) (*Machine, *countingDetector, *storage.History) {
	det := &countingDetector{Detector: detect.NewPayloadDetector()}
	hist := storage.NewHistory()
	opts = append(opts, WithStallTimeout(0))
	return NewMachine(mode, hist, det, opts...), det, hist
}

// lastAssistant returns the last assistant message of the machine's active
// conversation snapshot.
func lastAssistant(t *testing.T, m *Machine) *model.Message {
	t.Helper()
	conv := m.Conversation()
	for i := len(conv.Messages) - 1; i >= 0; i-- {
		if conv.Messages[i].Author == model.AuthorAssistant {
			return conv.Messages[i]
		}
	}
	t.Fatal("no assistant message in conversation")
	return nil
}

// drainEvents collects everything currently buffered on the event channel.
func drainEvents(m *Machine) []Event {
	var out []Event
	for {
		select {
		case ev := <-m.Events():
			out = append(out, ev)
		default:
			return out
		}
	}
}

// =============================================================================
// CHUNK ORDERING
// =============================================================================

func TestMachine_ChunkOrdering(t *testing.T) {
	m, _, _ := newTestMachine(model.ModeTask)

	target, err := m.Start("hello")
	require.NoError(t, err)

	chunks := []string{"The ", "quick ", "brown ", "fox ", "jumps"}
	for _, c := range chunks {
		m.ReceiveChunk(target, c)
	}

	assert.Equal(t, "The quick brown fox jumps", lastAssistant(t, m).RawText())
	assert.Equal(t, StateStreaming, m.State())
}

func TestMachine_ManySmallChunks(t *testing.T) {
	m, _, _ := newTestMachine(model.ModeTask)
	target, err := m.Start("go")
	require.NoError(t, err)

	want := ""
	for i := 0; i < 200; i++ {
		piece := fmt.Sprintf("%d,", i)
		want += piece
		m.ReceiveChunk(target, piece)
	}
	assert.Equal(t, want, lastAssistant(t, m).RawText())
}

// =============================================================================
// COMPLETION
// =============================================================================

func TestMachine_CompletePlainResponse(t *testing.T) {
	// start → chunks → complete with no payload markers: cleaned text is the
	// full message, no suggestion.
	m, det, hist := newTestMachine(model.ModeTask)

	target, err := m.Start("how do I track progress?")
	require.NoError(t, err)
	m.ReceiveChunk(target, "Tracking")
	m.ReceiveChunk(target, " progress daily.")
	m.Complete(target, &backend.Completion{Message: "Tracking progress daily."})

	msg := lastAssistant(t, m)
	assert.Equal(t, "Tracking progress daily.", msg.CleanedText)
	assert.Nil(t, msg.Suggestion)
	assert.Equal(t, StateIdle, m.State())
	assert.Equal(t, 1, det.detectCalls, "detection must run exactly once")
	assert.Equal(t, 1, hist.Len(), "completed conversation must be upserted")
}

func TestMachine_CompleteWithHabitPayload(t *testing.T) {
	// A fenced habit payload is stripped from the visible text and surfaced
	// as a structured suggestion.
	m, _, _ := newTestMachine(model.ModeHabit)

	target, err := m.Start("help me meditate")
	require.NoError(t, err)
	m.ReceiveChunk(target, "Sure! ")
	m.ReceiveChunk(target, "```json\n{\"name\":\"Meditate\"")

	full := "Sure! ```json\n{\"name\":\"Meditate\",\"frequency\":\"daily\"}\n```"
	m.Complete(target, &backend.Completion{Message: full})

	msg := lastAssistant(t, m)
	assert.Equal(t, "Sure!", msg.CleanedText)
	require.NotNil(t, msg.Suggestion)
	require.True(t, msg.Suggestion.IsHabit())
	assert.Equal(t, "Meditate", msg.Suggestion.Name())
}

func TestMachine_CompleteOverwritesChunkDrift(t *testing.T) {
	// The completion payload is authoritative even when chunk reassembly
	// produced something different.
	m, _, _ := newTestMachine(model.ModeTask)

	target, err := m.Start("x")
	require.NoError(t, err)
	m.ReceiveChunk(target, "garbled partial")
	m.Complete(target, &backend.Completion{Message: "The clean full answer."})

	assert.Equal(t, "The clean full answer.", lastAssistant(t, m).RawText())
}

func TestMachine_CompleteAdoptsBackendMetadata(t *testing.T) {
	m, _, hist := newTestMachine(model.ModeTask)

	target, err := m.Start("first message")
	require.NoError(t, err)
	m.Complete(target, &backend.Completion{
		Message:        "done",
		ConversationID: "conv_backend_9",
		Title:          "Server title",
	})

	assert.Equal(t, "conv_backend_9", m.ConversationID())
	conv := m.Conversation()
	assert.Equal(t, "Server title", conv.Title)
	require.NotNil(t, hist.Get("conv_backend_9"))
}

func TestMachine_NoDetectionMidStream(t *testing.T) {
	m, det, _ := newTestMachine(model.ModeHabit)

	target, err := m.Start("x")
	require.NoError(t, err)
	m.ReceiveChunk(target, "{\"name\":\"Run\",\"frequency\":\"daily\"}")
	assert.Equal(t, 0, det.detectCalls, "no detection while streaming")
	assert.Nil(t, lastAssistant(t, m).Suggestion)

	m.Complete(target, &backend.Completion{Message: "{\"name\":\"Run\",\"frequency\":\"daily\"}"})
	assert.Equal(t, 1, det.detectCalls)
}

func TestMachine_CacheFailureIsSwallowed(t *testing.T) {
	persister := &recordingPersister{err: errors.New("disk full")}
	m, _, hist := newTestMachine(model.ModeTask, WithPersister(persister))

	target, err := m.Start("x")
	require.NoError(t, err)
	m.Complete(target, &backend.Completion{Message: "fine"})

	assert.Equal(t, StateIdle, m.State())
	assert.Empty(t, m.Error(), "cache failures never surface to the user")
	assert.Equal(t, 1, hist.Len(), "in-memory update must not be blocked")
	assert.Len(t, persister.saved, 1)
}

// =============================================================================
// CONCURRENT START
// =============================================================================

func TestMachine_SecondStartRejected(t *testing.T) {
	m, _, _ := newTestMachine(model.ModeTask)

	target, err := m.Start("first")
	require.NoError(t, err)

	_, err = m.Start("second")
	assert.ErrorIs(t, err, ErrStreamActive)
	assert.Equal(t, StateStreaming, m.State())

	// Original target still live.
	m.ReceiveChunk(target, "still here")
	assert.Equal(t, "still here", lastAssistant(t, m).RawText())
}

// =============================================================================
// FAILURE
// =============================================================================

func TestMachine_FailRemovesOrphan(t *testing.T) {
	m, _, _ := newTestMachine(model.ModeTask)

	before := m.Conversation().MessageCount()
	target, err := m.Start("hi")
	require.NoError(t, err)
	m.ReceiveChunk(target, "partial resp")

	m.Fail(target, errors.New("connection reset"))

	conv := m.Conversation()
	assert.Nil(t, conv.MessageByID(target), "no message with the failed target id may remain")
	// The user message stays; only the assistant placeholder is removed.
	assert.Equal(t, before+1, conv.MessageCount())
	assert.Equal(t, StateIdle, m.State())
	assert.Contains(t, m.Error(), "Connection problem")
}

func TestMachine_FailUserMessages(t *testing.T) {
	tests := []struct {
		name  string
		user  UserContext
		cause error
		want  string
	}{
		{"network", nil, errors.New("dial tcp: refused"), "Connection problem. Check your network and try again."},
		{"rate limit anonymous", &fakeUser{}, &backend.RateLimitError{Message: "quota"}, "You've reached the free message limit. Sign in to keep chatting."},
		{"rate limit signed in", &fakeUser{id: "u1", authed: true}, &backend.RateLimitError{Message: "quota"}, "You've reached your daily message limit. Please try again later."},
		{"not authenticated", nil, backend.ErrNotAuthenticated, "Please sign in to continue."},
		{"server forwards message", nil, &backend.ServerError{Status: 500, Message: "Coach is resting, try later"}, "Coach is resting, try later"},
		{"parse", nil, fmt.Errorf("%w: bad json", backend.ErrParse), "Received an unreadable response. Please try again."},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var opts []MachineOption
			if tt.user != nil {
				opts = append(opts, WithUserContext(tt.user))
			}
			m, _, _ := newTestMachine(model.ModeTask, opts...)

			target, err := m.Start("hi")
			require.NoError(t, err)
			m.Fail(target, tt.cause)
			assert.Equal(t, tt.want, m.Error())
		})
	}
}

func TestMachine_StaleChunkDropped(t *testing.T) {
	m, _, _ := newTestMachine(model.ModeTask)

	target, err := m.Start("hi")
	require.NoError(t, err)
	m.Fail(target, errors.New("boom"))

	// Chunk racing in after the failure must be dropped, not queued.
	m.ReceiveChunk(target, "late chunk")
	assert.Equal(t, StateIdle, m.State())
	assert.Nil(t, m.Conversation().MessageByID(target))
}

func TestMachine_StaleCompletionDropped(t *testing.T) {
	m, _, hist := newTestMachine(model.ModeTask)

	target, err := m.Start("hi")
	require.NoError(t, err)
	m.Fail(target, errors.New("boom"))

	m.Complete(target, &backend.Completion{Message: "too late"})
	assert.Equal(t, 0, hist.Len())
}

func TestMachine_CancelLeavesNoError(t *testing.T) {
	m, _, _ := newTestMachine(model.ModeTask)

	target, err := m.Start("hi")
	require.NoError(t, err)
	m.ReceiveChunk(target, "some text")
	m.Cancel()

	assert.Equal(t, StateIdle, m.State())
	assert.Empty(t, m.Error())
	assert.Nil(t, m.Conversation().MessageByID(target))
}

func TestMachine_StartClearsPreviousError(t *testing.T) {
	m, _, _ := newTestMachine(model.ModeTask)

	target, err := m.Start("hi")
	require.NoError(t, err)
	m.Fail(target, errors.New("boom"))
	require.NotEmpty(t, m.Error())

	_, err = m.Start("again")
	require.NoError(t, err)
	assert.Empty(t, m.Error())
}

// =============================================================================
// STALL DETECTION
// =============================================================================

func TestMachine_StallTimeoutFailsStream(t *testing.T) {
	det := &countingDetector{Detector: detect.NewPayloadDetector()}
	m := NewMachine(model.ModeTask, storage.NewHistory(), det, WithStallTimeout(20*time.Millisecond))

	target, err := m.Start("hi")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return m.State() == StateIdle
	}, time.Second, 5*time.Millisecond, "stalled stream must fail on its own")

	assert.Nil(t, m.Conversation().MessageByID(target))
	assert.Contains(t, m.Error(), "Connection problem", "stall is surfaced as a network failure")
}

func TestMachine_ChunksResetStallTimer(t *testing.T) {
	det := &countingDetector{Detector: detect.NewPayloadDetector()}
	m := NewMachine(model.ModeTask, storage.NewHistory(), det, WithStallTimeout(60*time.Millisecond))

	target, err := m.Start("hi")
	require.NoError(t, err)

	// Keep feeding chunks faster than the timeout; the stream must stay up.
	for i := 0; i < 5; i++ {
		time.Sleep(20 * time.Millisecond)
		m.ReceiveChunk(target, "x")
	}
	assert.Equal(t, StateStreaming, m.State())

	m.Complete(target, &backend.Completion{Message: "xxxxx"})
	assert.Equal(t, StateIdle, m.State())
}

func TestMachine_SupersededStallTimerIgnored(t *testing.T) {
	// A stall timer can fire and then sit blocked on the mutex while a chunk
	// is being applied. Once the chunk pushes the deadline out, the parked
	// callback must not kill the now-healthy stream.
	det := &countingDetector{Detector: detect.NewPayloadDetector()}
	m := NewMachine(model.ModeTask, storage.NewHistory(), det, WithStallTimeout(time.Hour))

	target, err := m.Start("hi")
	require.NoError(t, err)

	m.mu.Lock()
	staleGen := m.stallGen
	m.mu.Unlock()

	// The chunk re-arms the timer; the old callback finally gets the lock.
	m.ReceiveChunk(target, "still alive")
	m.stallExpired(target, staleGen)

	assert.Equal(t, StateStreaming, m.State(), "a chunk inside the window must keep the stream up")
	assert.Empty(t, m.Error())
	assert.Equal(t, "still alive", lastAssistant(t, m).RawText())

	m.Complete(target, &backend.Completion{Message: "still alive"})
	assert.Equal(t, StateIdle, m.State())
}

func TestMachine_CurrentStallTimerStillFails(t *testing.T) {
	det := &countingDetector{Detector: detect.NewPayloadDetector()}
	m := NewMachine(model.ModeTask, storage.NewHistory(), det, WithStallTimeout(time.Hour))

	target, err := m.Start("hi")
	require.NoError(t, err)

	m.mu.Lock()
	gen := m.stallGen
	m.mu.Unlock()

	m.stallExpired(target, gen)
	assert.Equal(t, StateIdle, m.State())
	assert.Contains(t, m.Error(), "Connection problem")
}

// =============================================================================
// HISTORY COORDINATION
// =============================================================================

func TestMachine_HistoryDeferredWhileStreaming(t *testing.T) {
	m, _, hist := newTestMachine(model.ModeTask)

	target, err := m.Start("hi")
	require.NoError(t, err)

	reload := []*model.Conversation{
		{ID: "remote_1", Mode: model.ModeTask, Timestamp: time.Now()},
	}
	m.ApplyHistory(reload)
	assert.False(t, hist.Loaded(), "reload must not interleave with a live stream")

	m.Complete(target, &backend.Completion{Message: "done"})
	assert.True(t, hist.Loaded(), "deferred reload applies once the stream settles")
	require.NotNil(t, hist.Get("remote_1"))
}

func TestMachine_HistoryAdoptsMatchingEntry(t *testing.T) {
	m, _, _ := newTestMachine(model.ModeTask)

	target, err := m.Start("help me focus")
	require.NoError(t, err)
	m.Complete(target, &backend.Completion{Message: "try a timer"})

	// Remote history has the same exchange under the server's id.
	remote := &model.Conversation{
		ID:        "conv_remote",
		Title:     "Focus help",
		Mode:      model.ModeTask,
		Timestamp: time.Now(),
		Messages: []*model.Message{
			model.NewHistoricMessage("", model.AuthorUser, "help me focus", time.Now()),
			model.NewHistoricMessage("", model.AuthorAssistant, "try a timer", time.Now()),
		},
	}
	m.ApplyHistory([]*model.Conversation{remote})

	assert.Equal(t, "conv_remote", m.ConversationID())
	assert.Equal(t, "Focus help", m.Conversation().Title)
}

// =============================================================================
// EVENTS
// =============================================================================

func TestMachine_EventSequence(t *testing.T) {
	m, _, _ := newTestMachine(model.ModeTask)

	target, err := m.Start("hi")
	require.NoError(t, err)
	m.ReceiveChunk(target, "a")
	m.ReceiveChunk(target, "b")
	m.Complete(target, &backend.Completion{Message: "ab"})

	events := drainEvents(m)
	require.Len(t, events, 4)

	started, ok := events[0].(StreamStarted)
	require.True(t, ok)
	assert.Equal(t, target, started.MessageID)

	first, ok := events[1].(ChunkApplied)
	require.True(t, ok)
	assert.True(t, first.First, "first chunk ends the typing indicator")

	second, ok := events[2].(ChunkApplied)
	require.True(t, ok)
	assert.False(t, second.First)

	completed, ok := events[3].(StreamCompleted)
	require.True(t, ok)
	assert.Equal(t, target, completed.MessageID)
}

func TestMachine_FailEvent(t *testing.T) {
	m, _, _ := newTestMachine(model.ModeTask)

	target, err := m.Start("hi")
	require.NoError(t, err)
	drainEvents(m)
	m.Fail(target, &backend.RateLimitError{})

	events := drainEvents(m)
	require.Len(t, events, 1)
	failed, ok := events[0].(StreamFailed)
	require.True(t, ok)
	assert.Equal(t, backend.KindRateLimit, failed.Kind)
	assert.False(t, failed.Canceled)
	assert.NotEmpty(t, failed.UserMessage)
}

// =============================================================================
// CONVERSATION MANAGEMENT
// =============================================================================

func TestMachine_NewConversationCancelsStream(t *testing.T) {
	m, _, _ := newTestMachine(model.ModeTask)

	oldID := m.ConversationID()
	_, err := m.Start("hi")
	require.NoError(t, err)

	m.NewConversation(model.ModeHabit)
	assert.Equal(t, StateIdle, m.State())
	assert.NotEqual(t, oldID, m.ConversationID())
	assert.Equal(t, model.ModeHabit, m.Conversation().Mode)
	assert.Zero(t, m.Conversation().MessageCount())
}

func TestMachine_ResumeRejectedWhileStreaming(t *testing.T) {
	m, _, _ := newTestMachine(model.ModeTask)

	_, err := m.Start("hi")
	require.NoError(t, err)

	err = m.Resume(&model.Conversation{ID: "other"})
	assert.ErrorIs(t, err, ErrStreamActive)
}

func TestMachine_PartialCleaningDuringStream(t *testing.T) {
	// Mid-stream the cleaned view must already hide an opening payload
	// fence, so raw JSON never flashes on screen.
	m, _, _ := newTestMachine(model.ModeHabit)

	target, err := m.Start("hi")
	require.NoError(t, err)
	m.ReceiveChunk(target, "Sure! ")
	m.ReceiveChunk(target, "```json\n{\"name\":\"Med")

	msg := lastAssistant(t, m)
	assert.Equal(t, "Sure!", msg.DisplayText())
}
