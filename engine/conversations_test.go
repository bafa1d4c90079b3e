package engine_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ushauri/voicegateway/engine"
	"github.com/ushauri/voicegateway/model"
)

func TestConversationStoreGetOrCreate(t *testing.T) {
	s := engine.NewConversationStore(engine.NewAutoClock())

	require.True(t, s.GetOrCreate("CA1"))
	require.False(t, s.GetOrCreate("CA1"))
	require.Equal(t, 1, s.Len())
}

func TestConversationStoreAppendKeepsOrder(t *testing.T) {
	s := engine.NewConversationStore(engine.NewAutoClock())

	s.Append("CA1", model.RoleUser, "What is a will?")
	s.Append("CA1", model.RoleAssistant, "A will is a legal document.")
	s.Append("CA1", model.RoleUser, "Who can write one?")

	history, ok := s.History("CA1")
	require.True(t, ok)
	require.Equal(t, []model.Message{
		{Role: model.RoleUser, Content: "What is a will?"},
		{Role: model.RoleAssistant, Content: "A will is a legal document."},
		{Role: model.RoleUser, Content: "Who can write one?"},
	}, history)
}

func TestConversationStoreTurnCounter(t *testing.T) {
	s := engine.NewConversationStore(engine.NewAutoClock())

	require.Equal(t, 0, s.TurnCount("CA1"))
	require.Equal(t, 1, s.NextTurn("CA1"))
	require.Equal(t, 2, s.NextTurn("CA1"))
	require.Equal(t, 2, s.TurnCount("CA1"))
}

func TestConversationStoreTouchUnknownCall(t *testing.T) {
	s := engine.NewConversationStore(engine.NewAutoClock())
	require.False(t, s.Touch("CA404"))

	_, ok := s.History("CA404")
	require.False(t, ok)
}

func TestConversationStoreSweepExpired(t *testing.T) {
	clock := engine.NewManualClock(time.Time{})
	s := engine.NewConversationStore(clock)

	s.GetOrCreate("CAstale")
	clock.Advance(45 * time.Minute)
	s.GetOrCreate("CAfresh")
	clock.Advance(30 * time.Minute)

	// CAstale is 75m inactive, CAfresh 30m.
	removed := s.SweepExpired(clock.Now(), time.Hour)
	require.Equal(t, 1, removed)
	require.Equal(t, 1, s.Len())
	require.True(t, s.Touch("CAfresh"))
	require.False(t, s.Touch("CAstale"))
}

func TestConversationStoreTouchExtendsLifetime(t *testing.T) {
	clock := engine.NewManualClock(time.Time{})
	s := engine.NewConversationStore(clock)

	s.GetOrCreate("CA1")
	clock.Advance(45 * time.Minute)
	require.True(t, s.Touch("CA1"))
	clock.Advance(45 * time.Minute)

	require.Equal(t, 0, s.SweepExpired(clock.Now(), time.Hour))
	require.Equal(t, 1, s.Len())
}

func TestConversationStoreSnapshotHasNoContent(t *testing.T) {
	s := engine.NewConversationStore(engine.NewAutoClock())
	s.Append("CA1", model.RoleUser, "something private")
	s.NextTurn("CA1")

	infos := s.Snapshot()
	require.Len(t, infos, 1)
	require.Equal(t, "CA1", infos[0].CallSID)
	require.Equal(t, 1, infos[0].Turns)
	require.Equal(t, 1, infos[0].MessageCount)
}
