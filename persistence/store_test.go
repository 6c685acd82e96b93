package persistence

import (
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulse-ide/pulse/agent"
	"github.com/pulse-ide/pulse/llm"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "pulse.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSaveAndLoadSession(t *testing.T) {
	store := openTestStore(t)

	state := agent.NewConversationState("/work", agent.ModeAgent)
	require.NoError(t, store.SaveSession(state))

	require.NoError(t, store.SaveTurn(state.SessionID, agent.NewUserTurn("fix the bug")))
	require.NoError(t, store.SaveTurn(state.SessionID, agent.NewAssistantTurn("done", nil, llm.Usage{TotalTokens: 10}, "r1")))

	loaded, err := store.LoadSession(state.SessionID)
	require.NoError(t, err)
	assert.Equal(t, state.SessionID, loaded.SessionID)
	assert.Equal(t, "/work", loaded.WorkDir)
	assert.Equal(t, agent.ModeAgent, loaded.Mode)

	require.Len(t, loaded.Turns, 2)
	assert.Equal(t, agent.TurnUser, loaded.Turns[0].Kind)
	assert.Equal(t, "fix the bug", loaded.Turns[0].User.Content)
	assert.Equal(t, agent.TurnAssistant, loaded.Turns[1].Kind)
	assert.Equal(t, "done", loaded.Turns[1].Assistant.Content)
}

func TestLoadSessionMissing(t *testing.T) {
	store := openTestStore(t)
	_, err := store.LoadSession("nope")
	assert.ErrorIs(t, err, sql.ErrNoRows)
}

func TestTurnsKeepOrder(t *testing.T) {
	store := openTestStore(t)
	state := agent.NewConversationState("/work", agent.ModeAgent)
	require.NoError(t, store.SaveSession(state))

	inputs := []string{"first", "second", "third", "fourth"}
	for _, in := range inputs {
		require.NoError(t, store.SaveTurn(state.SessionID, agent.NewUserTurn(in)))
	}

	turns, err := store.LoadTurns(state.SessionID)
	require.NoError(t, err)
	require.Len(t, turns, 4)
	for i, in := range inputs {
		assert.Equal(t, in, turns[i].User.Content)
	}
}

func TestLoadSessionRecoversRecap(t *testing.T) {
	store := openTestStore(t)
	state := agent.NewConversationState("/work", agent.ModeAgent)
	require.NoError(t, store.SaveSession(state))

	require.NoError(t, store.SaveTurn(state.SessionID, agent.NewRecapTurn(
		"Earlier work was condensed.",
		[]string{"Original request: fix the bug", "File touched: main.go"},
	)))
	require.NoError(t, store.SaveTurn(state.SessionID, agent.NewUserTurn("continue")))

	loaded, err := store.LoadSession(state.SessionID)
	require.NoError(t, err)
	assert.Equal(t, "Earlier work was condensed.", loaded.MemoryDigest)
	assert.Contains(t, loaded.Important.Facts(), "Original request: fix the bug")
	assert.Contains(t, loaded.Important.Facts(), "File touched: main.go")
}

func TestListAndDeleteSessions(t *testing.T) {
	store := openTestStore(t)

	s1 := agent.NewConversationState("/a", agent.ModeAgent)
	s2 := agent.NewConversationState("/b", agent.ModeAsk)
	require.NoError(t, store.SaveSession(s1))
	require.NoError(t, store.SaveSession(s2))

	ids, err := store.ListSessions()
	require.NoError(t, err)
	assert.Len(t, ids, 2)

	require.NoError(t, store.DeleteSession(s1.SessionID))
	ids, err = store.ListSessions()
	require.NoError(t, err)
	assert.Equal(t, []string{s2.SessionID}, ids)
}

func TestSaveSessionUpsert(t *testing.T) {
	store := openTestStore(t)
	state := agent.NewConversationState("/work", agent.ModeAgent)
	require.NoError(t, store.SaveSession(state))

	state.Mode = agent.ModePlan
	require.NoError(t, store.SaveSession(state))

	loaded, err := store.LoadSession(state.SessionID)
	require.NoError(t, err)
	assert.Equal(t, agent.ModePlan, loaded.Mode)

	ids, err := store.ListSessions()
	require.NoError(t, err)
	assert.Len(t, ids, 1)
}
