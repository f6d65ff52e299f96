package conversation

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nestor-ai/nestor/pkg/config"
	"github.com/nestor-ai/nestor/pkg/errdefs"
	"github.com/nestor-ai/nestor/pkg/llms"
	"github.com/nestor-ai/nestor/pkg/pipeline"
	"github.com/nestor-ai/nestor/pkg/search"
	"github.com/nestor-ai/nestor/pkg/types"
)

// stubSearcher records every input and serves a canned output.
type stubSearcher struct {
	out    *search.Output
	err    error
	inputs []search.Input
}

func (s *stubSearcher) Search(_ context.Context, in search.Input) (*search.Output, error) {
	s.inputs = append(s.inputs, in)
	if s.err != nil {
		return nil, s.err
	}
	if s.out != nil {
		return s.out, nil
	}
	return &search.Output{Answer: "stub answer"}, nil
}

// stubGenerator pops scripted replies in order and records every request.
type stubGenerator struct {
	replies  []string
	err      error
	requests []llms.Request
}

func (g *stubGenerator) Generate(_ context.Context, req llms.Request) (*llms.Result, error) {
	call := len(g.requests)
	g.requests = append(g.requests, req)
	if g.err != nil {
		return nil, g.err
	}
	text := "stub summary"
	if call < len(g.replies) {
		text = g.replies[call]
	}
	return &llms.Result{Text: text, InputTokens: 40, OutputTokens: 20, TotalTokens: 60}, nil
}

type managerFixture struct {
	manager    *Manager
	store      *MemoryStore
	searcher   *stubSearcher
	llm        *stubGenerator
	user       uuid.UUID
	collection uuid.UUID
}

func newManagerFixture(t *testing.T) *managerFixture {
	t.Helper()
	settings := &config.Settings{}
	settings.SetDefaults()

	store := NewMemoryStore()
	searcher := &stubSearcher{}
	llm := &stubGenerator{}
	mgr, err := NewManager(&Deps{
		Store:    store,
		Searcher: searcher,
		LLM:      llm,
		Resolver: config.NewResolver(settings),
	})
	require.NoError(t, err)

	return &managerFixture{
		manager:    mgr,
		store:      store,
		searcher:   searcher,
		llm:        llm,
		user:       types.NewID(),
		collection: types.NewID(),
	}
}

func (f *managerFixture) session(t *testing.T) *types.ConversationSession {
	t.Helper()
	return f.sessionWith(t, 0, 0)
}

func (f *managerFixture) sessionWith(t *testing.T, window, maxMessages int) *types.ConversationSession {
	t.Helper()
	sess, err := f.manager.CreateSession(context.Background(), CreateSessionInput{
		UserID:            f.user,
		CollectionID:      f.collection,
		Name:              "go questions",
		ContextWindowSize: window,
		MaxMessages:       maxMessages,
	})
	require.NoError(t, err)
	return sess
}

func (f *managerFixture) appendWithTokens(t *testing.T, sessionID uuid.UUID, role types.MessageRole, content string, count int) *types.ConversationMessage {
	t.Helper()
	msg := newMessage(sessionID, role, content)
	msg.TokenCount = &count
	require.NoError(t, f.store.Messages().Append(context.Background(), msg))
	return msg
}

func TestCreateSessionAppliesDefaults(t *testing.T) {
	f := newManagerFixture(t)
	sess, err := f.manager.CreateSession(context.Background(), CreateSessionInput{
		UserID:       f.user,
		CollectionID: f.collection,
		Name:         "  go questions  ",
	})
	require.NoError(t, err)
	assert.Equal(t, "go questions", sess.Name)
	assert.Equal(t, types.SessionActive, sess.Status)
	assert.Equal(t, 4096, sess.ContextWindowSize)
	assert.Equal(t, 50, sess.MaxMessages)
}

func TestCreateSessionValidation(t *testing.T) {
	f := newManagerFixture(t)
	cases := []struct {
		name string
		in   CreateSessionInput
	}{
		{"blank name", CreateSessionInput{UserID: f.user, CollectionID: f.collection, Name: "   "}},
		{"missing user", CreateSessionInput{CollectionID: f.collection, Name: "x"}},
		{"missing collection", CreateSessionInput{UserID: f.user, Name: "x"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.manager.CreateSession(context.Background(), tc.in)
			assert.True(t, errdefs.IsValidation(err))
		})
	}
}

func TestGetSessionHidesForeignSessions(t *testing.T) {
	f := newManagerFixture(t)
	sess := f.session(t)

	_, err := f.manager.GetSession(context.Background(), types.NewID(), sess.ID)
	assert.True(t, errdefs.IsNotFound(err))

	got, err := f.manager.GetSession(context.Background(), f.user, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, sess.ID, got.ID)
}

func TestUpdateSessionTransitions(t *testing.T) {
	ctx := context.Background()
	f := newManagerFixture(t)
	sess := f.session(t)

	name := "  renamed  "
	pin := true
	updated, err := f.manager.UpdateSession(ctx, f.user, sess.ID, UpdateSessionInput{Name: &name, IsPinned: &pin})
	require.NoError(t, err)
	assert.Equal(t, "renamed", updated.Name)
	assert.True(t, updated.IsPinned)

	paused := types.SessionPaused
	updated, err = f.manager.UpdateSession(ctx, f.user, sess.ID, UpdateSessionInput{Status: &paused})
	require.NoError(t, err)
	assert.Equal(t, types.SessionPaused, updated.Status)

	archived := types.SessionArchived
	_, err = f.manager.UpdateSession(ctx, f.user, sess.ID, UpdateSessionInput{Status: &archived})
	require.NoError(t, err)

	// Archived sessions are read-only.
	active := types.SessionActive
	_, err = f.manager.UpdateSession(ctx, f.user, sess.ID, UpdateSessionInput{Status: &active})
	assert.True(t, errdefs.IsValidation(err))
	_, err = f.manager.UpdateSession(ctx, f.user, sess.ID, UpdateSessionInput{Name: &name})
	assert.True(t, errdefs.IsValidation(err))
}

func TestUpdateSessionRejectsIllegalTransition(t *testing.T) {
	ctx := context.Background()
	f := newManagerFixture(t)
	sess := f.session(t)

	paused := types.SessionPaused
	_, err := f.manager.UpdateSession(ctx, f.user, sess.ID, UpdateSessionInput{Status: &paused})
	require.NoError(t, err)

	expired := types.SessionExpired
	_, err = f.manager.UpdateSession(ctx, f.user, sess.ID, UpdateSessionInput{Status: &expired})
	assert.True(t, errdefs.IsValidation(err))
}

func TestAddMessageStampsTokenCount(t *testing.T) {
	f := newManagerFixture(t)
	sess := f.session(t)

	msg, err := f.manager.AddMessage(context.Background(), AddMessageInput{
		SessionID: sess.ID,
		UserID:    f.user,
		Role:      types.RoleUserMessage,
		Content:   "What is a goroutine?",
	})
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, msg.ID)
	assert.Equal(t, types.MessageQuestion, msg.Type)
	require.NotNil(t, msg.TokenCount)
	assert.Positive(t, *msg.TokenCount)

	listed, err := f.manager.ListMessages(context.Background(), f.user, sess.ID)
	require.NoError(t, err)
	assert.Len(t, listed, 1)
}

func TestAddMessageRejectedOutsideActive(t *testing.T) {
	ctx := context.Background()
	f := newManagerFixture(t)

	paused := f.session(t)
	status := types.SessionPaused
	_, err := f.manager.UpdateSession(ctx, f.user, paused.ID, UpdateSessionInput{Status: &status})
	require.NoError(t, err)
	_, err = f.manager.AddMessage(ctx, AddMessageInput{
		SessionID: paused.ID, UserID: f.user,
		Role: types.RoleUserMessage, Content: "hello",
	})
	assert.True(t, errdefs.IsValidation(err))

	expired := f.session(t)
	status = types.SessionExpired
	_, err = f.manager.UpdateSession(ctx, f.user, expired.ID, UpdateSessionInput{Status: &status})
	require.NoError(t, err)
	_, err = f.manager.AddMessage(ctx, AddMessageInput{
		SessionID: expired.ID, UserID: f.user,
		Role: types.RoleUserMessage, Content: "hello",
	})
	assert.True(t, errdefs.Is(err, errdefs.KindSessionExpired))
}

func TestProcessUserMessageCommitsTurn(t *testing.T) {
	ctx := context.Background()
	f := newManagerFixture(t)
	sess := f.session(t)
	f.searcher.out = &search.Output{
		Answer:         "Goroutines are lightweight threads.",
		RewrittenQuery: "What is a goroutine in Go?",
		Metadata: search.Metadata{
			TokenUsage:    pipeline.TokenUsage{InputTokens: 100, OutputTokens: 42, TotalTokens: 142},
			ExecutionTime: time.Second,
		},
	}

	exch, err := f.manager.ProcessUserMessage(ctx, ProcessInput{
		SessionID: sess.ID,
		UserID:    f.user,
		Question:  "What is a goroutine?",
	})
	require.NoError(t, err)

	require.Len(t, f.searcher.inputs, 1)
	assert.Equal(t, "What is a goroutine?", f.searcher.inputs[0].Question)
	assert.Equal(t, f.collection, f.searcher.inputs[0].CollectionID)
	assert.Equal(t, f.user, f.searcher.inputs[0].UserID)

	assert.Equal(t, types.MessageQuestion, exch.UserMessage.Type)
	assert.Equal(t, "What is a goroutine?", exch.UserMessage.Content)
	require.NotNil(t, exch.UserMessage.TokenCount)
	assert.Positive(t, *exch.UserMessage.TokenCount)

	assert.Equal(t, "Goroutines are lightweight threads.", exch.AssistantMessage.Content)
	require.NotNil(t, exch.AssistantMessage.TokenCount)
	assert.Equal(t, 42, *exch.AssistantMessage.TokenCount)
	assert.Equal(t, time.Second, exch.AssistantMessage.ExecutionTime)
	assert.Equal(t, "What is a goroutine in Go?", exch.AssistantMessage.Metadata["rewritten_query"])

	listed, err := f.manager.ListMessages(ctx, f.user, sess.ID)
	require.NoError(t, err)
	require.Len(t, listed, 2)
	assert.Equal(t, types.RoleUserMessage, listed[0].Role)
	assert.Equal(t, types.RoleAssistant, listed[1].Role)
}

func TestProcessUserMessageEnhancesFollowUps(t *testing.T) {
	ctx := context.Background()
	f := newManagerFixture(t)
	sess := f.session(t)

	_, err := f.manager.ProcessUserMessage(ctx, ProcessInput{
		SessionID: sess.ID, UserID: f.user, Question: "What is a goroutine?",
	})
	require.NoError(t, err)

	exch, err := f.manager.ProcessUserMessage(ctx, ProcessInput{
		SessionID: sess.ID, UserID: f.user, Question: "tell me more",
	})
	require.NoError(t, err)

	require.Len(t, f.searcher.inputs, 2)
	assert.Equal(t, "tell me more (continuing from: What is a goroutine?)", f.searcher.inputs[1].Question)
	assert.Equal(t, types.MessageFollowUp, exch.UserMessage.Type)
	assert.Equal(t, "tell me more", exch.UserMessage.Content)
	assert.Equal(t, "tell me more (continuing from: What is a goroutine?)", exch.UserMessage.Metadata["enhanced_question"])
}

func TestProcessUserMessageSearchFailureCommitsNothing(t *testing.T) {
	ctx := context.Background()
	f := newManagerFixture(t)
	sess := f.session(t)
	f.searcher.err = errdefs.NewNotFound("search", "collection", f.collection.String())

	_, err := f.manager.ProcessUserMessage(ctx, ProcessInput{
		SessionID: sess.ID, UserID: f.user, Question: "What is a goroutine?",
	})
	assert.True(t, errdefs.IsNotFound(err))

	listed, err := f.manager.ListMessages(ctx, f.user, sess.ID)
	require.NoError(t, err)
	assert.Empty(t, listed)
}

func TestProcessUserMessagePausedSessionRejected(t *testing.T) {
	ctx := context.Background()
	f := newManagerFixture(t)
	sess := f.session(t)
	status := types.SessionPaused
	_, err := f.manager.UpdateSession(ctx, f.user, sess.ID, UpdateSessionInput{Status: &status})
	require.NoError(t, err)

	_, err = f.manager.ProcessUserMessage(ctx, ProcessInput{
		SessionID: sess.ID, UserID: f.user, Question: "hello",
	})
	assert.True(t, errdefs.IsValidation(err))
	assert.Empty(t, f.searcher.inputs)
}

func TestGetContextFitsRecentMessages(t *testing.T) {
	ctx := context.Background()
	f := newManagerFixture(t)
	// Threshold 0.8 of a 300-token window leaves a 240-token budget.
	sess := f.sessionWith(t, 300, 0)
	f.appendWithTokens(t, sess.ID, types.RoleUserMessage, "first", 100)
	f.appendWithTokens(t, sess.ID, types.RoleAssistant, "second", 100)
	f.appendWithTokens(t, sess.ID, types.RoleUserMessage, "third", 100)

	win, err := f.manager.GetContext(ctx, f.user, sess.ID, 0)
	require.NoError(t, err)
	require.Len(t, win.Messages, 2)
	assert.Equal(t, "second", win.Messages[0].Content)
	assert.Equal(t, "third", win.Messages[1].Content)
	assert.Equal(t, 200, win.TotalTokens)
	assert.LessOrEqual(t, win.TotalTokens, sess.ContextWindowSize)
}

func TestGetContextExplicitCapTightens(t *testing.T) {
	ctx := context.Background()
	f := newManagerFixture(t)
	sess := f.sessionWith(t, 300, 0)
	f.appendWithTokens(t, sess.ID, types.RoleUserMessage, "first", 100)
	f.appendWithTokens(t, sess.ID, types.RoleAssistant, "second", 100)

	win, err := f.manager.GetContext(ctx, f.user, sess.ID, 100)
	require.NoError(t, err)
	require.Len(t, win.Messages, 1)
	assert.Equal(t, "second", win.Messages[0].Content)
}

func TestGetContextHonorsMaxMessages(t *testing.T) {
	ctx := context.Background()
	f := newManagerFixture(t)
	sess := f.sessionWith(t, 0, 2)
	for _, content := range []string{"one", "two", "three", "four"} {
		f.appendWithTokens(t, sess.ID, types.RoleUserMessage, content, 10)
	}

	win, err := f.manager.GetContext(ctx, f.user, sess.ID, 0)
	require.NoError(t, err)
	require.Len(t, win.Messages, 2)
	assert.Equal(t, "three", win.Messages[0].Content)
	assert.Equal(t, "four", win.Messages[1].Content)
}

func TestGetContextSubstitutesSummary(t *testing.T) {
	ctx := context.Background()
	f := newManagerFixture(t)
	sess := f.session(t)

	first := f.appendWithTokens(t, sess.ID, types.RoleUserMessage, "What is a goroutine?", 100)
	second := f.appendWithTokens(t, sess.ID, types.RoleAssistant, "A lightweight thread.", 100)
	f.appendWithTokens(t, sess.ID, types.RoleUserMessage, "How do channels work?", 100)
	f.appendWithTokens(t, sess.ID, types.RoleAssistant, "They pass values.", 100)

	sum := &types.ConversationSummary{
		SessionID:              sess.ID,
		Summary:                "Covered goroutine basics.",
		SummarizedMessageCount: 2,
		Strategy:               types.SummarizeRecentPlusSummary,
	}
	require.NoError(t, f.store.Summaries().Create(ctx, sum))
	require.NoError(t, f.store.Messages().MarkSubsumed(ctx, sum.ID, []uuid.UUID{first.ID, second.ID}))

	win, err := f.manager.GetContext(ctx, f.user, sess.ID, 0)
	require.NoError(t, err)
	require.Len(t, win.Messages, 3)
	assert.Equal(t, types.MessageSummary, win.Messages[0].Type)
	assert.Equal(t, types.RoleSystem, win.Messages[0].Role)
	assert.Equal(t, "Covered goroutine basics.", win.Messages[0].Content)
	assert.Equal(t, "How do channels work?", win.Messages[1].Content)
	assert.Equal(t, "They pass values.", win.Messages[2].Content)
}

func TestEnhanceQuestionOp(t *testing.T) {
	ctx := context.Background()
	f := newManagerFixture(t)
	sess := f.session(t)
	f.appendWithTokens(t, sess.ID, types.RoleUserMessage, "What is a goroutine?", 10)

	got, err := f.manager.EnhanceQuestion(ctx, f.user, sess.ID, "tell me more")
	require.NoError(t, err)
	assert.Equal(t, "tell me more (continuing from: What is a goroutine?)", got)

	_, err = f.manager.EnhanceQuestion(ctx, f.user, sess.ID, "   ")
	assert.True(t, errdefs.IsValidation(err))
}

func TestCleanupExpiredSessions(t *testing.T) {
	ctx := context.Background()
	f := newManagerFixture(t)
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	f.store.now = func() time.Time { return base }
	idle := f.session(t)
	pinnedSess := f.session(t)
	pin := true
	_, err := f.manager.UpdateSession(ctx, f.user, pinnedSess.ID, UpdateSessionInput{IsPinned: &pin})
	require.NoError(t, err)

	f.store.now = func() time.Time { return base.Add(36 * time.Hour) }
	fresh := f.session(t)

	// Default TTL is 24h, so the cutoff lands at base+12h.
	f.manager.now = func() time.Time { return base.Add(36 * time.Hour) }
	n, err := f.manager.CleanupExpiredSessions(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := f.manager.GetSession(ctx, f.user, idle.ID)
	require.NoError(t, err)
	assert.Equal(t, types.SessionExpired, got.Status)
	got, err = f.manager.GetSession(ctx, f.user, pinnedSess.ID)
	require.NoError(t, err)
	assert.Equal(t, types.SessionActive, got.Status)
	got, err = f.manager.GetSession(ctx, f.user, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, types.SessionActive, got.Status)
}

func TestDeleteSessionChecksOwnership(t *testing.T) {
	ctx := context.Background()
	f := newManagerFixture(t)
	sess := f.session(t)

	err := f.manager.DeleteSession(ctx, types.NewID(), sess.ID)
	assert.True(t, errdefs.IsNotFound(err))

	require.NoError(t, f.manager.DeleteSession(ctx, f.user, sess.ID))
	_, err = f.manager.GetSession(ctx, f.user, sess.ID)
	assert.True(t, errdefs.IsNotFound(err))
}

func TestNewManagerValidatesDeps(t *testing.T) {
	_, err := NewManager(nil)
	assert.Error(t, err)

	_, err = NewManager(&Deps{})
	assert.ErrorContains(t, err, "store")

	settings := &config.Settings{}
	settings.SetDefaults()
	_, err = NewManager(&Deps{
		Store:    NewMemoryStore(),
		Searcher: &stubSearcher{},
		LLM:      &stubGenerator{},
		Resolver: config.NewResolver(settings),
	})
	assert.NoError(t, err)
}
