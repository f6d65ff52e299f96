package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nestor-ai/nestor/pkg/config"
	"github.com/nestor-ai/nestor/pkg/errdefs"
	"github.com/nestor-ai/nestor/pkg/llms"
	"github.com/nestor-ai/nestor/pkg/search"
	"github.com/nestor-ai/nestor/pkg/tokens"
	"github.com/nestor-ai/nestor/pkg/types"
)

// Searcher answers one question against a collection. *search.Service
// implements it.
type Searcher interface {
	Search(ctx context.Context, in search.Input) (*search.Output, error)
}

// Generator produces free-form text; summarization uses it. *llms.Service
// implements it.
type Generator interface {
	Generate(ctx context.Context, req llms.Request) (*llms.Result, error)
}

// Deps carries the manager's collaborators.
type Deps struct {
	Store    Store
	Searcher Searcher
	LLM      Generator
	Resolver *config.Resolver

	// Model tunes token counting. Empty falls back to a character-ratio
	// estimate, which is fine for window bookkeeping.
	Model string
}

func (d *Deps) validate() error {
	if d.Store == nil {
		return fmt.Errorf("conversation: store is required")
	}
	if d.Searcher == nil {
		return fmt.Errorf("conversation: searcher is required")
	}
	if d.LLM == nil {
		return fmt.Errorf("conversation: llm generator is required")
	}
	if d.Resolver == nil {
		return fmt.Errorf("conversation: settings resolver is required")
	}
	return nil
}

// sessionLocks serializes writes per session so interleaved turns cannot
// split a question from its answer.
type sessionLocks struct {
	mu sync.Mutex
	m  map[uuid.UUID]*sync.Mutex
}

func (l *sessionLocks) lock(id uuid.UUID) *sync.Mutex {
	l.mu.Lock()
	lk, ok := l.m[id]
	if !ok {
		lk = &sync.Mutex{}
		l.m[id] = lk
	}
	l.mu.Unlock()
	lk.Lock()
	return lk
}

// Manager owns the session lifecycle: creation, status transitions, the
// append-only message log, window assembly, summarization, and the idle
// sweep.
type Manager struct {
	store    Store
	searcher Searcher
	llm      Generator
	resolver *config.Resolver
	counter  *tokens.Counter
	locks    sessionLocks
	now      func() time.Time
}

// NewManager validates the dependencies and returns a ready manager.
func NewManager(deps *Deps) (*Manager, error) {
	if deps == nil {
		return nil, fmt.Errorf("conversation: dependencies are required")
	}
	if err := deps.validate(); err != nil {
		return nil, err
	}
	counter, err := tokens.NewCounter(deps.Model)
	if err != nil {
		return nil, fmt.Errorf("conversation: %w", err)
	}
	return &Manager{
		store:    deps.Store,
		searcher: deps.Searcher,
		llm:      deps.LLM,
		resolver: deps.Resolver,
		counter:  counter,
		locks:    sessionLocks{m: make(map[uuid.UUID]*sync.Mutex)},
		now:      time.Now,
	}, nil
}

// ---------------------------------------------------------------------------
// Sessions
// ---------------------------------------------------------------------------

// CreateSessionInput names the session and the collection it converses
// over. Zero window and message caps take the configured defaults.
type CreateSessionInput struct {
	UserID            uuid.UUID      `json:"user_id"`
	CollectionID      uuid.UUID      `json:"collection_id"`
	Name              string         `json:"name"`
	ContextWindowSize int            `json:"context_window_size,omitempty"`
	MaxMessages       int            `json:"max_messages,omitempty"`
	Metadata          map[string]any `json:"session_metadata,omitempty"`
}

// CreateSession starts an active session.
func (m *Manager) CreateSession(ctx context.Context, in CreateSessionInput) (*types.ConversationSession, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return nil, errdefs.NewValidation("conversation", "session name is required")
	}
	if in.UserID == uuid.Nil {
		return nil, errdefs.NewValidation("conversation", "user_id is required")
	}
	if in.CollectionID == uuid.Nil {
		return nil, errdefs.NewValidation("conversation", "collection_id is required")
	}

	sess := &types.ConversationSession{
		ID:                types.NewID(),
		UserID:            in.UserID,
		CollectionID:      in.CollectionID,
		Name:              name,
		Status:            types.SessionActive,
		ContextWindowSize: in.ContextWindowSize,
		MaxMessages:       in.MaxMessages,
		Metadata:          in.Metadata,
	}
	if sess.ContextWindowSize <= 0 {
		sess.ContextWindowSize = m.resolver.Int("default_context_window", in.Metadata, tokens.DefaultContextWindow)
	}
	if sess.MaxMessages <= 0 {
		sess.MaxMessages = m.resolver.Int("default_max_messages", in.Metadata, 50)
	}
	if err := m.store.Sessions().Create(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// GetSession returns the session when it belongs to the user. Foreign
// sessions are indistinguishable from missing ones.
func (m *Manager) GetSession(ctx context.Context, userID, sessionID uuid.UUID) (*types.ConversationSession, error) {
	sess, err := m.store.Sessions().Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.UserID != userID {
		return nil, errdefs.NewNotFound("conversation", "session", sessionID.String())
	}
	return sess, nil
}

// ListSessions returns the user's sessions, most recently touched first.
// Archived sessions appear only when includeArchived is set.
func (m *Manager) ListSessions(ctx context.Context, userID uuid.UUID, includeArchived bool) ([]*types.ConversationSession, error) {
	return m.store.Sessions().List(ctx, userID, includeArchived)
}

// UpdateSessionInput applies partial changes; nil fields keep their value.
type UpdateSessionInput struct {
	Name     *string              `json:"name,omitempty"`
	Status   *types.SessionStatus `json:"status,omitempty"`
	IsPinned *bool                `json:"is_pinned,omitempty"`
	Metadata map[string]any       `json:"session_metadata,omitempty"`
}

// UpdateSession renames, pins, re-tags, or transitions the session.
// Illegal status transitions are rejected.
func (m *Manager) UpdateSession(ctx context.Context, userID, sessionID uuid.UUID, in UpdateSessionInput) (*types.ConversationSession, error) {
	lk := m.locks.lock(sessionID)
	defer lk.Unlock()

	sess, err := m.GetSession(ctx, userID, sessionID)
	if err != nil {
		return nil, err
	}
	if err := mutable(sess); err != nil {
		return nil, err
	}
	if in.Name != nil {
		name := strings.TrimSpace(*in.Name)
		if name == "" {
			return nil, errdefs.NewValidation("conversation", "session name is required")
		}
		sess.Name = name
	}
	if in.Status != nil {
		if !sess.Status.CanTransitionTo(*in.Status) {
			return nil, errdefs.NewValidation("conversation",
				fmt.Sprintf("cannot transition session from %s to %s", sess.Status, *in.Status))
		}
		sess.Status = *in.Status
	}
	if in.IsPinned != nil {
		sess.IsPinned = *in.IsPinned
	}
	if in.Metadata != nil {
		sess.Metadata = in.Metadata
	}
	if err := m.store.Sessions().Update(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// DeleteSession removes the session with its messages and summaries.
func (m *Manager) DeleteSession(ctx context.Context, userID, sessionID uuid.UUID) error {
	if _, err := m.GetSession(ctx, userID, sessionID); err != nil {
		return err
	}
	return m.store.Sessions().Delete(ctx, sessionID)
}

// ---------------------------------------------------------------------------
// Messages
// ---------------------------------------------------------------------------

// AddMessageInput appends one raw message. Type derives from the role
// when unset.
type AddMessageInput struct {
	SessionID uuid.UUID         `json:"session_id"`
	UserID    uuid.UUID         `json:"user_id"`
	Role      types.MessageRole `json:"role"`
	Type      types.MessageType `json:"type,omitempty"`
	Content   string            `json:"content"`
	Metadata  map[string]any    `json:"metadata,omitempty"`
}

// AddMessage appends to an active session. The token count is computed
// when the caller leaves it unset.
func (m *Manager) AddMessage(ctx context.Context, in AddMessageInput) (*types.ConversationMessage, error) {
	lk := m.locks.lock(in.SessionID)
	defer lk.Unlock()

	sess, err := m.GetSession(ctx, in.UserID, in.SessionID)
	if err != nil {
		return nil, err
	}
	if err := appendable(sess); err != nil {
		return nil, err
	}

	msg := &types.ConversationMessage{
		SessionID: in.SessionID,
		Role:      in.Role,
		Type:      in.Type,
		Content:   in.Content,
		Metadata:  in.Metadata,
	}
	if msg.Type == "" {
		msg.Type = defaultMessageType(in.Role)
	}
	m.stampTokens(msg)
	if err := m.store.Messages().Append(ctx, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// ListMessages returns the session's full log in order, subsumed messages
// included.
func (m *Manager) ListMessages(ctx context.Context, userID, sessionID uuid.UUID) ([]*types.ConversationMessage, error) {
	if _, err := m.GetSession(ctx, userID, sessionID); err != nil {
		return nil, err
	}
	return m.store.Messages().List(ctx, sessionID)
}

func appendable(sess *types.ConversationSession) error {
	if sess.Status.AcceptsMessages() {
		return nil
	}
	if sess.Status == types.SessionExpired {
		return errdefs.NewSessionExpired("conversation", sess.ID.String())
	}
	return errdefs.NewValidation("conversation",
		fmt.Sprintf("session is %s and does not accept messages", sess.Status))
}

// mutable rejects writes against terminal sessions. Archived and expired
// sessions stay readable.
func mutable(sess *types.ConversationSession) error {
	if sess.Status == types.SessionArchived || sess.Status == types.SessionExpired {
		return errdefs.NewValidation("conversation",
			fmt.Sprintf("session is %s and read-only", sess.Status))
	}
	return nil
}

func defaultMessageType(role types.MessageRole) types.MessageType {
	switch role {
	case types.RoleAssistant:
		return types.MessageAnswer
	case types.RoleSystem:
		return types.MessageSystemNotice
	default:
		return types.MessageQuestion
	}
}

func (m *Manager) stampTokens(msg *types.ConversationMessage) {
	if msg.TokenCount != nil {
		return
	}
	n := m.counter.Count(msg.Content)
	msg.TokenCount = &n
}

func (m *Manager) messageTokens(msg *types.ConversationMessage) int {
	if msg.TokenCount != nil {
		return *msg.TokenCount
	}
	return m.counter.Count(msg.Content)
}

// ---------------------------------------------------------------------------
// Context assembly
// ---------------------------------------------------------------------------

// Window is the assembled context for one generation call: the most
// recent turns that fit the budget, oldest first, with summaries standing
// in for the runs they subsume.
type Window struct {
	SessionID   uuid.UUID                    `json:"session_id"`
	Messages    []*types.ConversationMessage `json:"messages"`
	TotalTokens int                          `json:"total_tokens"`
}

// GetContext assembles the window. maxTokens further tightens the budget
// when positive; the budget never exceeds the session's context window,
// and the slice above the configured threshold stays free for the answer.
func (m *Manager) GetContext(ctx context.Context, userID, sessionID uuid.UUID, maxTokens int) (*Window, error) {
	sess, err := m.GetSession(ctx, userID, sessionID)
	if err != nil {
		return nil, err
	}
	msgs, err := m.store.Messages().List(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	sums, err := m.store.Summaries().List(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	timeline := spliceSummaries(msgs, sums)

	threshold := m.resolver.Float64("context_window_threshold", sess.Metadata, 0.8)
	budget := int(float64(sess.ContextWindowSize) * threshold)
	if maxTokens > 0 && maxTokens < budget {
		budget = maxTokens
	}

	total := 0
	start := len(timeline)
	for i := len(timeline) - 1; i >= 0; i-- {
		if len(timeline)-i > sess.MaxMessages {
			break
		}
		t := m.messageTokens(timeline[i])
		if total+t > budget {
			break
		}
		total += t
		start = i
	}
	return &Window{
		SessionID:   sessionID,
		Messages:    timeline[start:],
		TotalTokens: total,
	}, nil
}

// spliceSummaries builds the chronological timeline with each summary
// placed where its first subsumed message was. Subsumed messages drop
// out; the summary rides as a synthetic system turn carrying the summary
// id.
func spliceSummaries(msgs []*types.ConversationMessage, sums []*types.ConversationSummary) []*types.ConversationMessage {
	byID := make(map[uuid.UUID]*types.ConversationSummary, len(sums))
	for _, sum := range sums {
		byID[sum.ID] = sum
	}
	placed := make(map[uuid.UUID]bool, len(sums))
	out := make([]*types.ConversationMessage, 0, len(msgs))
	for _, msg := range msgs {
		if msg.SubsumedBy == nil {
			out = append(out, msg)
			continue
		}
		sum, ok := byID[*msg.SubsumedBy]
		if !ok || placed[sum.ID] {
			continue
		}
		placed[sum.ID] = true
		out = append(out, &types.ConversationMessage{
			ID:        sum.ID,
			SessionID: msg.SessionID,
			Role:      types.RoleSystem,
			Type:      types.MessageSummary,
			Content:   sum.Summary,
			CreatedAt: sum.CreatedAt,
		})
	}
	return out
}

// ---------------------------------------------------------------------------
// Turns
// ---------------------------------------------------------------------------

// EnhanceQuestion rewrites a follow-up into a standalone question using
// the session's history. The history is read as-is; nothing is persisted.
func (m *Manager) EnhanceQuestion(ctx context.Context, userID, sessionID uuid.UUID, question string) (string, error) {
	if strings.TrimSpace(question) == "" {
		return "", errdefs.NewValidation("conversation", "question is required")
	}
	if _, err := m.GetSession(ctx, userID, sessionID); err != nil {
		return "", err
	}
	history, err := m.store.Messages().List(ctx, sessionID)
	if err != nil {
		return "", err
	}
	return Enhance(history, question), nil
}

// ProcessInput is one user turn to run end to end.
type ProcessInput struct {
	SessionID      uuid.UUID      `json:"session_id"`
	UserID         uuid.UUID      `json:"user_id"`
	Question       string         `json:"question"`
	ConfigMetadata map[string]any `json:"config_metadata,omitempty"`
}

// Exchange is one completed turn: the persisted user message, the
// persisted assistant reply, and the search result behind it.
type Exchange struct {
	UserMessage      *types.ConversationMessage `json:"user_message"`
	AssistantMessage *types.ConversationMessage `json:"assistant_message"`
	Search           *search.Output             `json:"search"`
}

// ProcessUserMessage enhances the question, searches the session's
// collection, and commits the question together with the answer. The user
// message keeps the user's words verbatim; the enhanced form travels in
// its metadata.
func (m *Manager) ProcessUserMessage(ctx context.Context, in ProcessInput) (*Exchange, error) {
	question := strings.TrimSpace(in.Question)
	if question == "" {
		return nil, errdefs.NewValidation("conversation", "question is required")
	}

	lk := m.locks.lock(in.SessionID)
	defer lk.Unlock()

	sess, err := m.GetSession(ctx, in.UserID, in.SessionID)
	if err != nil {
		return nil, err
	}
	if err := appendable(sess); err != nil {
		return nil, err
	}
	if sess.CollectionID == uuid.Nil {
		return nil, errdefs.NewValidation("conversation", "session has no collection to search")
	}
	history, err := m.store.Messages().List(ctx, in.SessionID)
	if err != nil {
		return nil, err
	}
	enhanced := Enhance(history, question)

	out, err := m.searcher.Search(ctx, search.Input{
		Question:       enhanced,
		CollectionID:   sess.CollectionID,
		UserID:         in.UserID,
		ConfigMetadata: in.ConfigMetadata,
	})
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(out.Answer) == "" {
		return nil, errdefs.NewProvider("conversation", errdefs.ProviderMalformed,
			"search returned an empty answer", nil)
	}

	userMsg := &types.ConversationMessage{
		SessionID: in.SessionID,
		Role:      types.RoleUserMessage,
		Type:      userMessageType(history),
		Content:   question,
	}
	if enhanced != question {
		userMsg.Metadata = map[string]any{"enhanced_question": enhanced}
	}
	m.stampTokens(userMsg)

	assistant := &types.ConversationMessage{
		SessionID:     in.SessionID,
		Role:          types.RoleAssistant,
		Type:          types.MessageAnswer,
		Content:       out.Answer,
		ExecutionTime: out.Metadata.ExecutionTime,
		Metadata:      assistantMetadata(out),
	}
	if usage := out.Metadata.TokenUsage; usage.OutputTokens > 0 {
		n := usage.OutputTokens
		assistant.TokenCount = &n
	}
	m.stampTokens(assistant)

	if err := m.store.Messages().Append(ctx, userMsg, assistant); err != nil {
		return nil, err
	}
	slog.Debug("conversation turn committed",
		"session_id", in.SessionID,
		"enhanced", enhanced != question,
		"total_tokens", out.Metadata.TokenUsage.TotalTokens)
	return &Exchange{UserMessage: userMsg, AssistantMessage: assistant, Search: out}, nil
}

// userMessageType distinguishes the opening question from follow-ups.
func userMessageType(history []*types.ConversationMessage) types.MessageType {
	for _, msg := range history {
		if msg.Role == types.RoleUserMessage {
			return types.MessageFollowUp
		}
	}
	return types.MessageQuestion
}

func assistantMetadata(out *search.Output) map[string]any {
	meta := map[string]any{
		"input_tokens":  out.Metadata.TokenUsage.InputTokens,
		"output_tokens": out.Metadata.TokenUsage.OutputTokens,
		"total_tokens":  out.Metadata.TokenUsage.TotalTokens,
	}
	if out.RewrittenQuery != "" {
		meta["rewritten_query"] = out.RewrittenQuery
	}
	if out.Metadata.CoTUsed {
		meta["cot_used"] = true
		if out.Metadata.ReasoningStrategy != "" {
			meta["reasoning_strategy"] = out.Metadata.ReasoningStrategy
		}
	}
	return meta
}

// ---------------------------------------------------------------------------
// Expiry
// ---------------------------------------------------------------------------

// CleanupExpiredSessions expires active, unpinned sessions idle past the
// configured TTL and reports how many changed.
func (m *Manager) CleanupExpiredSessions(ctx context.Context) (int, error) {
	ttl := m.resolver.Duration("session_ttl", nil, 24*time.Hour)
	cutoff := m.now().Add(-ttl)
	n, err := m.store.Sessions().ExpireIdle(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		slog.Info("expired idle sessions", "count", n, "ttl", ttl)
	}
	return n, nil
}

// RunSweeper expires idle sessions on the configured interval until the
// context is canceled.
func (m *Manager) RunSweeper(ctx context.Context) {
	interval := m.resolver.Duration("session_sweep_interval", nil, 10*time.Minute)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.CleanupExpiredSessions(ctx); err != nil {
				slog.Warn("session sweep failed", "error", err)
			}
		}
	}
}
