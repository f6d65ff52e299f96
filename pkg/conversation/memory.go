package conversation

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nestor-ai/nestor/pkg/errdefs"
	"github.com/nestor-ai/nestor/pkg/types"
)

// MemoryStore is a map-backed Store guarded by a single RWMutex. Messages
// and summaries are held in per-session slices in append order.
type MemoryStore struct {
	mu        sync.RWMutex
	sessions  map[uuid.UUID]*types.ConversationSession
	messages  map[uuid.UUID][]*types.ConversationMessage
	summaries map[uuid.UUID][]*types.ConversationSummary
	now       func() time.Time
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions:  make(map[uuid.UUID]*types.ConversationSession),
		messages:  make(map[uuid.UUID][]*types.ConversationMessage),
		summaries: make(map[uuid.UUID][]*types.ConversationSummary),
		now:       time.Now,
	}
}

func (s *MemoryStore) Sessions() SessionRepository  { return (*memorySessions)(s) }
func (s *MemoryStore) Messages() MessageRepository  { return (*memoryMessages)(s) }
func (s *MemoryStore) Summaries() SummaryRepository { return (*memorySummaries)(s) }

func (s *MemoryStore) Close() error { return nil }

func cloneSession(in *types.ConversationSession) *types.ConversationSession {
	out := *in
	if in.Metadata != nil {
		out.Metadata = make(map[string]any, len(in.Metadata))
		for k, v := range in.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}

func cloneMessage(in *types.ConversationMessage) *types.ConversationMessage {
	out := *in
	if in.TokenCount != nil {
		n := *in.TokenCount
		out.TokenCount = &n
	}
	if in.SubsumedBy != nil {
		id := *in.SubsumedBy
		out.SubsumedBy = &id
	}
	if in.Metadata != nil {
		out.Metadata = make(map[string]any, len(in.Metadata))
		for k, v := range in.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}

func cloneSummary(in *types.ConversationSummary) *types.ConversationSummary {
	out := *in
	out.KeyTopics = append([]string(nil), in.KeyTopics...)
	out.ImportantDecisions = append([]string(nil), in.ImportantDecisions...)
	out.UnresolvedQuestions = append([]string(nil), in.UnresolvedQuestions...)
	return &out
}

// ---------------------------------------------------------------------------
// Sessions
// ---------------------------------------------------------------------------

type memorySessions MemoryStore

func (r *memorySessions) Create(_ context.Context, sess *types.ConversationSession) error {
	if sess.ID == uuid.Nil {
		sess.ID = types.NewID()
	}
	if err := sess.Validate(); err != nil {
		return errdefs.NewValidation("conversation", err.Error())
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[sess.ID]; ok {
		return errdefs.NewAlreadyExists("conversation", "session", sess.ID.String())
	}
	sess.Touch(r.now())
	r.sessions[sess.ID] = cloneSession(sess)
	return nil
}

func (r *memorySessions) Get(_ context.Context, id uuid.UUID) (*types.ConversationSession, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.sessions[id]
	if !ok {
		return nil, errdefs.NewNotFound("conversation", "session", id.String())
	}
	return cloneSession(sess), nil
}

func (r *memorySessions) Update(_ context.Context, sess *types.ConversationSession) error {
	if err := sess.Validate(); err != nil {
		return errdefs.NewValidation("conversation", err.Error())
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[sess.ID]; !ok {
		return errdefs.NewNotFound("conversation", "session", sess.ID.String())
	}
	sess.Touch(r.now())
	r.sessions[sess.ID] = cloneSession(sess)
	return nil
}

func (r *memorySessions) Delete(_ context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[id]; !ok {
		return errdefs.NewNotFound("conversation", "session", id.String())
	}
	delete(r.sessions, id)
	delete(r.messages, id)
	delete(r.summaries, id)
	return nil
}

func (r *memorySessions) List(_ context.Context, userID uuid.UUID, includeArchived bool) ([]*types.ConversationSession, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*types.ConversationSession
	for _, sess := range r.sessions {
		if sess.UserID != userID {
			continue
		}
		if sess.Status == types.SessionArchived && !includeArchived {
			continue
		}
		out = append(out, cloneSession(sess))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out, nil
}

func (r *memorySessions) ExpireIdle(_ context.Context, cutoff time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	expired := 0
	for _, sess := range r.sessions {
		if sess.Status != types.SessionActive || sess.IsPinned {
			continue
		}
		if sess.UpdatedAt.After(cutoff) {
			continue
		}
		// updated_at keeps the last activity time; expiry is bookkeeping.
		sess.Status = types.SessionExpired
		expired++
	}
	return expired, nil
}

// ---------------------------------------------------------------------------
// Messages
// ---------------------------------------------------------------------------

type memoryMessages MemoryStore

func (r *memoryMessages) Append(_ context.Context, msgs ...*types.ConversationMessage) error {
	if len(msgs) == 0 {
		return nil
	}
	sessionID := msgs[0].SessionID
	for _, m := range msgs {
		if m.SessionID != sessionID {
			return errdefs.NewValidation("conversation", "all messages in one append must share a session")
		}
		if err := m.Validate(); err != nil {
			return errdefs.NewValidation("conversation", err.Error())
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[sessionID]
	if !ok {
		return errdefs.NewNotFound("conversation", "session", sessionID.String())
	}
	now := r.now()
	for _, m := range msgs {
		if m.ID == uuid.Nil {
			m.ID = types.NewID()
		}
		if m.CreatedAt.IsZero() {
			m.CreatedAt = now
		}
		r.messages[sessionID] = append(r.messages[sessionID], cloneMessage(m))
	}
	sess.UpdatedAt = now
	return nil
}

func (r *memoryMessages) List(_ context.Context, sessionID uuid.UUID) ([]*types.ConversationMessage, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.sessions[sessionID]; !ok {
		return nil, errdefs.NewNotFound("conversation", "session", sessionID.String())
	}
	msgs := r.messages[sessionID]
	out := make([]*types.ConversationMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, cloneMessage(m))
	}
	return out, nil
}

func (r *memoryMessages) MarkSubsumed(_ context.Context, summaryID uuid.UUID, messageIDs []uuid.UUID) error {
	if len(messageIDs) == 0 {
		return nil
	}
	wanted := make(map[uuid.UUID]bool, len(messageIDs))
	for _, id := range messageIDs {
		wanted[id] = true
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, msgs := range r.messages {
		for _, m := range msgs {
			if wanted[m.ID] {
				id := summaryID
				m.SubsumedBy = &id
				delete(wanted, m.ID)
			}
		}
	}
	if len(wanted) > 0 {
		for id := range wanted {
			return errdefs.NewNotFound("conversation", "message", id.String())
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Summaries
// ---------------------------------------------------------------------------

type memorySummaries MemoryStore

func (r *memorySummaries) Create(_ context.Context, sum *types.ConversationSummary) error {
	if sum.ID == uuid.Nil {
		sum.ID = types.NewID()
	}
	if err := sum.Validate(); err != nil {
		return errdefs.NewValidation("conversation", err.Error())
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[sum.SessionID]; !ok {
		return errdefs.NewNotFound("conversation", "session", sum.SessionID.String())
	}
	if sum.CreatedAt.IsZero() {
		sum.CreatedAt = r.now()
	}
	r.summaries[sum.SessionID] = append(r.summaries[sum.SessionID], cloneSummary(sum))
	return nil
}

func (r *memorySummaries) List(_ context.Context, sessionID uuid.UUID) ([]*types.ConversationSummary, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.sessions[sessionID]; !ok {
		return nil, errdefs.NewNotFound("conversation", "session", sessionID.String())
	}
	sums := r.summaries[sessionID]
	out := make([]*types.ConversationSummary, 0, len(sums))
	for _, sum := range sums {
		out = append(out, cloneSummary(sum))
	}
	return out, nil
}
