package types

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SessionStatus is the lifecycle state of a conversation session.
type SessionStatus string

const (
	SessionActive   SessionStatus = "active"
	SessionPaused   SessionStatus = "paused"
	SessionArchived SessionStatus = "archived"
	SessionExpired  SessionStatus = "expired"
)

// CanTransitionTo reports whether the status change is allowed:
//
//	active ⇄ paused → archived
//	active → expired (sweeper only)
func (s SessionStatus) CanTransitionTo(next SessionStatus) bool {
	if s == next {
		return true
	}
	switch s {
	case SessionActive:
		return next == SessionPaused || next == SessionArchived || next == SessionExpired
	case SessionPaused:
		return next == SessionActive || next == SessionArchived
	case SessionArchived, SessionExpired:
		return false
	default:
		return false
	}
}

// AcceptsMessages reports whether new messages may be appended.
func (s SessionStatus) AcceptsMessages() bool {
	return s == SessionActive
}

// ConversationSession holds dialogue state for one user over one
// collection. The session exclusively owns its messages and summaries; the
// collection is referenced, not owned.
type ConversationSession struct {
	ID                uuid.UUID      `json:"id"`
	UserID            uuid.UUID      `json:"user_id"`
	CollectionID      uuid.UUID      `json:"collection_id"`
	Name              string         `json:"name"`
	Status            SessionStatus  `json:"status"`
	ContextWindowSize int            `json:"context_window_size"`
	MaxMessages       int            `json:"max_messages"`
	IsPinned          bool           `json:"is_pinned"`
	Metadata          map[string]any `json:"session_metadata,omitempty"`
	Timestamps
}

// Validate checks the session record.
func (s *ConversationSession) Validate() error {
	if s.UserID == uuid.Nil {
		return fmt.Errorf("user_id is required")
	}
	if strings.TrimSpace(s.Name) == "" {
		return fmt.Errorf("name is required")
	}
	switch s.Status {
	case SessionActive, SessionPaused, SessionArchived, SessionExpired:
	default:
		return fmt.Errorf("invalid status %q", s.Status)
	}
	if s.ContextWindowSize <= 0 {
		return fmt.Errorf("context_window_size must be positive")
	}
	if s.MaxMessages <= 0 {
		return fmt.Errorf("max_messages must be positive")
	}
	return nil
}

// ExpiredBy reports whether the session should be swept to expired: idle
// past the TTL, currently active, and not pinned.
func (s *ConversationSession) ExpiredBy(now time.Time, ttl time.Duration) bool {
	if s.Status != SessionActive || s.IsPinned {
		return false
	}
	return now.Sub(s.UpdatedAt) >= ttl
}

// MessageRole is the speaker of a conversation message.
type MessageRole string

const (
	RoleUserMessage MessageRole = "user"
	RoleAssistant   MessageRole = "assistant"
	RoleSystem      MessageRole = "system"
)

// MessageType classifies a conversation message.
type MessageType string

const (
	MessageQuestion      MessageType = "question"
	MessageAnswer        MessageType = "answer"
	MessageFollowUp      MessageType = "follow_up"
	MessageClarification MessageType = "clarification"
	MessageSummary       MessageType = "summary"
	MessageSystemNotice  MessageType = "system_notice"
)

// ConversationMessage is one immutable turn in a session. Content, role,
// and type never change after commit; bookkeeping fields (token count,
// subsumption) are filled by the manager.
type ConversationMessage struct {
	ID        uuid.UUID   `json:"id"`
	SessionID uuid.UUID   `json:"session_id"`
	Role      MessageRole `json:"role"`
	Type      MessageType `json:"type"`
	Content   string      `json:"content"`

	// TokenCount is computed on append when the caller leaves it nil.
	TokenCount *int `json:"token_count,omitempty"`

	// ExecutionTime records how long the producing call took.
	ExecutionTime time.Duration `json:"execution_time,omitempty"`

	// SubsumedBy points at the summary that replaced this message in the
	// context window. Subsumed messages stay persisted.
	SubsumedBy *uuid.UUID `json:"subsumed_by,omitempty"`

	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Validate checks the message record.
func (m *ConversationMessage) Validate() error {
	if m.SessionID == uuid.Nil {
		return fmt.Errorf("session_id is required")
	}
	switch m.Role {
	case RoleUserMessage, RoleAssistant, RoleSystem:
	default:
		return fmt.Errorf("invalid role %q", m.Role)
	}
	switch m.Type {
	case MessageQuestion, MessageAnswer, MessageFollowUp, MessageClarification, MessageSummary, MessageSystemNotice:
	default:
		return fmt.Errorf("invalid type %q", m.Type)
	}
	if strings.TrimSpace(m.Content) == "" {
		return fmt.Errorf("content is required")
	}
	if m.TokenCount != nil && *m.TokenCount < 0 {
		return fmt.Errorf("token_count must be non-negative")
	}
	return nil
}

// SummarizationStrategy names how an overflowing window is condensed.
type SummarizationStrategy string

const (
	SummarizeRecentPlusSummary SummarizationStrategy = "recent_plus_summary"
	SummarizeKeyPointsOnly     SummarizationStrategy = "key_points_only"
	SummarizeTopicBased        SummarizationStrategy = "topic_based"
	SummarizeHierarchical      SummarizationStrategy = "hierarchical"
)

// ParseSummarizationStrategy converts a string to a strategy.
func ParseSummarizationStrategy(s string) (SummarizationStrategy, error) {
	switch SummarizationStrategy(s) {
	case SummarizeRecentPlusSummary, SummarizeKeyPointsOnly, SummarizeTopicBased, SummarizeHierarchical:
		return SummarizationStrategy(s), nil
	default:
		return "", fmt.Errorf("unknown summarization strategy: %s", s)
	}
}

// ConversationSummary condenses a run of subsumed messages.
//
// TokensSaved = (sum of subsumed message tokens) − (tokens in the summary).
type ConversationSummary struct {
	ID                     uuid.UUID             `json:"id"`
	SessionID              uuid.UUID             `json:"session_id"`
	Summary                string                `json:"summary"`
	SummarizedMessageCount int                   `json:"summarized_message_count"`
	TokensSaved            int                   `json:"tokens_saved"`
	KeyTopics              []string              `json:"key_topics,omitempty"`
	ImportantDecisions     []string              `json:"important_decisions,omitempty"`
	UnresolvedQuestions    []string              `json:"unresolved_questions,omitempty"`
	Strategy               SummarizationStrategy `json:"strategy"`
	CreatedAt              time.Time             `json:"created_at"`
}

// Validate checks the summary record.
func (s *ConversationSummary) Validate() error {
	if s.SessionID == uuid.Nil {
		return fmt.Errorf("session_id is required")
	}
	if strings.TrimSpace(s.Summary) == "" {
		return fmt.Errorf("summary is required")
	}
	if s.SummarizedMessageCount <= 0 {
		return fmt.Errorf("summarized_message_count must be positive")
	}
	if _, err := ParseSummarizationStrategy(string(s.Strategy)); err != nil {
		return err
	}
	return nil
}
