// Package conversation manages multi-turn dialogue sessions over document
// collections. A session owns an immutable message log and the summaries
// that condense it; the manager layers the lifecycle rules on top: status
// transitions, follow-up question enhancement, context window assembly,
// threshold-triggered summarization, and the idle-session sweep.
package conversation

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nestor-ai/nestor/pkg/types"
)

// Store persists sessions, their messages, and their summaries. Two
// implementations exist: MemoryStore for tests and development, SQLStore
// for production.
type Store interface {
	Sessions() SessionRepository
	Messages() MessageRepository
	Summaries() SummaryRepository
	Close() error
}

// SessionRepository persists conversation sessions.
type SessionRepository interface {
	Create(ctx context.Context, s *types.ConversationSession) error
	Get(ctx context.Context, id uuid.UUID) (*types.ConversationSession, error)
	Update(ctx context.Context, s *types.ConversationSession) error

	// Delete removes the session together with its messages and summaries.
	Delete(ctx context.Context, id uuid.UUID) error

	// List returns the user's sessions, most recently touched first.
	// Archived sessions appear only when includeArchived is set.
	List(ctx context.Context, userID uuid.UUID, includeArchived bool) ([]*types.ConversationSession, error)

	// ExpireIdle flips active, unpinned sessions whose updated_at is at or
	// before the cutoff to expired and reports how many changed.
	ExpireIdle(ctx context.Context, cutoff time.Time) (int, error)
}

// MessageRepository persists the append-only message log.
type MessageRepository interface {
	// Append commits the messages in order as one atomic unit, assigning
	// ids and timestamps where unset and bumping the session's updated_at.
	Append(ctx context.Context, msgs ...*types.ConversationMessage) error

	// List returns the session's messages in append order, subsumed ones
	// included.
	List(ctx context.Context, sessionID uuid.UUID) ([]*types.ConversationMessage, error)

	// MarkSubsumed points the given messages at the summary that now
	// stands in for them. The rows themselves stay untouched otherwise.
	MarkSubsumed(ctx context.Context, summaryID uuid.UUID, messageIDs []uuid.UUID) error
}

// SummaryRepository persists conversation summaries.
type SummaryRepository interface {
	Create(ctx context.Context, sum *types.ConversationSummary) error
	List(ctx context.Context, sessionID uuid.UUID) ([]*types.ConversationSummary, error)
}

// ExportFormat selects the rendering of an exported session.
type ExportFormat string

const (
	ExportJSON     ExportFormat = "json"
	ExportMarkdown ExportFormat = "markdown"
	ExportText     ExportFormat = "text"
)

// ParseExportFormat converts a string to an ExportFormat.
func ParseExportFormat(s string) (ExportFormat, error) {
	switch ExportFormat(s) {
	case ExportJSON, ExportMarkdown, ExportText:
		return ExportFormat(s), nil
	default:
		return "", fmt.Errorf("unknown export format: %s", s)
	}
}
