package conversation

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nestor-ai/nestor/pkg/errdefs"
	"github.com/nestor-ai/nestor/pkg/types"
)

// SQLStore implements Store on database/sql with the same dialect rules as
// the entity store: queries use ? placeholders and are rebound for
// postgres. The connection is shared with the entity store, so Close is a
// no-op; the owner of the pool closes it.
type SQLStore struct {
	db      *sql.DB
	dialect string
}

var _ Store = (*SQLStore)(nil)

// NewSQLStore wraps an open connection and initializes the conversation
// schema. Supported dialects are sqlite, postgres, and mysql.
func NewSQLStore(db *sql.DB, dialect string) (*SQLStore, error) {
	if db == nil {
		return nil, fmt.Errorf("database connection is required")
	}
	if dialect == "sqlite3" {
		dialect = "sqlite"
	}
	switch dialect {
	case "postgres", "mysql", "sqlite":
	default:
		return nil, fmt.Errorf("unsupported dialect: %s (supported: postgres, mysql, sqlite)", dialect)
	}

	s := &SQLStore{db: db, dialect: dialect}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize conversation schema: %w", err)
	}
	return s, nil
}

func (s *SQLStore) Sessions() SessionRepository  { return &sqlSessions{s} }
func (s *SQLStore) Messages() MessageRepository  { return &sqlMessages{s} }
func (s *SQLStore) Summaries() SummaryRepository { return &sqlSummaries{s} }

func (s *SQLStore) Close() error { return nil }

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS conversation_sessions (
    id VARCHAR(36) PRIMARY KEY,
    user_id VARCHAR(36) NOT NULL,
    collection_id VARCHAR(36),
    name VARCHAR(255) NOT NULL,
    status VARCHAR(20) NOT NULL,
    context_window_size INTEGER NOT NULL,
    max_messages INTEGER NOT NULL,
    is_pinned BOOLEAN NOT NULL,
    session_metadata TEXT,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS conversation_messages (
    id VARCHAR(36) PRIMARY KEY,
    session_id VARCHAR(36) NOT NULL,
    sequence_num INTEGER NOT NULL,
    role VARCHAR(20) NOT NULL,
    message_type VARCHAR(30) NOT NULL,
    content TEXT NOT NULL,
    token_count INTEGER,
    execution_time_ns BIGINT NOT NULL,
    subsumed_by VARCHAR(36),
    metadata TEXT,
    created_at TIMESTAMP NOT NULL,
    UNIQUE (session_id, sequence_num)
)`,
	`CREATE TABLE IF NOT EXISTS conversation_summaries (
    id VARCHAR(36) PRIMARY KEY,
    session_id VARCHAR(36) NOT NULL,
    summary TEXT NOT NULL,
    summarized_message_count INTEGER NOT NULL,
    tokens_saved INTEGER NOT NULL,
    key_topics TEXT,
    important_decisions TEXT,
    unresolved_questions TEXT,
    strategy VARCHAR(50) NOT NULL,
    created_at TIMESTAMP NOT NULL
)`,
}

var indexStatements = []string{
	`CREATE INDEX IF NOT EXISTS idx_conversation_sessions_user_id ON conversation_sessions(user_id)`,
	`CREATE INDEX IF NOT EXISTS idx_conversation_messages_session_id ON conversation_messages(session_id)`,
	`CREATE INDEX IF NOT EXISTS idx_conversation_summaries_session_id ON conversation_summaries(session_id)`,
}

func (s *SQLStore) initSchema() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for _, stmt := range schemaStatements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}
	// MySQL has no CREATE INDEX IF NOT EXISTS; the unique constraint on
	// (session_id, sequence_num) covers the hot lookup there.
	if s.dialect != "mysql" {
		for _, stmt := range indexStatements {
			if _, err := s.db.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("failed to create index: %w", err)
			}
		}
	}
	return nil
}

func (s *SQLStore) bind(query string) string {
	if s.dialect != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func toJSON(v any) (string, error) {
	if v == nil {
		return "", nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to marshal column: %w", err)
	}
	return string(raw), nil
}

func fromJSON(raw string, v any) error {
	if raw == "" || raw == "null" {
		return nil
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return fmt.Errorf("failed to unmarshal column: %w", err)
	}
	return nil
}

func requireAffected(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return errdefs.NewInternal("conversation", "failed to read rows affected", err)
	}
	if n == 0 {
		return notFound
	}
	return nil
}

// ---------------------------------------------------------------------------
// Sessions
// ---------------------------------------------------------------------------

type sqlSessions struct{ s *SQLStore }

const sessionColumns = `id, user_id, collection_id, name, status, context_window_size, max_messages, is_pinned, session_metadata, created_at, updated_at`

func scanSession(row rowScanner) (*types.ConversationSession, error) {
	var (
		sess         types.ConversationSession
		id, userID   string
		collectionID sql.NullString
		status       string
		meta         sql.NullString
	)
	err := row.Scan(&id, &userID, &collectionID, &sess.Name, &status,
		&sess.ContextWindowSize, &sess.MaxMessages, &sess.IsPinned, &meta,
		&sess.CreatedAt, &sess.UpdatedAt)
	if err != nil {
		return nil, err
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("invalid session id %q: %w", id, err)
	}
	sess.ID = parsed
	if sess.UserID, err = uuid.Parse(userID); err != nil {
		return nil, fmt.Errorf("invalid user id %q: %w", userID, err)
	}
	if collectionID.Valid {
		if sess.CollectionID, err = uuid.Parse(collectionID.String); err != nil {
			return nil, fmt.Errorf("invalid collection id %q: %w", collectionID.String, err)
		}
	}
	sess.Status = types.SessionStatus(status)
	if err := fromJSON(meta.String, &sess.Metadata); err != nil {
		return nil, err
	}
	return &sess, nil
}

func (r *sqlSessions) Create(ctx context.Context, sess *types.ConversationSession) error {
	if sess.ID == uuid.Nil {
		sess.ID = types.NewID()
	}
	if err := sess.Validate(); err != nil {
		return errdefs.NewValidation("conversation", err.Error())
	}
	sess.Touch(time.Now())

	meta, err := toJSON(sess.Metadata)
	if err != nil {
		return errdefs.NewInternal("conversation", "failed to encode session_metadata", err)
	}
	var collectionID any
	if sess.CollectionID != uuid.Nil {
		collectionID = sess.CollectionID.String()
	}

	query := r.s.bind(`INSERT INTO conversation_sessions (` + sessionColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err = r.s.db.ExecContext(ctx, query,
		sess.ID.String(), sess.UserID.String(), collectionID, sess.Name,
		string(sess.Status), sess.ContextWindowSize, sess.MaxMessages,
		sess.IsPinned, meta, sess.CreatedAt, sess.UpdatedAt,
	)
	if err != nil {
		return errdefs.NewInternal("conversation", "failed to insert session", err)
	}
	return nil
}

func (r *sqlSessions) Get(ctx context.Context, id uuid.UUID) (*types.ConversationSession, error) {
	query := r.s.bind(`SELECT ` + sessionColumns + ` FROM conversation_sessions WHERE id = ?`)
	sess, err := scanSession(r.s.db.QueryRowContext(ctx, query, id.String()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errdefs.NewNotFound("conversation", "session", id.String())
	}
	if err != nil {
		return nil, errdefs.NewInternal("conversation", "failed to query session", err)
	}
	return sess, nil
}

func (r *sqlSessions) Update(ctx context.Context, sess *types.ConversationSession) error {
	if err := sess.Validate(); err != nil {
		return errdefs.NewValidation("conversation", err.Error())
	}
	sess.Touch(time.Now())

	meta, err := toJSON(sess.Metadata)
	if err != nil {
		return errdefs.NewInternal("conversation", "failed to encode session_metadata", err)
	}
	var collectionID any
	if sess.CollectionID != uuid.Nil {
		collectionID = sess.CollectionID.String()
	}

	query := r.s.bind(`UPDATE conversation_sessions SET collection_id = ?, name = ?, status = ?, context_window_size = ?, max_messages = ?, is_pinned = ?, session_metadata = ?, updated_at = ? WHERE id = ?`)
	res, err := r.s.db.ExecContext(ctx, query,
		collectionID, sess.Name, string(sess.Status), sess.ContextWindowSize,
		sess.MaxMessages, sess.IsPinned, meta, sess.UpdatedAt, sess.ID.String(),
	)
	if err != nil {
		return errdefs.NewInternal("conversation", "failed to update session", err)
	}
	return requireAffected(res, errdefs.NewNotFound("conversation", "session", sess.ID.String()))
}

func (r *sqlSessions) Delete(ctx context.Context, id uuid.UUID) error {
	tx, err := r.s.db.BeginTx(ctx, nil)
	if err != nil {
		return errdefs.NewInternal("conversation", "failed to begin transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, r.s.bind(`DELETE FROM conversation_sessions WHERE id = ?`), id.String())
	if err != nil {
		return errdefs.NewInternal("conversation", "failed to delete session", err)
	}
	if err := requireAffected(res, errdefs.NewNotFound("conversation", "session", id.String())); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, r.s.bind(`DELETE FROM conversation_messages WHERE session_id = ?`), id.String()); err != nil {
		return errdefs.NewInternal("conversation", "failed to delete session messages", err)
	}
	if _, err := tx.ExecContext(ctx, r.s.bind(`DELETE FROM conversation_summaries WHERE session_id = ?`), id.String()); err != nil {
		return errdefs.NewInternal("conversation", "failed to delete session summaries", err)
	}
	if err := tx.Commit(); err != nil {
		return errdefs.NewInternal("conversation", "failed to commit", err)
	}
	return nil
}

func (r *sqlSessions) List(ctx context.Context, userID uuid.UUID, includeArchived bool) ([]*types.ConversationSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM conversation_sessions WHERE user_id = ?`
	args := []any{userID.String()}
	if !includeArchived {
		query += ` AND status <> ?`
		args = append(args, string(types.SessionArchived))
	}
	query += ` ORDER BY updated_at DESC, id`

	rows, err := r.s.db.QueryContext(ctx, r.s.bind(query), args...)
	if err != nil {
		return nil, errdefs.NewInternal("conversation", "failed to list sessions", err)
	}
	defer rows.Close()

	var out []*types.ConversationSession
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, errdefs.NewInternal("conversation", "failed to scan session", err)
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, errdefs.NewInternal("conversation", "failed to iterate sessions", err)
	}
	return out, nil
}

func (r *sqlSessions) ExpireIdle(ctx context.Context, cutoff time.Time) (int, error) {
	query := r.s.bind(`UPDATE conversation_sessions SET status = ? WHERE status = ? AND is_pinned = ? AND updated_at <= ?`)
	res, err := r.s.db.ExecContext(ctx, query,
		string(types.SessionExpired), string(types.SessionActive), false, cutoff)
	if err != nil {
		return 0, errdefs.NewInternal("conversation", "failed to expire idle sessions", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errdefs.NewInternal("conversation", "failed to read rows affected", err)
	}
	return int(n), nil
}

// ---------------------------------------------------------------------------
// Messages
// ---------------------------------------------------------------------------

type sqlMessages struct{ s *SQLStore }

const messageColumns = `id, session_id, sequence_num, role, message_type, content, token_count, execution_time_ns, subsumed_by, metadata, created_at`

func scanMessage(row rowScanner) (*types.ConversationMessage, error) {
	var (
		m             types.ConversationMessage
		id, sessionID string
		seq           int
		role, mtype   string
		tokenCount    sql.NullInt64
		execNS        int64
		subsumedBy    sql.NullString
		meta          sql.NullString
	)
	err := row.Scan(&id, &sessionID, &seq, &role, &mtype, &m.Content,
		&tokenCount, &execNS, &subsumedBy, &meta, &m.CreatedAt)
	if err != nil {
		return nil, err
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("invalid message id %q: %w", id, err)
	}
	m.ID = parsed
	if m.SessionID, err = uuid.Parse(sessionID); err != nil {
		return nil, fmt.Errorf("invalid session id %q: %w", sessionID, err)
	}
	m.Role = types.MessageRole(role)
	m.Type = types.MessageType(mtype)
	if tokenCount.Valid {
		n := int(tokenCount.Int64)
		m.TokenCount = &n
	}
	m.ExecutionTime = time.Duration(execNS)
	if subsumedBy.Valid {
		sid, err := uuid.Parse(subsumedBy.String)
		if err != nil {
			return nil, fmt.Errorf("invalid subsumed_by id %q: %w", subsumedBy.String, err)
		}
		m.SubsumedBy = &sid
	}
	if err := fromJSON(meta.String, &m.Metadata); err != nil {
		return nil, err
	}
	return &m, nil
}

func (r *sqlMessages) Append(ctx context.Context, msgs ...*types.ConversationMessage) error {
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

	tx, err := r.s.db.BeginTx(ctx, nil)
	if err != nil {
		return errdefs.NewInternal("conversation", "failed to begin transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now()

	// Touching the session first doubles as the existence check.
	res, err := tx.ExecContext(ctx,
		r.s.bind(`UPDATE conversation_sessions SET updated_at = ? WHERE id = ?`),
		now, sessionID.String())
	if err != nil {
		return errdefs.NewInternal("conversation", "failed to touch session", err)
	}
	if err := requireAffected(res, errdefs.NewNotFound("conversation", "session", sessionID.String())); err != nil {
		return err
	}

	var maxSeq int
	row := tx.QueryRowContext(ctx,
		r.s.bind(`SELECT COALESCE(MAX(sequence_num), 0) FROM conversation_messages WHERE session_id = ?`),
		sessionID.String())
	if err := row.Scan(&maxSeq); err != nil {
		return errdefs.NewInternal("conversation", "failed to read sequence number", err)
	}

	insert := r.s.bind(`INSERT INTO conversation_messages (` + messageColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	for i, m := range msgs {
		if m.ID == uuid.Nil {
			m.ID = types.NewID()
		}
		if m.CreatedAt.IsZero() {
			m.CreatedAt = now
		}
		meta, err := toJSON(m.Metadata)
		if err != nil {
			return errdefs.NewInternal("conversation", "failed to encode message metadata", err)
		}
		var tokenCount any
		if m.TokenCount != nil {
			tokenCount = *m.TokenCount
		}
		var subsumedBy any
		if m.SubsumedBy != nil {
			subsumedBy = m.SubsumedBy.String()
		}
		_, err = tx.ExecContext(ctx, insert,
			m.ID.String(), m.SessionID.String(), maxSeq+1+i, string(m.Role),
			string(m.Type), m.Content, tokenCount, int64(m.ExecutionTime),
			subsumedBy, meta, m.CreatedAt,
		)
		if err != nil {
			return errdefs.NewInternal("conversation", "failed to insert message", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return errdefs.NewInternal("conversation", "failed to commit", err)
	}
	return nil
}

func (r *sqlMessages) List(ctx context.Context, sessionID uuid.UUID) ([]*types.ConversationMessage, error) {
	if _, err := (&sqlSessions{r.s}).Get(ctx, sessionID); err != nil {
		return nil, err
	}
	query := r.s.bind(`SELECT ` + messageColumns + ` FROM conversation_messages WHERE session_id = ? ORDER BY sequence_num`)
	rows, err := r.s.db.QueryContext(ctx, query, sessionID.String())
	if err != nil {
		return nil, errdefs.NewInternal("conversation", "failed to list messages", err)
	}
	defer rows.Close()

	out := make([]*types.ConversationMessage, 0, 16)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, errdefs.NewInternal("conversation", "failed to scan message", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, errdefs.NewInternal("conversation", "failed to iterate messages", err)
	}
	return out, nil
}

func (r *sqlMessages) MarkSubsumed(ctx context.Context, summaryID uuid.UUID, messageIDs []uuid.UUID) error {
	if len(messageIDs) == 0 {
		return nil
	}
	tx, err := r.s.db.BeginTx(ctx, nil)
	if err != nil {
		return errdefs.NewInternal("conversation", "failed to begin transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	update := r.s.bind(`UPDATE conversation_messages SET subsumed_by = ? WHERE id = ?`)
	for _, id := range messageIDs {
		res, err := tx.ExecContext(ctx, update, summaryID.String(), id.String())
		if err != nil {
			return errdefs.NewInternal("conversation", "failed to mark message subsumed", err)
		}
		if err := requireAffected(res, errdefs.NewNotFound("conversation", "message", id.String())); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return errdefs.NewInternal("conversation", "failed to commit", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Summaries
// ---------------------------------------------------------------------------

type sqlSummaries struct{ s *SQLStore }

const summaryColumns = `id, session_id, summary, summarized_message_count, tokens_saved, key_topics, important_decisions, unresolved_questions, strategy, created_at`

func scanSummary(row rowScanner) (*types.ConversationSummary, error) {
	var (
		sum                          types.ConversationSummary
		id, sessionID                string
		topics, decisions, questions sql.NullString
		strategy                     string
	)
	err := row.Scan(&id, &sessionID, &sum.Summary, &sum.SummarizedMessageCount,
		&sum.TokensSaved, &topics, &decisions, &questions, &strategy, &sum.CreatedAt)
	if err != nil {
		return nil, err
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("invalid summary id %q: %w", id, err)
	}
	sum.ID = parsed
	if sum.SessionID, err = uuid.Parse(sessionID); err != nil {
		return nil, fmt.Errorf("invalid session id %q: %w", sessionID, err)
	}
	if err := fromJSON(topics.String, &sum.KeyTopics); err != nil {
		return nil, err
	}
	if err := fromJSON(decisions.String, &sum.ImportantDecisions); err != nil {
		return nil, err
	}
	if err := fromJSON(questions.String, &sum.UnresolvedQuestions); err != nil {
		return nil, err
	}
	sum.Strategy = types.SummarizationStrategy(strategy)
	return &sum, nil
}

func (r *sqlSummaries) Create(ctx context.Context, sum *types.ConversationSummary) error {
	if sum.ID == uuid.Nil {
		sum.ID = types.NewID()
	}
	if err := sum.Validate(); err != nil {
		return errdefs.NewValidation("conversation", err.Error())
	}
	if sum.CreatedAt.IsZero() {
		sum.CreatedAt = time.Now()
	}

	topics, err := toJSON(sum.KeyTopics)
	if err != nil {
		return errdefs.NewInternal("conversation", "failed to encode key_topics", err)
	}
	decisions, err := toJSON(sum.ImportantDecisions)
	if err != nil {
		return errdefs.NewInternal("conversation", "failed to encode important_decisions", err)
	}
	questions, err := toJSON(sum.UnresolvedQuestions)
	if err != nil {
		return errdefs.NewInternal("conversation", "failed to encode unresolved_questions", err)
	}

	query := r.s.bind(`INSERT INTO conversation_summaries (` + summaryColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err = r.s.db.ExecContext(ctx, query,
		sum.ID.String(), sum.SessionID.String(), sum.Summary,
		sum.SummarizedMessageCount, sum.TokensSaved, topics, decisions,
		questions, string(sum.Strategy), sum.CreatedAt,
	)
	if err != nil {
		return errdefs.NewInternal("conversation", "failed to insert summary", err)
	}
	return nil
}

func (r *sqlSummaries) List(ctx context.Context, sessionID uuid.UUID) ([]*types.ConversationSummary, error) {
	if _, err := (&sqlSessions{r.s}).Get(ctx, sessionID); err != nil {
		return nil, err
	}
	query := r.s.bind(`SELECT ` + summaryColumns + ` FROM conversation_summaries WHERE session_id = ? ORDER BY created_at, id`)
	rows, err := r.s.db.QueryContext(ctx, query, sessionID.String())
	if err != nil {
		return nil, errdefs.NewInternal("conversation", "failed to list summaries", err)
	}
	defer rows.Close()

	out := make([]*types.ConversationSummary, 0, 4)
	for rows.Next() {
		sum, err := scanSummary(rows)
		if err != nil {
			return nil, errdefs.NewInternal("conversation", "failed to scan summary", err)
		}
		out = append(out, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, errdefs.NewInternal("conversation", "failed to iterate summaries", err)
	}
	return out, nil
}
