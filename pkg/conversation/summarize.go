package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/nestor-ai/nestor/pkg/errdefs"
	"github.com/nestor-ai/nestor/pkg/llms"
	"github.com/nestor-ai/nestor/pkg/types"
)

// Summarization condenses the oldest live messages of an overflowing
// session into one persisted summary and marks those messages subsumed.
// The rows stay in the log; only window assembly substitutes the summary.

// minSummarizeMessages is the smallest live log worth condensing.
const minSummarizeMessages = 4

// keepRecentMin is how many recent messages always stay verbatim.
const keepRecentMin = 2

const summarizeRecentPrompt = `You are a conversation summarizer. Condense the conversation below into one concise paragraph that preserves key facts, decisions, names, dates, and numbers. Write in a neutral, factual tone and add nothing that is not in the conversation.

Conversation:
%s

Summary:`

const summarizeKeyPointsPrompt = `You are a conversation summarizer. Extract only the salient points from the conversation below. Answer with exactly three sections, each holding short "- " bullets, and nothing else:

Key topics:
Decisions:
Open questions:

Conversation:
%s`

const summarizeTopicsPrompt = `You are a conversation summarizer. Group the conversation below into topics. Answer with one bullet per topic of the form "- <topic>: <one sentence>", and nothing else.

Conversation:
%s`

const summarizeHierarchicalPrompt = `You are a conversation summarizer. First write a one-paragraph abstract of the conversation below. Then expand every topic under its own line of the form "Topic: <name>", each followed by two or three sentences.

Conversation:
%s`

// SummarizeIfNeeded condenses the oldest live messages once the session's
// live tokens exceed the threshold share of its window. It returns nil,
// nil when the session is still within budget.
func (m *Manager) SummarizeIfNeeded(ctx context.Context, userID, sessionID uuid.UUID) (*types.ConversationSummary, error) {
	lk := m.locks.lock(sessionID)
	defer lk.Unlock()

	sess, err := m.GetSession(ctx, userID, sessionID)
	if err != nil {
		return nil, err
	}
	if err := mutable(sess); err != nil {
		return nil, err
	}
	live, err := m.liveMessages(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if len(live) < minSummarizeMessages {
		return nil, nil
	}

	total := 0
	for _, msg := range live {
		total += m.messageTokens(msg)
	}
	threshold := m.resolver.Float64("context_window_threshold", sess.Metadata, 0.8)
	if total <= int(float64(sess.ContextWindowSize)*threshold) {
		return nil, nil
	}

	old, _ := m.splitForSummary(live, sess.ContextWindowSize)
	if len(old) < 2 {
		return nil, nil
	}
	strategy, err := m.sessionStrategy(sess)
	if err != nil {
		return nil, err
	}
	return m.summarize(ctx, sess, old, strategy)
}

// SummarizeInput requests an explicit summary. An empty Strategy takes
// the configured default; MessageCount is how many of the oldest live
// messages to cover, zero meaning the whole live log.
type SummarizeInput struct {
	SessionID    uuid.UUID
	UserID       uuid.UUID
	Strategy     types.SummarizationStrategy
	MessageCount int
}

// Summarize condenses on demand regardless of the window budget.
func (m *Manager) Summarize(ctx context.Context, in SummarizeInput) (*types.ConversationSummary, error) {
	lk := m.locks.lock(in.SessionID)
	defer lk.Unlock()

	sess, err := m.GetSession(ctx, in.UserID, in.SessionID)
	if err != nil {
		return nil, err
	}
	if err := mutable(sess); err != nil {
		return nil, err
	}
	strategy := in.Strategy
	if strategy == "" {
		if strategy, err = m.sessionStrategy(sess); err != nil {
			return nil, err
		}
	} else if _, err := types.ParseSummarizationStrategy(string(strategy)); err != nil {
		return nil, errdefs.NewValidation("conversation", err.Error())
	}

	live, err := m.liveMessages(ctx, in.SessionID)
	if err != nil {
		return nil, err
	}
	// An explicit request covers the whole live log unless the caller
	// bounds it; the overflow split is only for SummarizeIfNeeded.
	n := len(live)
	if in.MessageCount > 0 && in.MessageCount < n {
		n = in.MessageCount
	}
	old := live[:n]
	if len(old) < 2 {
		return nil, errdefs.NewValidation("conversation", "nothing to summarize: need at least two live messages")
	}
	return m.summarize(ctx, sess, old, strategy)
}

// ListSummaries returns the session's summaries, oldest first.
func (m *Manager) ListSummaries(ctx context.Context, userID, sessionID uuid.UUID) ([]*types.ConversationSummary, error) {
	if _, err := m.GetSession(ctx, userID, sessionID); err != nil {
		return nil, err
	}
	return m.store.Summaries().List(ctx, sessionID)
}

// liveMessages are the turns no summary has absorbed yet.
func (m *Manager) liveMessages(ctx context.Context, sessionID uuid.UUID) ([]*types.ConversationMessage, error) {
	msgs, err := m.store.Messages().List(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	live := make([]*types.ConversationMessage, 0, len(msgs))
	for _, msg := range msgs {
		if msg.SubsumedBy == nil {
			live = append(live, msg)
		}
	}
	return live, nil
}

// splitForSummary keeps the most recent run fitting half the window
// verbatim and marks everything before it for condensation. At least
// keepRecentMin recent messages survive even when oversized.
func (m *Manager) splitForSummary(live []*types.ConversationMessage, window int) (old, recent []*types.ConversationMessage) {
	target := window / 2
	total := 0
	start := len(live)
	for i := len(live) - 1; i >= 0; i-- {
		t := m.messageTokens(live[i])
		if total+t > target && len(live)-i >= keepRecentMin {
			break
		}
		total += t
		start = i
	}
	return live[:start], live[start:]
}

func (m *Manager) sessionStrategy(sess *types.ConversationSession) (types.SummarizationStrategy, error) {
	name := m.resolver.String("summarization_strategy", sess.Metadata, string(types.SummarizeRecentPlusSummary))
	strategy, err := types.ParseSummarizationStrategy(name)
	if err != nil {
		return "", errdefs.NewValidation("conversation", err.Error())
	}
	return strategy, nil
}

func (m *Manager) summarize(ctx context.Context, sess *types.ConversationSession, old []*types.ConversationMessage, strategy types.SummarizationStrategy) (*types.ConversationSummary, error) {
	prompt := fmt.Sprintf(promptFor(strategy), transcript(old))
	res, err := m.llm.Generate(ctx, llms.Request{UserID: sess.UserID, Prompt: prompt})
	if err != nil {
		return nil, err
	}
	text := strings.TrimSpace(res.Text)
	if text == "" {
		return nil, errdefs.NewProvider("conversation", errdefs.ProviderMalformed,
			"summarizer returned an empty response", nil)
	}

	subsumed := 0
	ids := make([]uuid.UUID, 0, len(old))
	for _, msg := range old {
		subsumed += m.messageTokens(msg)
		ids = append(ids, msg.ID)
	}

	sum := &types.ConversationSummary{
		ID:                     types.NewID(),
		SessionID:              sess.ID,
		Summary:                text,
		SummarizedMessageCount: len(old),
		TokensSaved:            subsumed - m.counter.Count(text),
		Strategy:               strategy,
	}
	applyStructure(sum, text, strategy)

	// Create before marking: a failure between the two leaves the
	// messages live, and the next pass covers them again.
	if err := m.store.Summaries().Create(ctx, sum); err != nil {
		return nil, err
	}
	if err := m.store.Messages().MarkSubsumed(ctx, sum.ID, ids); err != nil {
		return nil, err
	}
	slog.Debug("session summarized",
		"session_id", sess.ID,
		"strategy", strategy,
		"messages", len(old),
		"tokens_saved", sum.TokensSaved)
	return sum, nil
}

func promptFor(strategy types.SummarizationStrategy) string {
	switch strategy {
	case types.SummarizeKeyPointsOnly:
		return summarizeKeyPointsPrompt
	case types.SummarizeTopicBased:
		return summarizeTopicsPrompt
	case types.SummarizeHierarchical:
		return summarizeHierarchicalPrompt
	default:
		return summarizeRecentPrompt
	}
}

// transcript renders turns as "[role]: content" blocks for the prompt.
func transcript(msgs []*types.ConversationMessage) string {
	var b strings.Builder
	for _, msg := range msgs {
		fmt.Fprintf(&b, "[%s]: %s\n\n", msg.Role, msg.Content)
	}
	return strings.TrimRight(b.String(), "\n")
}

// applyStructure lifts the strategy's structured fields out of the
// response text. The full text always stays in Summary.
func applyStructure(sum *types.ConversationSummary, text string, strategy types.SummarizationStrategy) {
	switch strategy {
	case types.SummarizeKeyPointsOnly:
		sections := parseSections(text)
		sum.KeyTopics = firstNonEmpty(sections["key topics"], sections["topics"])
		sum.ImportantDecisions = firstNonEmpty(sections["decisions"], sections["important decisions"])
		sum.UnresolvedQuestions = firstNonEmpty(sections["open questions"], sections["unresolved questions"])
	case types.SummarizeTopicBased:
		for _, bullet := range parseBullets(text) {
			if name, _, ok := strings.Cut(bullet, ":"); ok {
				sum.KeyTopics = append(sum.KeyTopics, strings.TrimSpace(name))
			} else {
				sum.KeyTopics = append(sum.KeyTopics, bullet)
			}
		}
	case types.SummarizeHierarchical:
		for _, line := range strings.Split(text, "\n") {
			if rest, ok := strings.CutPrefix(strings.TrimSpace(line), "Topic:"); ok {
				sum.KeyTopics = append(sum.KeyTopics, strings.TrimSpace(rest))
			}
		}
	}
}

// parseSections groups "Header:" blocks with the bullets under them.
func parseSections(text string) map[string][]string {
	sections := make(map[string][]string)
	current := ""
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if bullet, ok := cutBullet(line); ok {
			if current != "" {
				sections[current] = append(sections[current], bullet)
			}
			continue
		}
		if strings.HasSuffix(line, ":") {
			current = strings.ToLower(strings.TrimSuffix(line, ":"))
		}
	}
	return sections
}

func parseBullets(text string) []string {
	var out []string
	for _, line := range strings.Split(text, "\n") {
		if bullet, ok := cutBullet(strings.TrimSpace(line)); ok {
			out = append(out, bullet)
		}
	}
	return out
}

func cutBullet(line string) (string, bool) {
	for _, prefix := range []string{"- ", "* ", "• "} {
		if rest, ok := strings.CutPrefix(line, prefix); ok {
			return strings.TrimSpace(rest), true
		}
	}
	return "", false
}

func firstNonEmpty(a, b []string) []string {
	if len(a) > 0 {
		return a
	}
	return b
}
