package conversation

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nestor-ai/nestor/pkg/errdefs"
	"github.com/nestor-ai/nestor/pkg/types"
)

// exportPayload is the neutral shape every export format renders.
type exportPayload struct {
	Session   *types.ConversationSession   `json:"session"`
	Messages  []*types.ConversationMessage `json:"messages"`
	Summaries []*types.ConversationSummary `json:"summaries,omitempty"`
}

const exportTimeLayout = "2006-01-02 15:04"

// ContentType maps the format onto its MIME type for HTTP responses.
func (f ExportFormat) ContentType() string {
	switch f {
	case ExportJSON:
		return "application/json"
	case ExportMarkdown:
		return "text/markdown; charset=utf-8"
	default:
		return "text/plain; charset=utf-8"
	}
}

// ExportSession renders the full session, messages and summaries
// included, in the requested format. Unknown formats are rejected.
func (m *Manager) ExportSession(ctx context.Context, userID, sessionID uuid.UUID, format ExportFormat) ([]byte, error) {
	if _, err := ParseExportFormat(string(format)); err != nil {
		return nil, errdefs.NewValidation("conversation", err.Error())
	}
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

	payload := exportPayload{Session: sess, Messages: msgs, Summaries: sums}
	switch format {
	case ExportJSON:
		out, err := json.MarshalIndent(payload, "", "  ")
		if err != nil {
			return nil, errdefs.NewInternal("conversation", "failed to encode export", err)
		}
		return out, nil
	case ExportMarkdown:
		return renderMarkdown(payload), nil
	default:
		return renderText(payload), nil
	}
}

func renderMarkdown(p exportPayload) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", p.Session.Name)
	fmt.Fprintf(&b, "- Session: %s\n", p.Session.ID)
	fmt.Fprintf(&b, "- Status: %s\n", p.Session.Status)
	fmt.Fprintf(&b, "- Created: %s\n", p.Session.CreatedAt.Format(time.RFC3339))
	fmt.Fprintf(&b, "- Messages: %d\n", len(p.Messages))
	b.WriteString("\n## Transcript\n\n")
	for _, msg := range p.Messages {
		fmt.Fprintf(&b, "**%s** (%s):\n\n%s\n\n",
			roleTitle(msg.Role), msg.CreatedAt.Format(exportTimeLayout), msg.Content)
	}
	if len(p.Summaries) > 0 {
		b.WriteString("## Summaries\n\n")
		for _, sum := range p.Summaries {
			fmt.Fprintf(&b, "- (%s, saved %d tokens) %s\n", sum.Strategy, sum.TokensSaved, sum.Summary)
		}
	}
	return []byte(b.String())
}

func renderText(p exportPayload) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "Session: %s (%s)\nStatus: %s\n\n", p.Session.Name, p.Session.ID, p.Session.Status)
	for _, msg := range p.Messages {
		fmt.Fprintf(&b, "[%s] %s: %s\n", msg.CreatedAt.Format(exportTimeLayout), msg.Role, msg.Content)
	}
	if len(p.Summaries) > 0 {
		b.WriteString("\nSummaries:\n")
		for _, sum := range p.Summaries {
			fmt.Fprintf(&b, "- (%s) %s\n", sum.Strategy, sum.Summary)
		}
	}
	return []byte(b.String())
}

func roleTitle(role types.MessageRole) string {
	switch role {
	case types.RoleAssistant:
		return "Assistant"
	case types.RoleSystem:
		return "System"
	default:
		return "User"
	}
}
