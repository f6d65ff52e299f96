package conversation

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nestor-ai/nestor/pkg/errdefs"
	"github.com/nestor-ai/nestor/pkg/types"
)

func exportFixture(t *testing.T) (*managerFixture, *types.ConversationSession) {
	t.Helper()
	f := newManagerFixture(t)
	sess := f.session(t)
	f.appendWithTokens(t, sess.ID, types.RoleUserMessage, "What is a goroutine?", 10)
	f.appendWithTokens(t, sess.ID, types.RoleAssistant, "A lightweight thread.", 10)
	require.NoError(t, f.store.Summaries().Create(context.Background(), &types.ConversationSummary{
		SessionID:              sess.ID,
		Summary:                "Covered goroutine basics.",
		SummarizedMessageCount: 2,
		TokensSaved:            12,
		Strategy:               types.SummarizeRecentPlusSummary,
	}))
	return f, sess
}

func TestExportUnknownFormatRejected(t *testing.T) {
	f, sess := exportFixture(t)
	_, err := f.manager.ExportSession(context.Background(), f.user, sess.ID, ExportFormat("csv"))
	assert.True(t, errdefs.IsValidation(err))
}

func TestExportJSON(t *testing.T) {
	f, sess := exportFixture(t)
	out, err := f.manager.ExportSession(context.Background(), f.user, sess.ID, ExportJSON)
	require.NoError(t, err)

	var payload exportPayload
	require.NoError(t, json.Unmarshal(out, &payload))
	assert.Equal(t, sess.ID, payload.Session.ID)
	require.Len(t, payload.Messages, 2)
	assert.Equal(t, "What is a goroutine?", payload.Messages[0].Content)
	require.Len(t, payload.Summaries, 1)
	assert.Equal(t, "Covered goroutine basics.", payload.Summaries[0].Summary)
}

func TestExportMarkdown(t *testing.T) {
	f, sess := exportFixture(t)
	out, err := f.manager.ExportSession(context.Background(), f.user, sess.ID, ExportMarkdown)
	require.NoError(t, err)

	text := string(out)
	assert.Contains(t, text, "# go questions")
	assert.Contains(t, text, "## Transcript")
	assert.Contains(t, text, "**User**")
	assert.Contains(t, text, "**Assistant**")
	assert.Contains(t, text, "A lightweight thread.")
	assert.Contains(t, text, "## Summaries")
	assert.Contains(t, text, "saved 12 tokens")
}

func TestExportText(t *testing.T) {
	f, sess := exportFixture(t)
	out, err := f.manager.ExportSession(context.Background(), f.user, sess.ID, ExportText)
	require.NoError(t, err)

	text := string(out)
	assert.Contains(t, text, "Session: go questions")
	assert.Contains(t, text, "] user: What is a goroutine?")
	assert.Contains(t, text, "] assistant: A lightweight thread.")
	assert.Contains(t, text, "Summaries:")
}

func TestExportForeignSessionHidden(t *testing.T) {
	f, sess := exportFixture(t)
	_, err := f.manager.ExportSession(context.Background(), types.NewID(), sess.ID, ExportJSON)
	assert.True(t, errdefs.IsNotFound(err))
}

func TestExportFormatContentTypes(t *testing.T) {
	assert.Equal(t, "application/json", ExportJSON.ContentType())
	assert.Equal(t, "text/markdown; charset=utf-8", ExportMarkdown.ContentType())
	assert.Equal(t, "text/plain; charset=utf-8", ExportText.ContentType())
}

func TestParseExportFormat(t *testing.T) {
	for _, name := range []string{"json", "markdown", "text"} {
		got, err := ParseExportFormat(name)
		require.NoError(t, err)
		assert.Equal(t, ExportFormat(name), got)
	}
	_, err := ParseExportFormat("csv")
	assert.ErrorContains(t, err, "unknown export format")
}
