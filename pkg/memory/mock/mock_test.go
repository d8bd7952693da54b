package mock_test

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fae-run/fae-core/pkg/memory"
	"github.com/fae-run/fae-core/pkg/memory/mock"
	"github.com/fae-run/fae-core/pkg/types"
)

func TestStore_SupersedeKeepsLineage(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := mock.New()

	oldID, err := store.Insert(ctx, types.MemoryRecord{
		Kind: types.KindProfile, Text: "User lives in Glasgow.", Confidence: 0.9,
	})
	require.NoError(t, err)

	newID, err := store.Supersede(ctx, oldID, types.MemoryRecord{
		Kind: types.KindProfile, Text: "User lives in Edinburgh.", Confidence: 0.9,
	})
	require.NoError(t, err)

	old, err := store.Get(ctx, oldID)
	require.NoError(t, err)
	require.Equal(t, types.StatusSuperseded, old.Status)

	updated, err := store.Get(ctx, newID)
	require.NoError(t, err)
	require.Equal(t, types.StatusActive, updated.Status)
	require.NotNil(t, updated.Supersedes)
	require.Equal(t, oldID, *updated.Supersedes)

	// A second supersede of the same record conflicts.
	_, err = store.Supersede(ctx, oldID, types.MemoryRecord{
		Kind: types.KindProfile, Text: "User lives in Dundee.",
	})
	require.ErrorIs(t, err, memory.ErrConflictingSupersede)

	// Recall now finds Edinburgh, never the superseded Glasgow record.
	hits, err := store.Recall(ctx, "where does the user live", nil, memory.RecallBudget{Items: 10, Chars: 1000})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	require.Contains(t, hits[0].Record.Text, "Edinburgh")
}

func TestStore_RecallHonorsBudgets(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := mock.New()

	for _, text := range []string{
		"User enjoys hiking in the hills.",
		"User enjoys baking sourdough bread.",
		"User enjoys playing the fiddle.",
		"User enjoys cold water swimming.",
	} {
		_, err := store.Insert(ctx, types.MemoryRecord{Kind: types.KindInterest, Text: text, Confidence: 0.6})
		require.NoError(t, err)
	}

	hits, err := store.Recall(ctx, "what does the user enjoys", nil, memory.RecallBudget{Items: 2, Chars: 1000})
	require.NoError(t, err)
	require.LessOrEqual(t, len(hits), 2)

	hits, err = store.Recall(ctx, "what does the user enjoys", nil, memory.RecallBudget{Items: 10, Chars: 40})
	require.NoError(t, err)
	total := 0
	for _, h := range hits {
		total += len(h.Record.Text)
	}
	require.LessOrEqual(t, total, 40)
}

func TestStore_RecallExcludesEpisodesAndInactive(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := mock.New()

	_, err := store.Insert(ctx, types.MemoryRecord{Kind: types.KindEpisode, Text: "user asked about trains", Confidence: 0.5})
	require.NoError(t, err)
	invalidatedID, err := store.Insert(ctx, types.MemoryRecord{Kind: types.KindFact, Text: "user takes trains daily", Confidence: 0.8})
	require.NoError(t, err)
	require.NoError(t, store.Invalidate(ctx, invalidatedID, "wrong"))
	keptID, err := store.Insert(ctx, types.MemoryRecord{Kind: types.KindFact, Text: "user likes trains", Confidence: 0.8})
	require.NoError(t, err)

	hits, err := store.Recall(ctx, "trains", nil, memory.RecallBudget{Items: 10, Chars: 1000})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	require.Equal(t, keptID, hits[0].Record.ID)
}

func TestStore_RecallIsDeterministic(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := mock.New()

	for _, text := range []string{
		"User's name is Ailsa.",
		"User works as a marine biologist.",
		"User's sister is called Morag.",
	} {
		_, err := store.Insert(ctx, types.MemoryRecord{Kind: types.KindProfile, Text: text, Confidence: 0.9})
		require.NoError(t, err)
	}

	first, err := store.Recall(ctx, "what is the user's name", nil, memory.RecallBudget{Items: 10, Chars: 1000})
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := store.Recall(ctx, "what is the user's name", nil, memory.RecallBudget{Items: 10, Chars: 1000})
		require.NoError(t, err)
		require.Equal(t, first, again, "identical store state and query must return identical ordering")
	}
}

func TestStore_ForgetSoftExcludesFromRecall(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := mock.New()

	id, err := store.Insert(ctx, types.MemoryRecord{Kind: types.KindFact, Text: "user is allergic to cats", Confidence: 0.9})
	require.NoError(t, err)
	require.NoError(t, store.ForgetSoft(ctx, id))

	hits, err := store.Recall(ctx, "cats", nil, memory.RecallBudget{Items: 10, Chars: 1000})
	require.NoError(t, err)
	require.Empty(t, hits)

	// Soft forgetting keeps the text; only the status changes.
	rec, err := store.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, types.StatusForgotten, rec.Status)
	require.NotEmpty(t, rec.Text)
}

func TestStore_ForgetHardRedactsTextButKeepsAudit(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := mock.New()

	id, err := store.Insert(ctx, types.MemoryRecord{Kind: types.KindFact, Text: "user's pin is 1234", Confidence: 0.9})
	require.NoError(t, err)
	require.NoError(t, store.ForgetHard(ctx, id))

	rec, err := store.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, types.StatusForgotten, rec.Status)
	require.Empty(t, rec.Text, "hard forget must redact the content body")

	audit := store.AuditLog()
	require.Len(t, audit, 2, "insert + forget_hard, exactly one entry per mutation")
	require.Equal(t, types.OpInsert, audit[0].Op)
	require.Equal(t, types.OpForgetHard, audit[1].Op)

	// Patching a forgotten record is refused.
	text := "resurrected"
	require.ErrorIs(t, store.Patch(ctx, id, memory.PatchFields{Text: &text}), memory.ErrForgotten)
}

func TestStore_InsertRejectsOversizedText(t *testing.T) {
	t.Parallel()

	store := mock.New()
	store.MaxRecordChars = 32

	_, err := store.Insert(context.Background(), types.MemoryRecord{
		Kind: types.KindFact,
		Text: strings.Repeat("x", 33),
	})
	require.ErrorIs(t, err, memory.ErrTextTooLong)
}

func TestStore_PatchWritesAuditWithDigests(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := mock.New()

	id, err := store.Insert(ctx, types.MemoryRecord{Kind: types.KindFact, Text: "before", Confidence: 0.5})
	require.NoError(t, err)

	text := "after"
	require.NoError(t, store.Patch(ctx, id, memory.PatchFields{Text: &text}))

	audit := store.AuditLog()
	require.Len(t, audit, 2)
	patch := audit[1]
	require.Equal(t, types.OpPatch, patch.Op)
	require.NotEmpty(t, patch.PriorDigest)
	require.NotEmpty(t, patch.NewDigest)
	require.NotEqual(t, patch.PriorDigest, patch.NewDigest)
}
