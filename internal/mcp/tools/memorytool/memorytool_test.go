package memorytool

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/fae-run/fae-core/pkg/memory"
	"github.com/fae-run/fae-core/pkg/memory/mock"
	"github.com/fae-run/fae-core/pkg/types"
)

func toolByName(t *testing.T, store memory.Store, name string) func(context.Context, string) (string, error) {
	t.Helper()
	for _, tool := range NewTools(store) {
		if tool.Definition.Name == name {
			return tool.Handler
		}
	}
	t.Fatalf("no tool named %q", name)
	return nil
}

func TestRecallMemory(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := mock.New()
	if _, err := store.Insert(ctx, types.MemoryRecord{
		Kind: types.KindProfile, Text: "User's name is Ailsa.", Confidence: 0.95,
	}); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	handler := toolByName(t, store, "recall_memory")
	out, err := handler(ctx, `{"query":"what is the user's name"}`)
	if err != nil {
		t.Fatalf("recall_memory: %v", err)
	}

	var hits []recalledRecord
	if err := json.Unmarshal([]byte(out), &hits); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if len(hits) != 1 || hits[0].Text != "User's name is Ailsa." {
		t.Fatalf("recall_memory: got %v, want the name record", hits)
	}

	if _, err := handler(ctx, `{"query":""}`); err == nil {
		t.Fatal("recall_memory: empty query must fail")
	}
}

func TestRememberThenGet(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := mock.New()

	remember := toolByName(t, store, "remember")
	out, err := remember(ctx, `{"kind":"commitment","text":"User promised to call their sister on Sunday."}`)
	if err != nil {
		t.Fatalf("remember: %v", err)
	}
	var created map[string]string
	if err := json.Unmarshal([]byte(out), &created); err != nil {
		t.Fatalf("decode result: %v", err)
	}

	get := toolByName(t, store, "get_memory")
	out, err = get(ctx, fmt.Sprintf(`{"id":%q}`, created["id"]))
	if err != nil {
		t.Fatalf("get_memory: %v", err)
	}
	var rec recalledRecord
	if err := json.Unmarshal([]byte(out), &rec); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if rec.Kind != "commitment" || rec.Confidence != 0.7 {
		t.Fatalf("get_memory: got %+v, want commitment with default confidence", rec)
	}
}

func TestRememberRejectsEpisodes(t *testing.T) {
	t.Parallel()

	remember := toolByName(t, mock.New(), "remember")
	if _, err := remember(context.Background(), `{"kind":"episode","text":"raw transcript"}`); err == nil {
		t.Fatal("remember: episode kind must be rejected")
	}
}

func TestForgetMemory(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := mock.New()
	id, err := store.Insert(ctx, types.MemoryRecord{
		Kind: types.KindFact, Text: "User's door code is 4921.", Confidence: 0.9,
	})
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}

	forget := toolByName(t, store, "forget_memory")
	if _, err := forget(ctx, fmt.Sprintf(`{"id":%q,"hard":true}`, id)); err != nil {
		t.Fatalf("forget_memory: %v", err)
	}

	rec, err := store.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.Status != types.StatusForgotten || rec.Text != "" {
		t.Fatalf("forget_memory: got status=%s text=%q, want forgotten and redacted", rec.Status, rec.Text)
	}

	if _, err := forget(ctx, `{"id":"not-a-uuid"}`); err == nil {
		t.Fatal("forget_memory: invalid id must fail")
	}
}
