package engine

import (
	"testing"

	"chatsync/pkg/models"
)

func msg(id string, ts int64, body string) models.Message {
	return models.Message{ID: id, Conversation: "c1", Sender: "u2", Body: body, CreatedAt: ts, Status: models.StatusSent}
}

func ids(msgs []models.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func TestMessageStore_UpsertIdempotent(t *testing.T) {
	s := NewMessageStore()
	m := msg("m1", 100, "hi")
	s.Upsert(m)
	s.Upsert(m)
	s.Upsert(m)
	if s.Len() != 1 {
		t.Fatalf("expected 1 entry after duplicate upserts, got %d", s.Len())
	}
	got, ok := s.Get("m1")
	if !ok || got.Body != "hi" {
		t.Fatalf("entry lost or mangled: %+v ok=%v", got, ok)
	}
}

func TestMessageStore_AscendingOrderWithTieBreak(t *testing.T) {
	s := NewMessageStore()
	s.Upsert(msg("b", 200, ""))
	s.Upsert(msg("a", 100, ""))
	s.Upsert(msg("c", 200, "")) // same ts as b, inserted later
	s.Upsert(msg("d", 300, ""))

	got := ids(s.Messages())
	want := []string{"a", "b", "c", "d"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order mismatch: got %v want %v", got, want)
		}
	}
}

func TestMessageStore_SetInitialNormalizesAndDedupes(t *testing.T) {
	s := NewMessageStore()
	page := []models.Message{
		msg("m3", 300, ""),
		msg("m1", 100, ""),
		msg("m2", 200, ""),
		msg("m1", 100, ""), // duplicate in the fetched page
	}
	s.SetInitial(page, true)
	if s.Len() != 3 {
		t.Fatalf("expected 3 entries, got %d", s.Len())
	}
	got := ids(s.Messages())
	want := []string{"m1", "m2", "m3"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order mismatch: got %v want %v", got, want)
		}
	}
	if !s.HasMore() {
		t.Fatalf("hasMore flag lost")
	}
	if s.OldestTS() != 100 {
		t.Fatalf("oldest ts = %d, want 100", s.OldestTS())
	}
}

func TestMessageStore_PrependOlderMergesWithoutDuplicates(t *testing.T) {
	s := NewMessageStore()
	s.SetInitial([]models.Message{msg("m5", 500, ""), msg("m6", 600, "")}, true)
	s.PrependOlder([]models.Message{
		msg("m3", 300, ""),
		msg("m4", 400, ""),
		msg("m5", 500, ""), // overlap with the loaded head
	})
	got := ids(s.Messages())
	want := []string{"m3", "m4", "m5", "m6"}
	if len(got) != len(want) {
		t.Fatalf("expected %d entries, got %v", len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order mismatch: got %v want %v", got, want)
		}
	}
}

func TestMessageStore_PrependOlderDedupesWithinPage(t *testing.T) {
	s := NewMessageStore()
	s.SetInitial([]models.Message{msg("m5", 500, "")}, true)
	s.PrependOlder([]models.Message{
		msg("m3", 300, ""),
		msg("m3", 300, ""), // server page carrying the same row twice
		msg("m4", 400, ""),
	})
	got := ids(s.Messages())
	want := []string{"m3", "m4", "m5"}
	if len(got) != len(want) {
		t.Fatalf("expected %d entries, got %v", len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order mismatch: got %v want %v", got, want)
		}
	}
}

func TestMessageStore_EchoReconciles(t *testing.T) {
	s := NewMessageStore()
	pending := msg("client-1", 100, "hello")
	pending.Status = models.StatusPending
	pending.SenderIsSelf = true
	s.Upsert(pending)

	echo := pending
	echo.Status = models.StatusSent
	echo.CreatedAt = 105 // server clock differs slightly
	s.Upsert(echo)

	if s.Len() != 1 {
		t.Fatalf("echo duplicated the pending entry: %d entries", s.Len())
	}
	got, _ := s.Get("client-1")
	if got.Status != models.StatusSent || got.CreatedAt != 105 {
		t.Fatalf("echo did not replace pending: %+v", got)
	}
}

func TestMessageStore_UpdateFields(t *testing.T) {
	s := NewMessageStore()
	s.Upsert(msg("m1", 100, "x"))

	st := models.StatusRead
	ra := int64(900)
	s.UpdateFields("m1", models.MessagePatch{Status: &st, ReadAt: &ra})
	got, _ := s.Get("m1")
	if got.Status != models.StatusRead || got.ReadAt != 900 {
		t.Fatalf("patch not applied: %+v", got)
	}
	if got.Body != "x" || got.CreatedAt != 100 {
		t.Fatalf("patch touched unrelated fields: %+v", got)
	}

	// unknown ids are ignored
	s.UpdateFields("nope", models.MessagePatch{Status: &st})
	if s.Len() != 1 {
		t.Fatalf("patching unknown id changed the store")
	}
}

func TestMessageStore_Rekey(t *testing.T) {
	s := NewMessageStore()
	failed := msg("old-id", 100, "retry me")
	failed.Status = models.StatusFailed
	s.Upsert(failed)

	fresh := failed
	fresh.ID = "new-id"
	fresh.Status = models.StatusPending
	fresh.CreatedAt = 200
	s.Rekey("old-id", "new-id", fresh)

	if s.Len() != 1 {
		t.Fatalf("rekey duplicated the entry: %d", s.Len())
	}
	if _, ok := s.Get("old-id"); ok {
		t.Fatalf("old id still resolvable after rekey")
	}
	got, ok := s.Get("new-id")
	if !ok || got.Status != models.StatusPending {
		t.Fatalf("new id missing or wrong: %+v ok=%v", got, ok)
	}
}
