// Package storetest holds behaviour tests shared by every wordstore.Store
// implementation.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/JPBrill/Lexivision/internal/wordstore"
)

// Dimensions is the embedding size used by the suite. Stores under test must
// accept vectors of this length.
const Dimensions = 4

// Run executes the suite. newStore must return an empty store for each call.
func Run(t *testing.T, newStore func(t *testing.T) wordstore.Store) {
	t.Helper()
	tests := []struct {
		name string
		fn   func(*testing.T, wordstore.Store)
	}{
		{"SaveAndGetWord", testSaveAndGetWord},
		{"SaveWordReplaces", testSaveWordReplaces},
		{"SaveWordRejectsEmpty", testSaveWordRejectsEmpty},
		{"OverlayAndVideo", testOverlayAndVideo},
		{"SaveWordRejectsBadOverlay", testSaveWordRejectsBadOverlay},
		{"GetWordNotFound", testGetWordNotFound},
		{"DeleteWord", testDeleteWord},
		{"Lists", testLists},
		{"AddToListUnknown", testAddToListUnknown},
		{"Users", testUsers},
		{"PracticeHistory", testPracticeHistory},
		{"Nearest", testNearest},
		{"Related", testRelated},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tc.fn(t, newStore(t))
		})
	}
}

func ts(min int) time.Time {
	return time.Date(2026, 3, 14, 9, min, 0, 0, time.UTC)
}

func mustSave(t *testing.T, s wordstore.Store, w wordstore.Word) wordstore.Word {
	t.Helper()
	out, err := s.SaveWord(context.Background(), w)
	if err != nil {
		t.Fatalf("SaveWord(%q): %v", w.Word, err)
	}
	return out
}

func testSaveAndGetWord(t *testing.T, s wordstore.Store) {
	ctx := context.Background()
	saved := mustSave(t, s, wordstore.Word{
		Word:         "serendipity",
		Phonetics:    "/ˌser.ənˈdɪp.ə.ti/",
		Definition:   "finding something good without looking for it",
		PartOfSpeech: "noun",
		Example:      "It was pure serendipity that we met.",
		Image:        "data:image/png;base64,AAAA",
	})
	if saved.ID == "" {
		t.Fatal("SaveWord did not assign an ID")
	}
	if saved.CreatedAt.IsZero() {
		t.Fatal("SaveWord did not set CreatedAt")
	}

	got, err := s.GetWord(ctx, saved.ID)
	if err != nil {
		t.Fatalf("GetWord: %v", err)
	}
	if got.Word != "serendipity" || got.PartOfSpeech != "noun" || got.Image != saved.Image {
		t.Errorf("GetWord = %+v", got)
	}
	if !got.CreatedAt.Equal(saved.CreatedAt.Truncate(time.Microsecond)) && !got.CreatedAt.Equal(saved.CreatedAt) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, saved.CreatedAt)
	}
}

func testSaveWordReplaces(t *testing.T, s wordstore.Store) {
	ctx := context.Background()
	w := mustSave(t, s, wordstore.Word{Word: "ephemeral", Definition: "short"})
	w.Definition = "lasting a very short time"
	mustSave(t, s, w)

	got, err := s.GetWord(ctx, w.ID)
	if err != nil {
		t.Fatalf("GetWord: %v", err)
	}
	if got.Definition != "lasting a very short time" {
		t.Errorf("Definition = %q after replace", got.Definition)
	}
}

func testSaveWordRejectsEmpty(t *testing.T, s wordstore.Store) {
	_, err := s.SaveWord(context.Background(), wordstore.Word{Word: "  "})
	if !errors.Is(err, wordstore.ErrInvalid) {
		t.Errorf("err = %v, want ErrInvalid", err)
	}
}

func testOverlayAndVideo(t *testing.T, s wordstore.Store) {
	ctx := context.Background()
	overlay := &wordstore.Overlay{
		Text:     "Lucid",
		Color:    "#ff0000",
		Font:     "Georgia",
		Position: wordstore.Position{X: 12.5, Y: 80},
	}
	w := mustSave(t, s, wordstore.Word{
		Word:    "lucid",
		Image:   "data:image/png;base64,AAAA",
		Video:   "data:video/mp4;base64,BBBB",
		Overlay: overlay,
	})
	overlay.Text = "changed by caller"

	got, err := s.GetWord(ctx, w.ID)
	if err != nil {
		t.Fatalf("GetWord: %v", err)
	}
	if got.Video != "data:video/mp4;base64,BBBB" {
		t.Errorf("Video = %q", got.Video)
	}
	want := wordstore.Overlay{Text: "Lucid", Color: "#ff0000", Font: "Georgia", Position: wordstore.Position{X: 12.5, Y: 80}}
	if got.Overlay == nil || *got.Overlay != want {
		t.Fatalf("Overlay = %+v, want %+v", got.Overlay, want)
	}

	got.Overlay.Text = "mutated copy"
	again, err := s.GetWord(ctx, w.ID)
	if err != nil {
		t.Fatalf("GetWord: %v", err)
	}
	if again.Overlay.Text != "Lucid" {
		t.Errorf("stored overlay changed through a returned copy: %q", again.Overlay.Text)
	}

	again.Overlay = nil
	again.Video = ""
	mustSave(t, s, again)
	cleared, err := s.GetWord(ctx, w.ID)
	if err != nil {
		t.Fatalf("GetWord: %v", err)
	}
	if cleared.Overlay != nil || cleared.Video != "" {
		t.Errorf("after clearing: overlay = %+v, video = %q", cleared.Overlay, cleared.Video)
	}
}

func testSaveWordRejectsBadOverlay(t *testing.T, s wordstore.Store) {
	for _, o := range []wordstore.Overlay{
		{Text: " ", Position: wordstore.Position{X: 50, Y: 50}},
		{Text: "off", Position: wordstore.Position{X: 101, Y: 50}},
		{Text: "off", Position: wordstore.Position{X: 50, Y: -1}},
	} {
		_, err := s.SaveWord(context.Background(), wordstore.Word{Word: "lucid", Overlay: &o})
		if !errors.Is(err, wordstore.ErrInvalid) {
			t.Errorf("overlay %+v: err = %v, want ErrInvalid", o, err)
		}
	}
}

func testGetWordNotFound(t *testing.T, s wordstore.Store) {
	_, err := s.GetWord(context.Background(), "missing")
	if !errors.Is(err, wordstore.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func testDeleteWord(t *testing.T, s wordstore.Store) {
	ctx := context.Background()
	l, err := s.CreateList(ctx, "Favourites")
	if err != nil {
		t.Fatalf("CreateList: %v", err)
	}
	w := mustSave(t, s, wordstore.Word{Word: "lucid", ListID: l.ID})

	if err := s.DeleteWord(ctx, w.ID); err != nil {
		t.Fatalf("DeleteWord: %v", err)
	}
	if _, err := s.GetWord(ctx, w.ID); !errors.Is(err, wordstore.ErrNotFound) {
		t.Errorf("GetWord after delete: err = %v, want ErrNotFound", err)
	}
	got, err := s.GetList(ctx, l.ID)
	if err != nil {
		t.Fatalf("GetList: %v", err)
	}
	if len(got.WordIDs) != 0 {
		t.Errorf("list still holds %v after delete", got.WordIDs)
	}
	if err := s.DeleteWord(ctx, w.ID); !errors.Is(err, wordstore.ErrNotFound) {
		t.Errorf("second DeleteWord: err = %v, want ErrNotFound", err)
	}
}

func testLists(t *testing.T, s wordstore.Store) {
	ctx := context.Background()
	if _, err := s.CreateList(ctx, ""); !errors.Is(err, wordstore.ErrInvalid) {
		t.Errorf("CreateList(\"\"): err = %v, want ErrInvalid", err)
	}

	l, err := s.CreateList(ctx, "Travel")
	if err != nil {
		t.Fatalf("CreateList: %v", err)
	}
	a := mustSave(t, s, wordstore.Word{Word: "itinerary"})
	b := mustSave(t, s, wordstore.Word{Word: "layover", ListID: l.ID})

	if err := s.AddToList(ctx, l.ID, a.ID); err != nil {
		t.Fatalf("AddToList: %v", err)
	}
	// Adding twice keeps a single entry.
	if err := s.AddToList(ctx, l.ID, a.ID); err != nil {
		t.Fatalf("AddToList again: %v", err)
	}

	got, err := s.GetList(ctx, l.ID)
	if err != nil {
		t.Fatalf("GetList: %v", err)
	}
	if len(got.WordIDs) != 2 || got.WordIDs[0] != b.ID || got.WordIDs[1] != a.ID {
		t.Errorf("WordIDs = %v, want [%s %s]", got.WordIDs, b.ID, a.ID)
	}

	words, err := s.WordsByList(ctx, l.ID)
	if err != nil {
		t.Fatalf("WordsByList: %v", err)
	}
	if len(words) != 2 || words[0].Word != "layover" || words[1].Word != "itinerary" {
		t.Errorf("WordsByList = %v", words)
	}

	w, err := s.GetWord(ctx, a.ID)
	if err != nil {
		t.Fatalf("GetWord: %v", err)
	}
	if w.ListID != l.ID {
		t.Errorf("ListID = %q, want %q", w.ListID, l.ID)
	}

	all, err := s.Lists(ctx)
	if err != nil {
		t.Fatalf("Lists: %v", err)
	}
	if len(all) != 1 || all[0].Name != "Travel" {
		t.Errorf("Lists = %+v", all)
	}

	if _, err := s.WordsByList(ctx, "missing"); !errors.Is(err, wordstore.ErrNotFound) {
		t.Errorf("WordsByList(missing): err = %v, want ErrNotFound", err)
	}
}

func testAddToListUnknown(t *testing.T, s wordstore.Store) {
	ctx := context.Background()
	l, err := s.CreateList(ctx, "Work")
	if err != nil {
		t.Fatalf("CreateList: %v", err)
	}
	w := mustSave(t, s, wordstore.Word{Word: "synergy"})

	if err := s.AddToList(ctx, "missing", w.ID); !errors.Is(err, wordstore.ErrNotFound) {
		t.Errorf("unknown list: err = %v, want ErrNotFound", err)
	}
	if err := s.AddToList(ctx, l.ID, "missing"); !errors.Is(err, wordstore.ErrNotFound) {
		t.Errorf("unknown word: err = %v, want ErrNotFound", err)
	}
	if _, err := s.SaveWord(ctx, wordstore.Word{Word: "orphan", ListID: "missing"}); !errors.Is(err, wordstore.ErrNotFound) {
		t.Errorf("SaveWord with unknown list: err = %v, want ErrNotFound", err)
	}
}

func testUsers(t *testing.T, s wordstore.Store) {
	ctx := context.Background()
	if _, err := s.SaveUser(ctx, wordstore.User{Name: "No Email"}); !errors.Is(err, wordstore.ErrInvalid) {
		t.Errorf("SaveUser without email: err = %v, want ErrInvalid", err)
	}

	u, err := s.SaveUser(ctx, wordstore.User{Email: "ada@example.com", Name: "Ada", Level: "advanced"})
	if err != nil {
		t.Fatalf("SaveUser: %v", err)
	}
	if u.ID == "" {
		t.Fatal("SaveUser did not assign an ID")
	}
	u.Level = "intermediate"
	if _, err := s.SaveUser(ctx, u); err != nil {
		t.Fatalf("SaveUser update: %v", err)
	}
	got, err := s.GetUser(ctx, u.ID)
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	if got != u {
		t.Errorf("GetUser = %+v, want %+v", got, u)
	}

	if _, err := s.SaveUser(ctx, wordstore.User{Email: "ada@example.com"}); !errors.Is(err, wordstore.ErrInvalid) {
		t.Errorf("duplicate email: err = %v, want ErrInvalid", err)
	}
	if _, err := s.GetUser(ctx, "missing"); !errors.Is(err, wordstore.ErrNotFound) {
		t.Errorf("GetUser(missing): err = %v, want ErrNotFound", err)
	}
}

func testPracticeHistory(t *testing.T, s wordstore.Store) {
	ctx := context.Background()
	for i, word := range []string{"brisk", "candid", "deft"} {
		_, err := s.RecordPractice(ctx, wordstore.PracticeRecord{
			UserID:     "u1",
			Word:       word,
			Mode:       "practice",
			StartedAt:  ts(i * 10),
			EndedAt:    ts(i*10 + 5),
			UserTurns:  i + 1,
			ModelTurns: i + 2,
			TargetUses: i,
			EndReason:  "user",
		})
		if err != nil {
			t.Fatalf("RecordPractice: %v", err)
		}
	}
	if _, err := s.RecordPractice(ctx, wordstore.PracticeRecord{UserID: "u2", Word: "other", StartedAt: ts(1), EndedAt: ts(2)}); err != nil {
		t.Fatalf("RecordPractice: %v", err)
	}

	all, err := s.PracticeHistory(ctx, "u1", 0)
	if err != nil {
		t.Fatalf("PracticeHistory: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("len = %d, want 3", len(all))
	}
	if all[0].Word != "deft" || all[2].Word != "brisk" {
		t.Errorf("order = %s,%s,%s, want newest first", all[0].Word, all[1].Word, all[2].Word)
	}
	if all[0].ID == "" || all[0].TargetUses != 2 || !all[0].EndedAt.Equal(ts(25)) {
		t.Errorf("record = %+v", all[0])
	}

	limited, err := s.PracticeHistory(ctx, "u1", 2)
	if err != nil {
		t.Fatalf("PracticeHistory: %v", err)
	}
	if len(limited) != 2 || limited[1].Word != "candid" {
		t.Errorf("limited = %+v", limited)
	}

	none, err := s.PracticeHistory(ctx, "nobody", 5)
	if err != nil {
		t.Fatalf("PracticeHistory: %v", err)
	}
	if none == nil || len(none) != 0 {
		t.Errorf("unknown user history = %#v, want empty slice", none)
	}
}

func seedVectors(t *testing.T, s wordstore.Store) map[string]wordstore.Word {
	t.Helper()
	out := make(map[string]wordstore.Word)
	for _, w := range []wordstore.Word{
		{Word: "happy", Embedding: []float32{1, 0, 0, 0}},
		{Word: "joyful", Embedding: []float32{0.9, 0.1, 0, 0}},
		{Word: "glad", Embedding: []float32{0.7, 0.3, 0, 0}},
		{Word: "granite", Embedding: []float32{0, 0, 1, 0}},
		{Word: "unindexed"},
	} {
		out[w.Word] = mustSave(t, s, w)
	}
	return out
}

func testNearest(t *testing.T, s wordstore.Store) {
	ctx := context.Background()
	seedVectors(t, s)

	got, err := s.Nearest(ctx, []float32{1, 0, 0, 0}, 3)
	if err != nil {
		t.Fatalf("Nearest: %v", err)
	}
	want := []string{"happy", "joyful", "glad"}
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d", len(got), len(want))
	}
	for i, m := range got {
		if m.Word.Word != want[i] {
			t.Errorf("got[%d] = %q, want %q", i, m.Word.Word, want[i])
		}
	}
	if got[0].Distance > 1e-6 {
		t.Errorf("identical vector distance = %v, want 0", got[0].Distance)
	}
	if got[1].Distance >= got[2].Distance {
		t.Errorf("distances not ascending: %v, %v", got[1].Distance, got[2].Distance)
	}

	empty, err := s.Nearest(ctx, []float32{1, 0, 0, 0}, 0)
	if err != nil || len(empty) != 0 {
		t.Errorf("k=0: %v, %v", empty, err)
	}
}

func testRelated(t *testing.T, s wordstore.Store) {
	ctx := context.Background()
	words := seedVectors(t, s)

	got, err := wordstore.Related(ctx, s, words["happy"].ID, 2)
	if err != nil {
		t.Fatalf("Related: %v", err)
	}
	if len(got) != 2 || got[0].Word.Word != "joyful" || got[1].Word.Word != "glad" {
		t.Errorf("Related = %+v", got)
	}

	none, err := wordstore.Related(ctx, s, words["unindexed"].ID, 2)
	if err != nil {
		t.Fatalf("Related(unindexed): %v", err)
	}
	if len(none) != 0 {
		t.Errorf("Related(unindexed) = %+v, want empty", none)
	}

	if _, err := wordstore.Related(ctx, s, "missing", 2); !errors.Is(err, wordstore.ErrNotFound) {
		t.Errorf("Related(missing): err = %v, want ErrNotFound", err)
	}
}
