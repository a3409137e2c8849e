package wordstore

import (
	"cmp"
	"context"
	"fmt"
	"math"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var _ Store = (*MemStore)(nil)

// MemStore is an in-memory [Store]. Nearest is a brute-force cosine scan.
type MemStore struct {
	mu       sync.RWMutex
	words    map[string]Word
	lists    map[string]List
	users    map[string]User
	practice map[string][]PracticeRecord // by user id, oldest first
	now      func() time.Time
}

// NewMemStore returns an empty [MemStore].
func NewMemStore() *MemStore {
	return &MemStore{
		words:    make(map[string]Word),
		lists:    make(map[string]List),
		users:    make(map[string]User),
		practice: make(map[string][]PracticeRecord),
		now:      time.Now,
	}
}

func (s *MemStore) SaveWord(_ context.Context, w Word) (Word, error) {
	if err := w.Validate(); err != nil {
		return Word{}, err
	}
	if w.ID == "" {
		w.ID = uuid.NewString()
	}
	if w.CreatedAt.IsZero() {
		w.CreatedAt = s.now().UTC()
	}
	w = w.Clone()

	s.mu.Lock()
	defer s.mu.Unlock()
	if w.ListID != "" {
		if _, ok := s.lists[w.ListID]; !ok {
			return Word{}, fmt.Errorf("wordstore: list %q: %w", w.ListID, ErrNotFound)
		}
	}
	s.words[w.ID] = w
	if w.ListID != "" {
		s.appendToList(w.ListID, w.ID)
	}
	return w.Clone(), nil
}

func (s *MemStore) GetWord(_ context.Context, id string) (Word, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.words[id]
	if !ok {
		return Word{}, fmt.Errorf("wordstore: word %q: %w", id, ErrNotFound)
	}
	return w.Clone(), nil
}

func (s *MemStore) DeleteWord(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.words[id]; !ok {
		return fmt.Errorf("wordstore: word %q: %w", id, ErrNotFound)
	}
	delete(s.words, id)
	for lid, l := range s.lists {
		l.WordIDs = slices.DeleteFunc(l.WordIDs, func(w string) bool { return w == id })
		s.lists[lid] = l
	}
	return nil
}

func (s *MemStore) WordsByList(_ context.Context, listID string) ([]Word, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.lists[listID]
	if !ok {
		return nil, fmt.Errorf("wordstore: list %q: %w", listID, ErrNotFound)
	}
	out := make([]Word, 0, len(l.WordIDs))
	for _, id := range l.WordIDs {
		if w, ok := s.words[id]; ok {
			out = append(out, w.Clone())
		}
	}
	return out, nil
}

func (s *MemStore) CreateList(_ context.Context, name string) (List, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return List{}, fmt.Errorf("%w: list name must not be empty", ErrInvalid)
	}
	l := List{ID: uuid.NewString(), Name: name, WordIDs: []string{}, CreatedAt: s.now().UTC()}
	s.mu.Lock()
	s.lists[l.ID] = l
	s.mu.Unlock()
	return l, nil
}

func (s *MemStore) GetList(_ context.Context, id string) (List, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.lists[id]
	if !ok {
		return List{}, fmt.Errorf("wordstore: list %q: %w", id, ErrNotFound)
	}
	l.WordIDs = slices.Clone(l.WordIDs)
	return l, nil
}

func (s *MemStore) Lists(_ context.Context) ([]List, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]List, 0, len(s.lists))
	for _, l := range s.lists {
		l.WordIDs = slices.Clone(l.WordIDs)
		out = append(out, l)
	}
	slices.SortFunc(out, func(a, b List) int {
		return cmp.Or(a.CreatedAt.Compare(b.CreatedAt), cmp.Compare(a.Name, b.Name))
	})
	return out, nil
}

func (s *MemStore) AddToList(_ context.Context, listID, wordID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.lists[listID]; !ok {
		return fmt.Errorf("wordstore: list %q: %w", listID, ErrNotFound)
	}
	w, ok := s.words[wordID]
	if !ok {
		return fmt.Errorf("wordstore: word %q: %w", wordID, ErrNotFound)
	}
	w.ListID = listID
	s.words[wordID] = w
	s.appendToList(listID, wordID)
	return nil
}

// appendToList must be called with s.mu held.
func (s *MemStore) appendToList(listID, wordID string) {
	l := s.lists[listID]
	if !slices.Contains(l.WordIDs, wordID) {
		l.WordIDs = append(l.WordIDs, wordID)
		s.lists[listID] = l
	}
}

func (s *MemStore) SaveUser(_ context.Context, u User) (User, error) {
	if err := u.Validate(); err != nil {
		return User{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, other := range s.users {
		if other.ID != u.ID && strings.EqualFold(other.Email, u.Email) {
			return User{}, fmt.Errorf("%w: email %q already registered", ErrInvalid, u.Email)
		}
	}
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	s.users[u.ID] = u
	return u, nil
}

func (s *MemStore) GetUser(_ context.Context, id string) (User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return User{}, fmt.Errorf("wordstore: user %q: %w", id, ErrNotFound)
	}
	return u, nil
}

func (s *MemStore) RecordPractice(_ context.Context, r PracticeRecord) (PracticeRecord, error) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	s.mu.Lock()
	s.practice[r.UserID] = append(s.practice[r.UserID], r)
	s.mu.Unlock()
	return r, nil
}

func (s *MemStore) PracticeHistory(_ context.Context, userID string, limit int) ([]PracticeRecord, error) {
	s.mu.RLock()
	out := slices.Clone(s.practice[userID])
	s.mu.RUnlock()

	slices.SortStableFunc(out, func(a, b PracticeRecord) int { return b.StartedAt.Compare(a.StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	if out == nil {
		out = []PracticeRecord{}
	}
	return out, nil
}

func (s *MemStore) Nearest(_ context.Context, embedding []float32, k int) ([]Match, error) {
	if k <= 0 || len(embedding) == 0 {
		return []Match{}, nil
	}
	s.mu.RLock()
	matches := make([]Match, 0, len(s.words))
	for _, w := range s.words {
		if len(w.Embedding) != len(embedding) {
			continue
		}
		matches = append(matches, Match{Word: w.Clone(), Distance: CosineDistance(embedding, w.Embedding)})
	}
	s.mu.RUnlock()

	slices.SortFunc(matches, func(a, b Match) int {
		return cmp.Or(cmp.Compare(a.Distance, b.Distance), cmp.Compare(a.Word.ID, b.Word.ID))
	})
	if len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
}

func (s *MemStore) Ping(context.Context) error { return nil }

func (s *MemStore) Close() {}

// CosineDistance returns 1 - cos(a, b). Zero vectors are at distance 1 from
// everything.
func CosineDistance(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 1
	}
	return 1 - dot/(math.Sqrt(na)*math.Sqrt(nb))
}
