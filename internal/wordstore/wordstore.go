// Package wordstore persists a learner's saved words, word lists, profile and
// practice history, and finds related words by embedding similarity.
//
// [MemStore] keeps everything in process memory. The postgres subpackage
// stores it in PostgreSQL with a pgvector index.
package wordstore

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned when the requested record does not exist.
	ErrNotFound = errors.New("wordstore: not found")

	// ErrInvalid is returned for records that fail validation.
	ErrInvalid = errors.New("wordstore: invalid record")
)

// Word is a saved dictionary entry.
type Word struct {
	ID           string    `json:"id"`
	Word         string    `json:"word"`
	Phonetics    string    `json:"phonetics"`
	Definition   string    `json:"definition"`
	PartOfSpeech string    `json:"partOfSpeech"`
	Example      string    `json:"example"`
	Image        string    `json:"image,omitempty"` // data URL
	Video        string    `json:"video,omitempty"` // data URL
	Overlay      *Overlay  `json:"overlay,omitempty"`
	ListID       string    `json:"listId,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`

	// Embedding drives related-word search. Nil disables it for this word.
	Embedding []float32 `json:"-"`
}

// Overlay is caption text drawn over a word's picture.
type Overlay struct {
	Text     string   `json:"text"`
	Color    string   `json:"color"`
	Font     string   `json:"font"`
	Position Position `json:"position"`
}

// Position places an overlay. X and Y are percentages of the picture's width
// and height, measured from the top-left corner.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Overlay defaults applied by [Overlay.WithDefaults].
const (
	DefaultOverlayColor = "#ffffff"
	DefaultOverlayFont  = "Inter"
)

// WithDefaults returns a copy of o with a blank color or font filled in.
func (o Overlay) WithDefaults() Overlay {
	if strings.TrimSpace(o.Color) == "" {
		o.Color = DefaultOverlayColor
	}
	if strings.TrimSpace(o.Font) == "" {
		o.Font = DefaultOverlayFont
	}
	return o
}

// Validate reports whether the overlay has text and an on-picture position.
func (o Overlay) Validate() error {
	if strings.TrimSpace(o.Text) == "" {
		return fmt.Errorf("%w: overlay text must not be empty", ErrInvalid)
	}
	if o.Position.X < 0 || o.Position.X > 100 || o.Position.Y < 0 || o.Position.Y > 100 {
		return fmt.Errorf("%w: overlay position (%g, %g) outside 0..100",
			ErrInvalid, o.Position.X, o.Position.Y)
	}
	return nil
}

// Clone returns a deep copy of w.
func (w Word) Clone() Word {
	w.Embedding = slices.Clone(w.Embedding)
	if w.Overlay != nil {
		o := *w.Overlay
		w.Overlay = &o
	}
	return w
}

// List is an ordered, named collection of words.
type List struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	WordIDs   []string  `json:"wordIds"`
	CreatedAt time.Time `json:"createdAt"`
}

// User is a learner profile.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
	Level string `json:"level,omitempty"`
}

// PracticeRecord summarises one finished practice session.
type PracticeRecord struct {
	ID         string    `json:"id"`
	UserID     string    `json:"userId"`
	Word       string    `json:"word"`
	Mode       string    `json:"mode"`
	StartedAt  time.Time `json:"startedAt"`
	EndedAt    time.Time `json:"endedAt"`
	UserTurns  int       `json:"userTurns"`
	ModelTurns int       `json:"modelTurns"`
	TargetUses int       `json:"targetUses"`
	EndReason  string    `json:"endReason"`
}

// Match is a nearest-neighbour result. Distance is the cosine distance, so
// 0 means identical direction.
type Match struct {
	Word     Word    `json:"word"`
	Distance float64 `json:"distance"`
}

// Store is the persistence interface. Implementations must be safe for
// concurrent use.
type Store interface {
	// SaveWord inserts or replaces w. An empty ID is assigned, as is a zero
	// CreatedAt. The stored word is returned.
	SaveWord(ctx context.Context, w Word) (Word, error)
	GetWord(ctx context.Context, id string) (Word, error)

	// DeleteWord removes the word and its list memberships.
	DeleteWord(ctx context.Context, id string) error

	// WordsByList returns the list's words in list order.
	WordsByList(ctx context.Context, listID string) ([]Word, error)

	CreateList(ctx context.Context, name string) (List, error)
	GetList(ctx context.Context, id string) (List, error)
	Lists(ctx context.Context) ([]List, error)

	// AddToList appends wordID to the list unless already present and sets
	// the word's ListID.
	AddToList(ctx context.Context, listID, wordID string) error

	// SaveUser inserts or replaces u, assigning an ID when empty.
	SaveUser(ctx context.Context, u User) (User, error)
	GetUser(ctx context.Context, id string) (User, error)

	// RecordPractice stores r, assigning an ID when empty.
	RecordPractice(ctx context.Context, r PracticeRecord) (PracticeRecord, error)

	// PracticeHistory returns the user's records, newest first. limit <= 0
	// returns all.
	PracticeHistory(ctx context.Context, userID string, limit int) ([]PracticeRecord, error)

	// Nearest returns up to k words with embeddings closest to embedding,
	// closest first.
	Nearest(ctx context.Context, embedding []float32, k int) ([]Match, error)

	Ping(ctx context.Context) error
	Close()
}

// Related returns up to k words closest to the word with the given id,
// excluding the word itself. A word without an embedding has no relations.
func Related(ctx context.Context, s Store, id string, k int) ([]Match, error) {
	w, err := s.GetWord(ctx, id)
	if err != nil {
		return nil, err
	}
	if len(w.Embedding) == 0 || k <= 0 {
		return []Match{}, nil
	}
	matches, err := s.Nearest(ctx, w.Embedding, k+1)
	if err != nil {
		return nil, err
	}
	out := make([]Match, 0, k)
	for _, m := range matches {
		if m.Word.ID == id || len(out) == k {
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

// Validate checks the fields every store requires.
func (w Word) Validate() error {
	if strings.TrimSpace(w.Word) == "" {
		return fmt.Errorf("%w: word must not be empty", ErrInvalid)
	}
	if w.Overlay != nil {
		return w.Overlay.Validate()
	}
	return nil
}

// Validate checks the fields every store requires.
func (u User) Validate() error {
	if strings.TrimSpace(u.Email) == "" {
		return fmt.Errorf("%w: email must not be empty", ErrInvalid)
	}
	return nil
}
