package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/JPBrill/Lexivision/internal/engine"
	"github.com/JPBrill/Lexivision/internal/lexicon"
	"github.com/JPBrill/Lexivision/internal/observe"
	"github.com/JPBrill/Lexivision/internal/resilience"
	"github.com/JPBrill/Lexivision/internal/wordstore"
	"github.com/JPBrill/Lexivision/pkg/audio"
	"github.com/JPBrill/Lexivision/pkg/provider/embeddings"
	"github.com/JPBrill/Lexivision/pkg/provider/live"
)

const (
	maxBodyBytes   = 1 << 20
	defaultRelated = 5
	maxRelated     = 50
)

// errBadRequest marks client errors found while decoding a request.
var errBadRequest = errors.New("bad request")

// API serves the JSON HTTP interface. Practice is nil when no live transport
// or audio backend is configured; the practice routes then answer 503.
type API struct {
	Lexicon  *lexicon.Service
	Store    wordstore.Store
	Embedder embeddings.Provider // optional
	Practice *SessionManager     // optional
}

// Register adds every API route to mux.
func (api *API) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/words/{word}/definition", api.define)
	mux.HandleFunc("GET /api/suggestions", api.suggest)
	mux.HandleFunc("GET /api/word-of-the-day", api.wordOfTheDay)

	mux.HandleFunc("POST /api/words", api.saveWord)
	mux.HandleFunc("GET /api/words/{id}", api.getWord)
	mux.HandleFunc("DELETE /api/words/{id}", api.deleteWord)
	mux.HandleFunc("GET /api/words/{id}/related", api.related)
	mux.HandleFunc("POST /api/words/{id}/illustration", api.illustrate)
	mux.HandleFunc("POST /api/words/{id}/animation", api.animate)
	mux.HandleFunc("PUT /api/words/{id}/overlay", api.setOverlay)
	mux.HandleFunc("DELETE /api/words/{id}/overlay", api.clearOverlay)

	mux.HandleFunc("GET /api/lists", api.lists)
	mux.HandleFunc("POST /api/lists", api.createList)
	mux.HandleFunc("GET /api/lists/{id}/words", api.listWords)
	mux.HandleFunc("POST /api/lists/{id}/words", api.addToList)

	mux.HandleFunc("POST /api/users", api.saveUser)
	mux.HandleFunc("GET /api/users/{id}", api.getUser)

	mux.HandleFunc("POST /api/practice", api.startPractice)
	mux.HandleFunc("DELETE /api/practice", api.stopPractice)
	mux.HandleFunc("GET /api/practice", api.practiceStatus)
	mux.HandleFunc("GET /api/practice/history", api.practiceHistory)
}

// ─── Lexicon ─────────────────────────────────────────────────────────────────

func (api *API) define(w http.ResponseWriter, r *http.Request) {
	entry, err := api.Lexicon.Define(r.Context(), r.PathValue("word"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (api *API) suggest(w http.ResponseWriter, r *http.Request) {
	level, err := lexicon.ParseLevel(r.URL.Query().Get("level"))
	if err != nil {
		writeError(w, r, fmt.Errorf("%w: %w", errBadRequest, err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"level": level,
		"words": api.Lexicon.Suggest(r.Context(), level),
	})
}

func (api *API) wordOfTheDay(w http.ResponseWriter, r *http.Request) {
	wotd, err := api.Lexicon.WordOfTheDay(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, wotd)
}

// ─── Words ───────────────────────────────────────────────────────────────────

// saveWordRequest saves a word. Missing definition fields are generated, and
// an illustration is drawn unless Image is set or Illustrate is false.
type saveWordRequest struct {
	Word         string `json:"word"`
	Phonetics    string `json:"phonetics"`
	Definition   string `json:"definition"`
	PartOfSpeech string `json:"partOfSpeech"`
	Example      string `json:"example"`
	Image        string `json:"image"`
	ListID       string `json:"listId"`
	Illustrate   *bool  `json:"illustrate"`

	Overlay *wordstore.Overlay `json:"overlay"`
}

func (api *API) saveWord(w http.ResponseWriter, r *http.Request) {
	var req saveWordRequest
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	word, err := api.buildWord(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	saved, err := api.Store.SaveWord(r.Context(), word)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, saved)
}

func (api *API) buildWord(ctx context.Context, req saveWordRequest) (wordstore.Word, error) {
	log := observe.Logger(ctx)
	w := wordstore.Word{
		Word:         strings.TrimSpace(req.Word),
		Phonetics:    req.Phonetics,
		Definition:   req.Definition,
		PartOfSpeech: req.PartOfSpeech,
		Example:      req.Example,
		Image:        req.Image,
		ListID:       req.ListID,
	}
	if req.Overlay != nil {
		o := req.Overlay.WithDefaults()
		w.Overlay = &o
	}
	if w.Word == "" {
		return w, fmt.Errorf("%w: word must not be empty", errBadRequest)
	}

	if w.Definition == "" {
		entry, err := api.Lexicon.Define(ctx, w.Word)
		if err != nil {
			return w, err
		}
		w.Phonetics, w.Definition, w.PartOfSpeech, w.Example = entry.Phonetics, entry.Definition, entry.PartOfSpeech, entry.Example
	}

	illustrate := req.Illustrate == nil || *req.Illustrate
	if w.Image == "" && illustrate && api.Lexicon.CanIllustrate() {
		img, err := api.Lexicon.Illustrate(ctx, w.Word, w.Definition)
		if err != nil {
			log.Warn("save word: illustration failed, saving without image", "word", w.Word, "err", err)
		} else {
			w.Image = img.DataURL()
		}
	}

	if api.Embedder != nil {
		vec, err := api.Embedder.Embed(ctx, embeddingText(w))
		if err != nil {
			log.Warn("save word: embedding failed, related words disabled for it", "word", w.Word, "err", err)
		} else {
			w.Embedding = vec
		}
	}
	return w, nil
}

// embeddingText is the text embedded for related-word search.
func embeddingText(w wordstore.Word) string {
	if w.Definition == "" {
		return w.Word
	}
	return w.Word + ": " + w.Definition
}

func (api *API) getWord(w http.ResponseWriter, r *http.Request) {
	word, err := api.Store.GetWord(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, word)
}

func (api *API) deleteWord(w http.ResponseWriter, r *http.Request) {
	if err := api.Store.DeleteWord(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (api *API) related(w http.ResponseWriter, r *http.Request) {
	k := defaultRelated
	if s := r.URL.Query().Get("k"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 || n > maxRelated {
			writeError(w, r, fmt.Errorf("%w: k must be between 1 and %d", errBadRequest, maxRelated))
			return
		}
		k = n
	}
	matches, err := wordstore.Related(r.Context(), api.Store, r.PathValue("id"), k)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, matches)
}

// illustrate redraws a saved word's image. With a prompt and an existing
// image the image is edited; otherwise a new one is drawn from the definition.
func (api *API) illustrate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Prompt string `json:"prompt"`
	}
	if r.ContentLength != 0 {
		if err := decode(r, &req); err != nil {
			writeError(w, r, err)
			return
		}
	}
	word, err := api.Store.GetWord(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}

	var img lexicon.Image
	if src, perr := lexicon.ParseDataURL(word.Image); perr == nil && len(src.Data) > 0 && req.Prompt != "" {
		img, err = api.Lexicon.EditIllustration(r.Context(), src, req.Prompt)
	} else {
		img, err = api.Lexicon.Illustrate(r.Context(), word.Word, word.Definition)
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	word.Image = img.DataURL()
	word.Video = ""
	saved, err := api.Store.SaveWord(r.Context(), word)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

// animate turns the word's illustration into a short clip. A blank prompt
// animates the headword itself.
func (api *API) animate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Prompt string `json:"prompt"`
	}
	if r.ContentLength != 0 {
		if err := decode(r, &req); err != nil {
			writeError(w, r, err)
			return
		}
	}
	word, err := api.Store.GetWord(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	src, err := lexicon.ParseDataURL(word.Image)
	if err != nil || len(src.Data) == 0 {
		writeError(w, r, fmt.Errorf("%w: word %q has no illustration to animate", errBadRequest, word.Word))
		return
	}
	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		prompt = lexicon.AnimateWordPrompt(word.Word)
	}
	video, err := api.Lexicon.Animate(r.Context(), src, prompt)
	if err != nil {
		writeError(w, r, err)
		return
	}
	word.Video = video.DataURL()
	saved, err := api.Store.SaveWord(r.Context(), word)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

func (api *API) setOverlay(w http.ResponseWriter, r *http.Request) {
	var o wordstore.Overlay
	if err := decode(r, &o); err != nil {
		writeError(w, r, err)
		return
	}
	word, err := api.Store.GetWord(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	o = o.WithDefaults()
	word.Overlay = &o
	saved, err := api.Store.SaveWord(r.Context(), word)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

func (api *API) clearOverlay(w http.ResponseWriter, r *http.Request) {
	word, err := api.Store.GetWord(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	word.Overlay = nil
	saved, err := api.Store.SaveWord(r.Context(), word)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

// ─── Lists ───────────────────────────────────────────────────────────────────

func (api *API) lists(w http.ResponseWriter, r *http.Request) {
	lists, err := api.Store.Lists(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, lists)
}

func (api *API) createList(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"name"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	l, err := api.Store.CreateList(r.Context(), req.Name)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, l)
}

func (api *API) listWords(w http.ResponseWriter, r *http.Request) {
	words, err := api.Store.WordsByList(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, words)
}

func (api *API) addToList(w http.ResponseWriter, r *http.Request) {
	var req struct {
		WordID string `json:"wordId"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := api.Store.AddToList(r.Context(), r.PathValue("id"), req.WordID); err != nil {
		writeError(w, r, err)
		return
	}
	l, err := api.Store.GetList(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, l)
}

// ─── Users ───────────────────────────────────────────────────────────────────

func (api *API) saveUser(w http.ResponseWriter, r *http.Request) {
	var u wordstore.User
	if err := decode(r, &u); err != nil {
		writeError(w, r, err)
		return
	}
	if u.Level != "" {
		level, err := lexicon.ParseLevel(u.Level)
		if err != nil {
			writeError(w, r, fmt.Errorf("%w: %w", errBadRequest, err))
			return
		}
		u.Level = string(level)
	}
	saved, err := api.Store.SaveUser(r.Context(), u)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, saved)
}

func (api *API) getUser(w http.ResponseWriter, r *http.Request) {
	u, err := api.Store.GetUser(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

// ─── Practice ────────────────────────────────────────────────────────────────

var errPracticeDisabled = errors.New("app: live practice is not configured")

func (api *API) startPractice(w http.ResponseWriter, r *http.Request) {
	if api.Practice == nil {
		writeError(w, r, errPracticeDisabled)
		return
	}
	var req struct {
		UserID string `json:"userId"`
		Word   string `json:"word"`
		Mode   string `json:"mode"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	mode, err := engine.ParseMode(req.Mode)
	if err != nil {
		writeError(w, r, err)
		return
	}
	st, err := api.Practice.Start(r.Context(), req.UserID, req.Word, mode)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (api *API) stopPractice(w http.ResponseWriter, r *http.Request) {
	if api.Practice == nil {
		writeError(w, r, errPracticeDisabled)
		return
	}
	rec, err := api.Practice.Stop(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	if rec == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (api *API) practiceStatus(w http.ResponseWriter, r *http.Request) {
	if api.Practice == nil {
		writeError(w, r, errPracticeDisabled)
		return
	}
	writeJSON(w, http.StatusOK, api.Practice.Status())
}

func (api *API) practiceHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	user := q.Get("user")
	if user == "" {
		writeError(w, r, fmt.Errorf("%w: user is required", errBadRequest))
		return
	}
	limit := 0
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			writeError(w, r, fmt.Errorf("%w: limit must be a non-negative integer", errBadRequest))
			return
		}
		limit = n
	}
	records, err := api.Store.PracticeHistory(r.Context(), user, limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

func decode(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: invalid JSON body: %w", errBadRequest, err)
	}
	return nil
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, errBadRequest),
		errors.Is(err, wordstore.ErrInvalid),
		errors.Is(err, lexicon.ErrInvalidWord),
		errors.Is(err, engine.ErrInvalidWord),
		errors.Is(err, engine.ErrInvalidMode):
		return http.StatusBadRequest
	case errors.Is(err, wordstore.ErrNotFound), errors.Is(err, ErrNoPractice):
		return http.StatusNotFound
	case errors.Is(err, audio.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, engine.ErrStopped):
		return http.StatusConflict
	case errors.Is(err, lexicon.ErrNoImages),
		errors.Is(err, lexicon.ErrNoVideo),
		errors.Is(err, errPracticeDisabled):
		return http.StatusNotImplemented
	case errors.Is(err, lexicon.ErrUnavailable),
		errors.Is(err, live.ErrUnavailable),
		errors.Is(err, resilience.ErrCircuitOpen):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		observe.Logger(r.Context()).Error("api: request failed", "path", r.URL.Path, "status", status, "err", err)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
