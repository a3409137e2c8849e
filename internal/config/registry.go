package config

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/JPBrill/Lexivision/internal/lexicon"
	"github.com/JPBrill/Lexivision/pkg/audio"
	"github.com/JPBrill/Lexivision/pkg/provider/embeddings"
	"github.com/JPBrill/Lexivision/pkg/provider/live"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Factory builds a provider of type T from its config entry.
type Factory[T any] func(ProviderEntry) (T, error)

// kind is the factory table for one provider type.
type kind[T any] struct {
	label     string
	factories map[string]Factory[T]
}

func newKind[T any](label string) kind[T] {
	return kind[T]{label: label, factories: make(map[string]Factory[T])}
}

func (k kind[T]) create(mu *sync.RWMutex, entry ProviderEntry) (T, error) {
	mu.RLock()
	factory, ok := k.factories[entry.Name]
	mu.RUnlock()
	if !ok {
		var zero T
		return zero, fmt.Errorf("%w: %s/%q", ErrProviderNotRegistered, k.label, entry.Name)
	}
	return factory(entry)
}

func (k kind[T]) names(mu *sync.RWMutex) []string {
	mu.RLock()
	defer mu.RUnlock()
	out := make([]string, 0, len(k.factories))
	for name := range k.factories {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Registry maps provider names to their constructor functions for each
// provider type. It is safe for concurrent use.
type Registry struct {
	mu         sync.RWMutex
	live       kind[live.Transport]
	audio      kind[*audio.Devices]
	text       kind[lexicon.TextGenerator]
	image      kind[lexicon.ImageGenerator]
	video      kind[lexicon.VideoGenerator]
	embeddings kind[embeddings.Provider]
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		live:       newKind[live.Transport]("live"),
		audio:      newKind[*audio.Devices]("audio"),
		text:       newKind[lexicon.TextGenerator]("text"),
		image:      newKind[lexicon.ImageGenerator]("image"),
		video:      newKind[lexicon.VideoGenerator]("video"),
		embeddings: newKind[embeddings.Provider]("embeddings"),
	}
}

// RegisterLive registers a live transport factory under name. Subsequent
// calls with the same name overwrite the previous registration.
func (r *Registry) RegisterLive(name string, f Factory[live.Transport]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.live.factories[name] = f
}

// RegisterAudio registers an audio backend factory under name.
func (r *Registry) RegisterAudio(name string, f Factory[*audio.Devices]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.audio.factories[name] = f
}

// RegisterText registers a lexicon text generator factory under name.
func (r *Registry) RegisterText(name string, f Factory[lexicon.TextGenerator]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.text.factories[name] = f
}

// RegisterImage registers a lexicon image generator factory under name.
func (r *Registry) RegisterImage(name string, f Factory[lexicon.ImageGenerator]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.image.factories[name] = f
}

// RegisterVideo registers a lexicon video generator factory under name.
func (r *Registry) RegisterVideo(name string, f Factory[lexicon.VideoGenerator]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.video.factories[name] = f
}

// RegisterEmbeddings registers an embeddings provider factory under name.
func (r *Registry) RegisterEmbeddings(name string, f Factory[embeddings.Provider]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.embeddings.factories[name] = f
}

// CreateLive instantiates the live transport registered under entry.Name.
// Returns [ErrProviderNotRegistered] if no factory has been registered.
func (r *Registry) CreateLive(entry ProviderEntry) (live.Transport, error) {
	return r.live.create(&r.mu, entry)
}

// CreateAudio instantiates the audio backend registered under entry.Name.
func (r *Registry) CreateAudio(entry ProviderEntry) (*audio.Devices, error) {
	return r.audio.create(&r.mu, entry)
}

// CreateText instantiates the text generator registered under entry.Name.
func (r *Registry) CreateText(entry ProviderEntry) (lexicon.TextGenerator, error) {
	return r.text.create(&r.mu, entry)
}

// CreateImage instantiates the image generator registered under entry.Name.
func (r *Registry) CreateImage(entry ProviderEntry) (lexicon.ImageGenerator, error) {
	return r.image.create(&r.mu, entry)
}

// CreateVideo instantiates the video generator registered under entry.Name.
func (r *Registry) CreateVideo(entry ProviderEntry) (lexicon.VideoGenerator, error) {
	return r.video.create(&r.mu, entry)
}

// CreateEmbeddings instantiates the embeddings provider registered under
// entry.Name.
func (r *Registry) CreateEmbeddings(entry ProviderEntry) (embeddings.Provider, error) {
	return r.embeddings.create(&r.mu, entry)
}

// LiveNames returns the registered live transport names, sorted.
func (r *Registry) LiveNames() []string { return r.live.names(&r.mu) }

// AudioNames returns the registered audio backend names, sorted.
func (r *Registry) AudioNames() []string { return r.audio.names(&r.mu) }
