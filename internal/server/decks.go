package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrDeckNotFound is returned when a deck does not exist or belongs to
// another user.
var ErrDeckNotFound = errors.New("deck not found")

// Deck is an uploaded presentation.
type Deck struct {
	ID         string    `json:"id"`
	OwnerID    string    `json:"owner_id"`
	Name       string    `json:"name"`
	Size       int64     `json:"size"`
	UploadedAt time.Time `json:"uploaded_at"`
}

// Translation is a queued translation of a deck.
type Translation struct {
	ID             string    `json:"id"`
	DeckID         string    `json:"deck_id"`
	TargetLanguage string    `json:"target_language"`
	Status         string    `json:"status"`
	RequestedAt    time.Time `json:"requested_at"`
}

// DeckService stores decks and queues translations. The gateway protects
// it; implementations only see authenticated, validated requests.
type DeckService interface {
	ListDecks(ctx context.Context, ownerID string) ([]Deck, error)
	UploadDeck(ctx context.Context, ownerID, name string, content io.Reader) (Deck, error)
	TranslateDeck(ctx context.Context, ownerID, deckID, targetLanguage string) (Translation, error)
}

// MemoryDeckStore is a process-local DeckService. It records deck metadata
// and discards the content.
type MemoryDeckStore struct {
	mu           sync.RWMutex
	decks        map[string]Deck
	translations map[string][]Translation
	now          func() time.Time
}

// NewMemoryDeckStore returns an empty store.
func NewMemoryDeckStore() *MemoryDeckStore {
	return &MemoryDeckStore{
		decks:        make(map[string]Deck),
		translations: make(map[string][]Translation),
		now:          time.Now,
	}
}

// ListDecks returns the owner's decks, newest first.
func (m *MemoryDeckStore) ListDecks(_ context.Context, ownerID string) ([]Deck, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Deck, 0)
	for _, d := range m.decks {
		if d.OwnerID == ownerID {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UploadedAt.Equal(out[j].UploadedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].UploadedAt.After(out[j].UploadedAt)
	})
	return out, nil
}

// UploadDeck consumes content and records the deck.
func (m *MemoryDeckStore) UploadDeck(ctx context.Context, ownerID, name string, content io.Reader) (Deck, error) {
	n, err := io.Copy(io.Discard, content)
	if err != nil {
		return Deck{}, fmt.Errorf("failed to read deck: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return Deck{}, err
	}
	d := Deck{
		ID:         uuid.NewString(),
		OwnerID:    ownerID,
		Name:       name,
		Size:       n,
		UploadedAt: m.now().UTC(),
	}
	m.mu.Lock()
	m.decks[d.ID] = d
	m.mu.Unlock()
	return d, nil
}

// TranslateDeck queues a translation of one of the owner's decks.
func (m *MemoryDeckStore) TranslateDeck(_ context.Context, ownerID, deckID, targetLanguage string) (Translation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.decks[deckID]
	if !ok || d.OwnerID != ownerID {
		return Translation{}, ErrDeckNotFound
	}
	tr := Translation{
		ID:             uuid.NewString(),
		DeckID:         deckID,
		TargetLanguage: targetLanguage,
		Status:         "queued",
		RequestedAt:    m.now().UTC(),
	}
	m.translations[deckID] = append(m.translations[deckID], tr)
	return tr, nil
}

// Translations returns the translations queued for a deck.
func (m *MemoryDeckStore) Translations(deckID string) []Translation {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Translation(nil), m.translations[deckID]...)
}
