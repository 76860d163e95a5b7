package inproc

import (
	"errors"
	"sync"

	"chroma_accord/internal/domain"
)

var (
	ErrPartyNotRegistered = errors.New("party is not registered in bus")
	ErrPartyQueueFull     = errors.New("party queue is full")
)

// Bus delivers moves between parties in-process. Each recipient owns one
// buffered channel, so moves from any single sender arrive in send order.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string]chan domain.Move
	buffer int
}

func New(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 64
	}
	return &Bus{
		subs:   make(map[string]chan domain.Move),
		buffer: buffer,
	}
}

func (b *Bus) Register(partyID string) <-chan domain.Move {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, ok := b.subs[partyID]; ok {
		return ch
	}
	ch := make(chan domain.Move, b.buffer)
	b.subs[partyID] = ch
	return ch
}

func (b *Bus) Unregister(partyID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch, ok := b.subs[partyID]
	if !ok {
		return
	}
	delete(b.subs, partyID)
	close(ch)
}

func (b *Bus) Publish(move domain.Move) error {
	b.mu.RLock()
	ch, ok := b.subs[move.To]
	b.mu.RUnlock()
	if !ok {
		return ErrPartyNotRegistered
	}

	select {
	case ch <- move:
		return nil
	default:
		return ErrPartyQueueFull
	}
}
