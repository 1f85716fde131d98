package session

import (
	"sync"

	"webllm-chat/web/types"
)

// ChangeKind says what a Change refers to.
type ChangeKind string

const (
	// ChangeSession carries the new state of one session.
	ChangeSession ChangeKind = "session"
	// ChangeList means sessions were added, removed, reordered or selected.
	ChangeList ChangeKind = "list"
)

// Change is one entry of the store's change feed.
type Change struct {
	Kind      ChangeKind
	SessionID string
	Session   *types.ChatSession
}

type feed struct {
	mu   sync.Mutex
	next int
	subs map[int]chan Change
}

func newFeed() *feed {
	return &feed{subs: make(map[int]chan Change)}
}

// publish never blocks. A subscriber whose buffer is full misses the change;
// the next one it receives carries the full session again.
func (f *feed) publish(c Change) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.subs {
		select {
		case ch <- c:
		default:
		}
	}
}

// Subscribe returns a channel of changes and a function that ends the
// subscription and closes the channel.
func (s *Store) Subscribe(buffer int) (<-chan Change, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	f := s.feed
	ch := make(chan Change, buffer)

	f.mu.Lock()
	id := f.next
	f.next++
	f.subs[id] = ch
	f.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			f.mu.Lock()
			delete(f.subs, id)
			f.mu.Unlock()
			close(ch)
		})
	}
}
