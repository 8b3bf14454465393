package idempotency

import (
	"encoding/json"
	"os"
	"sync"

	"github.com/taskorch/taskorch/internal/fsutil"
)

// SeenStore is a mutex-protected set of seen webhook message IDs, persisted
// as a JSON list on every insert. It replaces the module-level idempotency
// set the source carries with an explicitly owned value (see SPEC_FULL.md
// Design Notes, "Global state").
type SeenStore struct {
	mu   sync.Mutex
	path string
	seen map[string]struct{}
}

// NewSeenStore loads (or creates) the seen-message list at path.
func NewSeenStore(path string) (*SeenStore, error) {
	s := &SeenStore{path: path, seen: make(map[string]struct{})}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, err
	}

	var ids []string
	if err := json.Unmarshal(data, &ids); err != nil {
		return nil, err
	}
	for _, id := range ids {
		s.seen[id] = struct{}{}
	}
	return s, nil
}

// CheckAndAdd returns true if messageID was already seen. If it was not
// seen, it is recorded and persisted before returning.
func (s *SeenStore) CheckAndAdd(messageID string) (alreadySeen bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.seen[messageID]; ok {
		return true, nil
	}

	s.seen[messageID] = struct{}{}
	if err := s.persistLocked(); err != nil {
		delete(s.seen, messageID)
		return false, err
	}
	return false, nil
}

func (s *SeenStore) persistLocked() error {
	ids := make([]string, 0, len(s.seen))
	for id := range s.seen {
		ids = append(ids, id)
	}
	return fsutil.AtomicWriteJSON(s.path, ids)
}
