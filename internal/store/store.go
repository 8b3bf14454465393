// Package store is the task record's durable home: a content-addressed
// directory of JSON files, one per task, atomic-write-backed.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/taskorch/taskorch/internal/fsutil"
	"github.com/taskorch/taskorch/internal/tasktype"
)

// ErrTaskNotFound is returned by Get when no task file exists for the id.
var ErrTaskNotFound = errors.New("store: task not found")

// Store persists tasks as {root}/{task_id}.json, serializing concurrent
// writes to the same task id with a striped mutex registry.
type Store struct {
	root string

	mu      sync.Mutex
	locks   map[string]*sync.Mutex
}

// New returns a Store rooted at dir. The directory need not exist yet:
// Save creates it on first write, and List reports an empty store while
// it is absent.
func New(dir string) *Store {
	return &Store{root: dir, locks: make(map[string]*sync.Mutex)}
}

func (s *Store) lockFor(taskID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[taskID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[taskID] = l
	}
	return l
}

func (s *Store) path(taskID string) string {
	return filepath.Join(s.root, taskID+".json")
}

// Save atomically replaces the task's JSON file.
func (s *Store) Save(task *tasktype.Task) error {
	if task.TaskID == "" {
		return fmt.Errorf("store: task has empty task_id")
	}
	lock := s.lockFor(task.TaskID)
	lock.Lock()
	defer lock.Unlock()

	if err := fsutil.AtomicWriteJSON(s.path(task.TaskID), task); err != nil {
		return fmt.Errorf("store: failed to save task %s: %w", task.TaskID, err)
	}
	return nil
}

// Get loads a task by id, returning ErrTaskNotFound if absent.
func (s *Store) Get(taskID string) (*tasktype.Task, error) {
	lock := s.lockFor(taskID)
	lock.Lock()
	defer lock.Unlock()

	data, err := os.ReadFile(s.path(taskID))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	if err != nil {
		return nil, fmt.Errorf("store: failed to read task %s: %w", taskID, err)
	}

	var task tasktype.Task
	if err := json.Unmarshal(data, &task); err != nil {
		return nil, fmt.Errorf("store: failed to parse task %s: %w", taskID, err)
	}
	return &task, nil
}

// List returns every task in the store, ordered lexicographically by
// filename (which, per tasktype.NewTaskID, equals creation order).
func (s *Store) List() ([]*tasktype.Task, error) {
	entries, err := os.ReadDir(s.root)
	if os.IsNotExist(err) {
		return []*tasktype.Task{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: failed to read directory %s: %w", s.root, err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	tasks := make([]*tasktype.Task, 0, len(names))
	for _, name := range names {
		taskID := strings.TrimSuffix(name, ".json")
		task, err := s.Get(taskID)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}
