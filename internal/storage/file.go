package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"agentflow/internal/conversation"
	"agentflow/internal/task"
	"agentflow/pkg/logx"
)

const compactEvery = 1000

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.items.jsonl          (append-only JSON Lines)
//   - <prefix>.state.snapshot.json  (periodic snapshot of conversations + tasks)
//   - <prefix>.state.journal.jsonl  (append-only journal)
//
// The journal is periodically compacted into the snapshot. Everything is
// mirrored in memory; reads never touch disk.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	itemsFile *os.File
	items     []conversation.Item

	snapshotPath string
	journalFile  *os.File
	state        fileState

	writes int
}

type fileState struct {
	Conversations map[string]conversation.Conversation `json:"conversations"`
	Tasks         map[string]task.Task                 `json:"tasks"`
}

// journalRecord carries exactly one of Conversation or Task.
type journalRecord struct {
	Conversation *conversation.Conversation `json:"conversation,omitempty"`
	Task         *task.Task                 `json:"task,omitempty"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	itemsPath := prefix + ".items.jsonl"
	snapPath := prefix + ".state.snapshot.json"
	journalPath := prefix + ".state.journal.jsonl"

	st := fileState{
		Conversations: map[string]conversation.Conversation{},
		Tasks:         map[string]task.Task{},
	}
	if err := loadSnapshot(snapPath, &st); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("state snapshot unreadable; starting from journal", logx.String("path", snapPath), logx.Err(err))
	}
	if err := replayJournal(journalPath, &st); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	items, err := loadItems(itemsPath)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	itf, err := os.OpenFile(itemsPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		_ = itf.Close()
		return nil, err
	}

	log.Info("file store opened",
		logx.String("prefix", prefix),
		logx.Int("conversations", len(st.Conversations)),
		logx.Int("tasks", len(st.Tasks)),
		logx.Int("items", len(items)),
	)
	return &fileStore{
		log:          log,
		itemsFile:    itf,
		items:        items,
		snapshotPath: snapPath,
		journalFile:  jf,
		state:        st,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err1, err2 error
	if s.itemsFile != nil {
		err1 = s.itemsFile.Close()
		s.itemsFile = nil
	}
	if s.journalFile != nil {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("state compact on close failed", logx.Err(err))
		}
		err2 = s.journalFile.Close()
		s.journalFile = nil
	}
	if err1 != nil {
		return err1
	}
	return err2
}

func (s *fileStore) GetConversation(ctx context.Context, id string) (conversation.Conversation, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.state.Conversations[id]
	if !ok {
		return conversation.Conversation{}, conversation.ErrNotFound
	}
	return copyConversation(c), nil
}

func (s *fileStore) PutConversation(ctx context.Context, c conversation.Conversation) error {
	_ = ctx
	c = copyConversation(c)
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.journalLocked(journalRecord{Conversation: &c}); err != nil {
		return err
	}
	s.state.Conversations[c.ID] = c
	return nil
}

func (s *fileStore) AppendItem(ctx context.Context, it conversation.Item) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.itemsFile == nil {
		return ErrClosed
	}
	if err := json.NewEncoder(s.itemsFile).Encode(it); err != nil {
		return err
	}
	s.items = append(s.items, it)
	return nil
}

func (s *fileStore) ListItems(ctx context.Context, f conversation.ItemFilter) ([]conversation.Item, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]conversation.Item, 0)
	for _, it := range s.items {
		if f.Match(it) {
			out = append(out, it)
		}
	}
	return limitItems(out, f.Limit), nil
}

func (s *fileStore) SaveTask(ctx context.Context, t task.Task) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.journalLocked(journalRecord{Task: &t}); err != nil {
		return err
	}
	s.state.Tasks[t.ID] = t
	return nil
}

func (s *fileStore) ListTasks(ctx context.Context) ([]task.Task, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	return sortedTasks(s.state.Tasks), nil
}

func (s *fileStore) journalLocked(r journalRecord) error {
	if s.journalFile == nil {
		return ErrClosed
	}
	if err := json.NewEncoder(s.journalFile).Encode(r); err != nil {
		return err
	}
	s.writes++
	if s.writes%compactEvery == 0 {
		// Best-effort compact.
		if err := s.compactLocked(); err != nil {
			s.log.Debug("state compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) compactLocked() error {
	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.state); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	// Truncate journal.
	if err := s.journalFile.Truncate(0); err != nil {
		return err
	}
	_, err = s.journalFile.Seek(0, 2)
	return err
}

func loadSnapshot(path string, out *fileState) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var st fileState
	if err := json.NewDecoder(f).Decode(&st); err != nil {
		return err
	}
	for k, v := range st.Conversations {
		out.Conversations[k] = v
	}
	for k, v := range st.Tasks {
		out.Tasks[k] = v
	}
	return nil
}

func replayJournal(path string, out *fileState) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4<<20)
	for sc.Scan() {
		var r journalRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			// Torn tail write.
			continue
		}
		switch {
		case r.Conversation != nil && r.Conversation.ID != "":
			out.Conversations[r.Conversation.ID] = *r.Conversation
		case r.Task != nil && r.Task.ID != "":
			out.Tasks[r.Task.ID] = *r.Task
		}
	}
	return sc.Err()
}

func loadItems(path string) ([]conversation.Item, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var out []conversation.Item
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4<<20)
	for sc.Scan() {
		var it conversation.Item
		if err := json.Unmarshal(sc.Bytes(), &it); err != nil || it.ID == "" {
			continue
		}
		out = append(out, it)
	}
	return out, sc.Err()
}
