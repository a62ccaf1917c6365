package namespace

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	fileName   = "namespace.json"
	appDirName = "rtsync"
)

// Storage persists the current namespace under a single durable key.
// Load returns "" when nothing is stored.
type Storage interface {
	Load(ctx context.Context) (string, error)
	Save(ctx context.Context, ns string) error
	Clear(ctx context.Context) error
}

// ChangeSource is implemented by storages that can report writes made by
// other holders of the same key. Each value received is the newly stored
// namespace, or "" when the key was cleared. The channel is closed when ctx
// ends.
type ChangeSource interface {
	Changes(ctx context.Context) (<-chan string, error)
}

// feed is an in-process broadcast of storage writes.
type feed struct {
	mu   sync.Mutex
	subs map[chan string]struct{}
}

func (f *feed) subscribe(ctx context.Context) <-chan string {
	ch := make(chan string, 1)
	f.mu.Lock()
	if f.subs == nil {
		f.subs = make(map[chan string]struct{})
	}
	f.subs[ch] = struct{}{}
	f.mu.Unlock()

	go func() {
		<-ctx.Done()
		f.mu.Lock()
		delete(f.subs, ch)
		close(ch)
		f.mu.Unlock()
	}()
	return ch
}

// publish delivers ns to every subscriber. A subscriber with a pending value
// has it replaced: readers only care about the latest write.
func (f *feed) publish(ns string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for ch := range f.subs {
		select {
		case ch <- ns:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- ns:
			default:
			}
		}
	}
}

// MemoryStorage keeps the namespace in process memory. Drop simulates the
// host discarding the value without telling anyone.
type MemoryStorage struct {
	mu    sync.Mutex
	value string
	feed  feed
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{}
}

func (s *MemoryStorage) Load(context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.value, nil
}

func (s *MemoryStorage) Save(_ context.Context, ns string) error {
	s.mu.Lock()
	changed := s.value != ns
	s.value = ns
	s.mu.Unlock()
	if changed {
		s.feed.publish(ns)
	}
	return nil
}

func (s *MemoryStorage) Clear(ctx context.Context) error {
	return s.Save(ctx, "")
}

// Drop erases the stored value silently.
func (s *MemoryStorage) Drop() {
	s.mu.Lock()
	s.value = ""
	s.mu.Unlock()
}

func (s *MemoryStorage) Changes(ctx context.Context) (<-chan string, error) {
	return s.feed.subscribe(ctx), nil
}

// fileRecord is the on-disk format.
type fileRecord struct {
	Namespace string    `json:"namespace"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// FileStorage keeps the namespace in ~/.local/state/rtsync/namespace.json
// (respecting XDG_STATE_HOME). Writes made through the same FileStorage are
// broadcast to its Changes subscribers.
type FileStorage struct {
	dir  string
	mu   sync.Mutex
	feed feed
}

// NewFileStorage creates a FileStorage in dir. Pass an empty string to use
// the default XDG state path. The directory is created on the first Save.
func NewFileStorage(dir string) *FileStorage {
	if dir == "" {
		dir = defaultStateDir()
	}
	return &FileStorage{dir: dir}
}

// Path returns the full path to the namespace file.
func (s *FileStorage) Path() string {
	return filepath.Join(s.dir, fileName)
}

func (s *FileStorage) Load(context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.Path())
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("reading namespace: %w", err)
	}
	var rec fileRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return "", fmt.Errorf("parsing namespace: %w", err)
	}
	return rec.Namespace, nil
}

// Save writes the namespace using an atomic temp-file-then-rename.
func (s *FileStorage) Save(_ context.Context, ns string) error {
	s.mu.Lock()
	err := s.writeLocked(ns)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.feed.publish(ns)
	return nil
}

func (s *FileStorage) writeLocked(ns string) error {
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return fmt.Errorf("creating state dir: %w", err)
	}

	data, err := json.MarshalIndent(fileRecord{Namespace: ns, UpdatedAt: time.Now().UTC()}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling namespace: %w", err)
	}
	data = append(data, '\n')

	tmp, err := os.CreateTemp(s.dir, ".namespace-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, s.Path()); err != nil {
		return fmt.Errorf("renaming namespace file: %w", err)
	}
	committed = true
	return nil
}

func (s *FileStorage) Clear(context.Context) error {
	s.mu.Lock()
	err := os.Remove(s.Path())
	s.mu.Unlock()
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing namespace file: %w", err)
	}
	s.feed.publish("")
	return nil
}

func (s *FileStorage) Changes(ctx context.Context) (<-chan string, error) {
	return s.feed.subscribe(ctx), nil
}

// defaultStateDir returns ~/.local/state/rtsync, respecting XDG_STATE_HOME.
func defaultStateDir() string {
	if base := os.Getenv("XDG_STATE_HOME"); base != "" {
		return filepath.Join(base, appDirName)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		home = os.TempDir()
	}
	return filepath.Join(home, ".local", "state", appDirName)
}
