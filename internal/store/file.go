package store

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/yuguri76/fitbit/internal/errors"
	"github.com/yuguri76/fitbit/internal/models"
)

const (
	tokensFile     = "tokens.json"
	challengesFile = "pkce.json"
)

// FileStore persists credentials as two JSON documents in a directory.
// An in-memory copy serves reads. Every operation stats the files first and
// reloads a file another process replaced; a filesystem watcher reloads
// eagerly in between.
type FileStore struct {
	mu         sync.Mutex
	dir        string
	tokens     map[string]*models.UserToken
	challenges map[string]*models.PKCEChallenge
	loaded     map[string]os.FileInfo
	opts       options

	watcher *fsnotify.Watcher
	done    chan struct{}
	wg      sync.WaitGroup
}

var _ CredentialStore = (*FileStore)(nil)

// NewFileStore opens (creating if needed) a file store rooted at dir.
func NewFileStore(dir string, opts ...Option) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, &errors.FileError{Op: "create directory", Path: dir, Err: err}
	}

	s := &FileStore{
		dir:    dir,
		opts:   buildOptions(opts),
		loaded: make(map[string]os.FileInfo, 2),
		done:   make(chan struct{}),
	}

	s.mu.Lock()
	s.reloadLocked(tokensFile)
	s.reloadLocked(challengesFile)
	s.mu.Unlock()

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Atomic renames replace the inode, so the directory is watched rather than the files.
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, err
	}
	s.watcher = watcher

	s.wg.Add(1)
	go s.watchLoop()

	return s, nil
}

func (s *FileStore) watchLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if !(event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) || event.Has(fsnotify.Remove)) {
				continue
			}
			if name := filepath.Base(event.Name); name == tokensFile || name == challengesFile {
				s.mu.Lock()
				s.syncLocked(name)
				s.mu.Unlock()
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.opts.logger.Warn("credential file watcher error", "dir", s.dir, "error", err)
		}
	}
}

// syncLocked reloads name when the file on disk is not the one last loaded.
// Writes replace the file by rename, so a new inode, size or mtime means
// another writer committed since.
func (s *FileStore) syncLocked(name string) {
	info, err := os.Stat(filepath.Join(s.dir, name))
	prev := s.loaded[name]
	switch {
	case err != nil && os.IsNotExist(err) && prev == nil:
		return
	case err == nil && prev != nil && os.SameFile(prev, info) &&
		prev.Size() == info.Size() && prev.ModTime().Equal(info.ModTime()):
		return
	}
	s.reloadLocked(name)
}

// reloadLocked replaces the cached map of name with the file contents.
func (s *FileStore) reloadLocked(name string) {
	info, err := os.Stat(filepath.Join(s.dir, name))
	if err != nil {
		info = nil
	}
	switch name {
	case tokensFile:
		s.tokens = loadJSONMap[*models.UserToken](s, name)
	case challengesFile:
		s.challenges = loadJSONMap[*models.PKCEChallenge](s, name)
	}
	s.loaded[name] = info
}

// loadJSONMap reads one of the store files. A missing file is an empty map;
// an unreadable or corrupt one is logged and also treated as empty.
// Callers hold s.mu.
func loadJSONMap[V any](s *FileStore, name string) map[string]V {
	path := filepath.Join(s.dir, name)
	out := make(map[string]V)

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.opts.logger.Error("failed to read credential file", "path", path, "error", err)
		}
		return out
	}
	if len(data) == 0 {
		return out
	}
	if err := json.Unmarshal(data, &out); err != nil {
		s.opts.logger.Error("corrupt credential file, starting empty", "path", path, "error", err)
		return make(map[string]V)
	}
	return out
}

// writeJSON replaces a store file atomically. Callers hold s.mu.
func (s *FileStore) writeJSON(name string, v interface{}) error {
	path := filepath.Join(s.dir, name)
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return &errors.FileError{Op: "write", Path: path, Err: err}
	}

	tmp, err := os.CreateTemp(s.dir, name+".*.tmp")
	if err != nil {
		return &errors.FileError{Op: "write", Path: path, Err: err}
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return &errors.FileError{Op: "write", Path: path, Err: err}
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return &errors.FileError{Op: "write", Path: path, Err: err}
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return &errors.FileError{Op: "write", Path: path, Err: err}
	}
	if info, err := os.Stat(path); err == nil {
		s.loaded[name] = info
	} else {
		s.loaded[name] = nil
	}
	return nil
}

// PutToken stores or replaces the token of a user
func (s *FileStore) PutToken(_ context.Context, userID string, token *models.UserToken) error {
	t, err := stampToken(userID, token, s.opts.clock())
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.syncLocked(tokensFile)

	next := copyMap(s.tokens)
	next[userID] = t
	if err := s.writeJSON(tokensFile, next); err != nil {
		return err
	}
	s.tokens = next
	return nil
}

// GetToken retrieves the token of a user
func (s *FileStore) GetToken(_ context.Context, userID string) (*models.UserToken, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.syncLocked(tokensFile)

	token, ok := s.tokens[userID]
	if !ok || token == nil {
		return nil, false, nil
	}
	return token.Clone(), true, nil
}

// RemoveToken deletes the token of a user
func (s *FileStore) RemoveToken(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.syncLocked(tokensFile)

	if _, ok := s.tokens[userID]; !ok {
		return nil
	}
	next := copyMap(s.tokens)
	delete(next, userID)
	if err := s.writeJSON(tokensFile, next); err != nil {
		return err
	}
	s.tokens = next
	return nil
}

// PutChallenge stores a PKCE verifier, replacing any previous one
func (s *FileStore) PutChallenge(_ context.Context, userID, verifier string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.syncLocked(challengesFile)

	next := copyMap(s.challenges)
	next[userID] = &models.PKCEChallenge{
		UserID:    userID,
		Verifier:  verifier,
		CreatedAt: s.opts.clock(),
	}
	if err := s.writeJSON(challengesFile, next); err != nil {
		return err
	}
	s.challenges = next
	return nil
}

// GetChallenge returns a live verifier and purges an expired one
func (s *FileStore) GetChallenge(ctx context.Context, userID string) (string, bool, error) {
	s.mu.Lock()
	s.syncLocked(challengesFile)
	ch, ok := s.challenges[userID]
	s.mu.Unlock()

	if !ok || ch == nil {
		return "", false, nil
	}
	if ch.Expired(s.opts.clock()) {
		if err := s.RemoveChallenge(ctx, userID); err != nil {
			return "", false, err
		}
		return "", false, nil
	}
	return ch.Verifier, true, nil
}

// RemoveChallenge deletes the verifier of a user
func (s *FileStore) RemoveChallenge(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.syncLocked(challengesFile)

	if _, ok := s.challenges[userID]; !ok {
		return nil
	}
	next := copyMap(s.challenges)
	delete(next, userID)
	if err := s.writeJSON(challengesFile, next); err != nil {
		return err
	}
	s.challenges = next
	return nil
}

// ListUsers returns all users with a stored token
func (s *FileStore) ListUsers(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.syncLocked(tokensFile)

	return sortedKeys(s.tokens), nil
}

// Close stops the watcher
func (s *FileStore) Close() error {
	select {
	case <-s.done:
		return nil
	default:
		close(s.done)
	}
	err := s.watcher.Close()
	s.wg.Wait()
	return err
}

func copyMap[V any](m map[string]V) map[string]V {
	out := make(map[string]V, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	return out
}
