// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/jeranaias/fern/internal/model"
	"github.com/jeranaias/fern/internal/util"
)

// =============================================================================
// FILE STORE
// =============================================================================

// FileStore keeps one JSON document per conversation in a directory.
type FileStore struct {
	// BaseDir is the directory for storing conversations
	// Default: ~/.fern/conversations/
	BaseDir string

	mu  sync.Mutex
	now func() time.Time
}

// NewFileStore creates a store under baseDir, creating it if needed.
func NewFileStore(baseDir string) (*FileStore, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, errors.Wrapf(err, "create conversation dir %s", baseDir)
	}
	return &FileStore{BaseDir: baseDir, now: time.Now}, nil
}

// DefaultConversationDir returns ~/.fern/conversations.
func DefaultConversationDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, ".fern", "conversations"), nil
}

// Create implements Store.
func (s *FileStore) Create(ctx context.Context, req NewConversation) (*model.Conversation, error) {
	if req.ID != "" && !ValidID(req.ID) {
		return nil, errors.Errorf("invalid conversation id %q", req.ID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	conv := req.Build(s.now())
	if err := s.write(conv); err != nil {
		return nil, err
	}
	return conv, nil
}

// Get implements Store.
func (s *FileStore) Get(ctx context.Context, id string) (*model.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load(id)
}

// Patch implements Store.
func (s *FileStore) Patch(ctx context.Context, id string, p Patch) (*model.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, err := s.load(id)
	if err != nil {
		return nil, err
	}
	p.Apply(conv, s.now())
	if err := s.write(conv); err != nil {
		return nil, err
	}
	return conv, nil
}

// Delete implements Store.
func (s *FileStore) Delete(ctx context.Context, id string) error {
	if !ValidID(id) {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.filePath(id)); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "delete conversation %s", id)
	}
	return nil
}

// List implements Store. Unreadable files are skipped.
func (s *FileStore) List(ctx context.Context) ([]model.Summary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.BaseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return []model.Summary{}, nil
		}
		return nil, errors.Wrap(err, "read conversation dir")
	}

	items := make([]model.Summary, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		id := strings.TrimSuffix(entry.Name(), ".json")
		conv, err := s.load(id)
		if err != nil {
			log.WithError(err).WithField("file", entry.Name()).Warn("skipping unreadable conversation")
			continue
		}
		items = append(items, conv.Summary())
	}
	SortSummaries(items)
	return items, nil
}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

func (s *FileStore) load(id string) (*model.Conversation, error) {
	if !ValidID(id) {
		return nil, ErrNotFound
	}
	data, err := os.ReadFile(s.filePath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, errors.Wrapf(err, "read conversation %s", id)
	}

	var conv model.Conversation
	if err := json.Unmarshal(data, &conv); err != nil {
		return nil, errors.Wrapf(err, "decode conversation %s", id)
	}
	if conv.ID == "" {
		conv.ID = id
	}
	if conv.Messages == nil {
		conv.Messages = []model.Message{}
	}
	return &conv, nil
}

func (s *FileStore) write(conv *model.Conversation) error {
	data, err := json.MarshalIndent(conv, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encode conversation")
	}
	// RELIABILITY: a crash leaves either the old or the new file.
	if err := util.AtomicWriteFile(s.filePath(conv.ID), data, 0600); err != nil {
		return errors.Wrapf(err, "write conversation %s", conv.ID)
	}
	return nil
}

// filePath returns the file path for a conversation ID.
func (s *FileStore) filePath(id string) string {
	return filepath.Join(s.BaseDir, id+".json")
}

// ValidID reports whether id is safe to use as a file name and URL segment.
func ValidID(id string) bool {
	if id == "" || len(id) > 128 {
		return false
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			return false
		}
	}
	return true
}
