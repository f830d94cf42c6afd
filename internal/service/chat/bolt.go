package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/zhouzirui/z-study/internal/model/chat"
)

var transcriptBucket = []byte("transcripts")

// Archive persists finished transcripts so a reopened conversation can be restored.
type Archive interface {
	Save(ctx context.Context, chatID chat.ChatID, messages []chat.Message) error
	Load(ctx context.Context, chatID chat.ChatID) ([]chat.Message, error)
	Close() error
}

// BoltArchive stores one JSON transcript per chat id in a single BoltDB file.
type BoltArchive struct {
	db *bolt.DB
}

// OpenBoltArchive opens (or creates) the archive file at path.
func OpenBoltArchive(path string) (*BoltArchive, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create archive dir: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open archive %s: %w", path, err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(transcriptBucket)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init archive bucket: %w", err)
	}
	return &BoltArchive{db: db}, nil
}

// Save overwrites the stored transcript of chatID.
func (a *BoltArchive) Save(_ context.Context, chatID chat.ChatID, messages []chat.Message) error {
	if chatID == "" {
		return chat.ErrEmptyChatID
	}
	data, err := json.Marshal(messages)
	if err != nil {
		return fmt.Errorf("marshal transcript: %w", err)
	}
	return a.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(transcriptBucket).Put([]byte(chatID), data)
	})
}

// Load returns the stored transcript, or nil when nothing was saved. A corrupt entry is
// skipped rather than failing the caller.
func (a *BoltArchive) Load(_ context.Context, chatID chat.ChatID) ([]chat.Message, error) {
	var messages []chat.Message
	err := a.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(transcriptBucket).Get([]byte(chatID))
		if len(raw) == 0 {
			return nil
		}
		if err := json.Unmarshal(raw, &messages); err != nil {
			log.Printf("[archive] skipping malformed transcript chat=%s: %v", chatID, err)
			messages = nil
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load transcript: %w", err)
	}
	return messages, nil
}

// Close releases the underlying database file.
func (a *BoltArchive) Close() error {
	return a.db.Close()
}
