// Package audit records who did what to which entity. Records are hash
// chained so tampering with a stored trail is detectable.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Sink receives audit records. Callers treat failures as best effort.
type Sink interface {
	Record(ctx context.Context, actor, action, entityType, entityID string, detail map[string]any) error
}

// Nop discards every record.
type Nop struct{}

func (Nop) Record(context.Context, string, string, string, string, map[string]any) error { return nil }

// LogEntry is a single chained audit record.
type LogEntry struct {
	Actor        string `json:"actor"`
	Action       string `json:"action"`
	EntityType   string `json:"entity_type"`
	EntityID     string `json:"entity_id"`
	Timestamp    string `json:"timestamp"`
	PreviousHash string `json:"previous_hash"`
	Payload      string `json:"payload"`
	Hash         string `json:"hash"`
}

// GenesisHash seeds an empty chain.
var GenesisHash = strings.Repeat("0", 64)

// ChainLogger links entries by hashing each one together with its predecessor.
type ChainLogger struct {
	mu           sync.Mutex
	previousHash string
	now          func() time.Time
}

// NewChainLogger creates a ChainLogger initialized with the genesis hash.
func NewChainLogger() *ChainLogger {
	return &ChainLogger{previousHash: GenesisHash, now: time.Now}
}

// resume continues an existing chain from its last hash.
func (c *ChainLogger) resume(lastHash string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if lastHash != "" {
		c.previousHash = lastHash
	}
}

// Append builds the next entry in the chain.
func (c *ChainLogger) Append(actor, action, entityType, entityID string, detail map[string]any) (*LogEntry, error) {
	payload := "{}"
	if len(detail) > 0 {
		b, err := json.Marshal(detail)
		if err != nil {
			return nil, fmt.Errorf("audit: encode detail: %w", err)
		}
		payload = string(b)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	entry := &LogEntry{
		Actor:        actor,
		Action:       action,
		EntityType:   entityType,
		EntityID:     entityID,
		Timestamp:    c.now().UTC().Format(time.RFC3339Nano),
		PreviousHash: c.previousHash,
		Payload:      payload,
	}
	entry.Hash = entryHash(entry.PreviousHash, entry)
	c.previousHash = entry.Hash
	return entry, nil
}

func entryHash(prev string, e *LogEntry) string {
	hashInput := fmt.Sprintf("%s|%s|%s|%s|%s|%s|%s",
		prev, e.Timestamp, e.Actor, e.Action, e.EntityType, e.EntityID, e.Payload)
	hash := sha256.Sum256([]byte(hashInput))
	return hex.EncodeToString(hash[:])
}

// VerifyChain checks that entries form an unbroken hash chain.
func VerifyChain(entries []*LogEntry) bool {
	for i, entry := range entries {
		prevHash := entry.PreviousHash
		if i > 0 {
			prevHash = entries[i-1].Hash
			if entry.PreviousHash != prevHash {
				return false
			}
		}
		if entryHash(prevHash, entry) != entry.Hash {
			return false
		}
	}
	return true
}

// MemorySink keeps the chain in process.
type MemorySink struct {
	chain   *ChainLogger
	mu      sync.Mutex
	entries []*LogEntry
}

func NewMemorySink() *MemorySink {
	return &MemorySink{chain: NewChainLogger()}
}

func (s *MemorySink) Record(_ context.Context, actor, action, entityType, entityID string, detail map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, err := s.chain.Append(actor, action, entityType, entityID, detail)
	if err != nil {
		return err
	}
	s.entries = append(s.entries, e)
	return nil
}

// Entries returns a copy of the recorded chain.
func (s *MemorySink) Entries() []*LogEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*LogEntry, len(s.entries))
	for i, e := range s.entries {
		cp := *e
		out[i] = &cp
	}
	return out
}
