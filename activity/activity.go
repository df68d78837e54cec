// Package activity keeps the user-facing record of what the signer did: the
// requests it saw, what it signed or decrypted, connection changes and errors.
package activity

import (
	"io"
	"log"
	"slices"
	"sync"
	"time"

	"github.com/nostria/signer/state"
)

// call SetOutput on InfoLogger to enable info logging
var InfoLogger = log.New(io.Discard, "[activity] ", log.LstdFlags)

// Capacity is the number of entries kept; older ones are dropped.
const Capacity = 1000

type Type string

const (
	EventReceived Type = "event-received"
	SignRequest   Type = "sign-request"
	Encryption    Type = "encryption"
	Connection    Type = "connection"
	Error         Type = "error"
)

type Entry struct {
	ID        int       `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Type      Type      `json:"type"`
	Message   string    `json:"message"`
	Details   any       `json:"details,omitempty"`
	Pubkey    string    `json:"pubkey,omitempty"`
}

// Log is a bounded newest-first list of entries. A nil store keeps it in
// memory only.
type Log struct {
	mu      sync.RWMutex
	entries []Entry
	nextID  int
	store   *state.Store
	now     func() time.Time
}

func New(store *state.Store) (*Log, error) {
	l := &Log{store: store, nextID: 1, now: time.Now}
	if store != nil {
		if _, err := store.Load(state.KeyLogs, &l.entries); err != nil {
			return nil, err
		}
		if len(l.entries) > Capacity {
			l.entries = l.entries[:Capacity]
		}
		for _, e := range l.entries {
			if e.ID >= l.nextID {
				l.nextID = e.ID + 1
			}
		}
	}
	return l, nil
}

// Add records an entry. Details and pubkey are optional.
func (l *Log) Add(typ Type, message string, details any, pubkey string) Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.add(typ, message, details, pubkey)
}

func (l *Log) add(typ Type, message string, details any, pubkey string) Entry {
	e := Entry{
		ID:        l.nextID,
		Timestamp: l.now().UTC(),
		Type:      typ,
		Message:   message,
		Details:   details,
		Pubkey:    pubkey,
	}
	l.nextID++

	next := make([]Entry, 0, min(len(l.entries)+1, Capacity))
	next = append(next, e)
	next = append(next, l.entries[:min(len(l.entries), Capacity-1)]...)
	l.entries = next

	l.persist()
	return e
}

func (l *Log) persist() {
	if l.store == nil {
		return
	}
	if err := l.store.Save(state.KeyLogs, l.entries); err != nil {
		InfoLogger.Printf("failed to persist activity log: %s", err)
	}
}

// Entries returns a copy of the log, newest first.
func (l *Log) Entries() []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return slices.Clone(l.entries)
}

// Filter returns entries matching typ and pubkey. Empty arguments match
// everything.
func (l *Log) Filter(typ Type, pubkey string) []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var out []Entry
	for _, e := range l.entries {
		if typ != "" && e.Type != typ {
			continue
		}
		if pubkey != "" && e.Pubkey != pubkey {
			continue
		}
		out = append(out, e)
	}
	return out
}

func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.entries)
}

// Clear drops every entry and records that it did so.
func (l *Log) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = nil
	l.add(Connection, "Logs cleared", nil, "")
}

// Reset drops every entry and the persisted record without leaving a trace.
func (l *Log) Reset() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = nil
	l.nextID = 1
	if l.store == nil {
		return nil
	}
	return l.store.Remove(state.KeyLogs)
}
