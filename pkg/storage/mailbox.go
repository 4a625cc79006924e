package storage

import (
	"sync"
)

// Mailbox stores serialized frames for users that have no live connection.
// Frames for one user are returned by Take in the order they were appended.
type Mailbox interface {
	// Append adds a frame to the user's mailbox, creating it if needed
	Append(userID uint64, frame []byte) error

	// Take atomically empties the user's mailbox and returns its frames.
	// An absent or empty mailbox yields nil.
	Take(userID uint64) ([][]byte, error)

	// Count returns the number of frames held for a user
	Count(userID uint64) (int, error)

	// Stats summarizes every non-empty mailbox
	Stats() (*MailboxStats, error)

	Close() error
}

// MailboxStats is a snapshot of mailbox occupancy
type MailboxStats struct {
	TotalFrames int            `json:"total_frames"`
	ByRecipient map[uint64]int `json:"by_recipient"`
}

// MemoryMailbox keeps mailboxes in process memory. Nothing survives a restart.
type MemoryMailbox struct {
	mu    sync.Mutex
	boxes map[uint64][][]byte
}

// NewMemoryMailbox creates an empty in-memory mailbox store
func NewMemoryMailbox() *MemoryMailbox {
	return &MemoryMailbox{
		boxes: make(map[uint64][][]byte),
	}
}

// Append adds a frame to the user's mailbox
func (m *MemoryMailbox) Append(userID uint64, frame []byte) error {
	m.mu.Lock()
	m.boxes[userID] = append(m.boxes[userID], frame)
	m.mu.Unlock()
	return nil
}

// Take removes and returns the user's mailbox
func (m *MemoryMailbox) Take(userID uint64) ([][]byte, error) {
	m.mu.Lock()
	frames := m.boxes[userID]
	delete(m.boxes, userID)
	m.mu.Unlock()
	return frames, nil
}

// Count returns the number of frames held for a user
func (m *MemoryMailbox) Count(userID uint64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.boxes[userID]), nil
}

// Stats summarizes the store
func (m *MemoryMailbox) Stats() (*MailboxStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	stats := &MailboxStats{ByRecipient: make(map[uint64]int, len(m.boxes))}
	for userID, frames := range m.boxes {
		stats.ByRecipient[userID] = len(frames)
		stats.TotalFrames += len(frames)
	}
	return stats, nil
}

// Close drops every mailbox
func (m *MemoryMailbox) Close() error {
	m.mu.Lock()
	m.boxes = make(map[uint64][][]byte)
	m.mu.Unlock()
	return nil
}
