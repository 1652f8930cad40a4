package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/kendall-kelly/support-relay-api/models"
)

// MockTranscriptArchive keeps transcripts in memory for tests
type MockTranscriptArchive struct {
	mu          sync.RWMutex
	transcripts map[string][]byte
	// Err, when set, is returned by Archive
	Err error
}

// NewMockTranscriptArchive creates a new mock archive
func NewMockTranscriptArchive() *MockTranscriptArchive {
	return &MockTranscriptArchive{
		transcripts: make(map[string][]byte),
	}
}

// Archive simulates uploading a transcript
func (m *MockTranscriptArchive) Archive(ctx context.Context, thread *models.Thread) (string, error) {
	if m.Err != nil {
		return "", m.Err
	}

	body, err := json.Marshal(thread)
	if err != nil {
		return "", err
	}

	key := TranscriptKey("mock", thread)
	m.mu.Lock()
	m.transcripts[key] = body
	m.mu.Unlock()
	return key, nil
}

// TranscriptURL returns a fake URL for archived threads
func (m *MockTranscriptArchive) TranscriptURL(ctx context.Context, thread *models.Thread) (string, error) {
	key := TranscriptKey("mock", thread)
	if !m.Exists(key) {
		return "", fmt.Errorf("transcript not found in mock archive: %s", key)
	}
	return fmt.Sprintf("https://test-bucket.s3.us-east-1.amazonaws.com/%s?mock=true", key), nil
}

// Exists checks if a transcript was archived under key
func (m *MockTranscriptArchive) Exists(key string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.transcripts[key]
	return ok
}

// Count returns how many transcripts are stored
func (m *MockTranscriptArchive) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.transcripts)
}
