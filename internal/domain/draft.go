package domain

import (
	"time"
)

// DraftRecord is the remote row autosave writes for one editable subject.
type DraftRecord struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"owner_id"`
	Subject   string    `json:"subject"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DraftPayload is the writable part of a DraftRecord.
type DraftPayload struct {
	Subject string `json:"subject"`
	Content string `json:"content"`
}

// CacheEntry is one stored response in a named cache.
type CacheEntry struct {
	Name     string    `json:"name"`
	Key      string    `json:"key"`
	Body     []byte    `json:"body"`
	StoredAt time.Time `json:"stored_at"`
}
