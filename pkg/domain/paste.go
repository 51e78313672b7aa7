package domain

import (
	"strings"
	"time"
)

type ContentType string

const (
	ContentTypeText     ContentType = "text"
	ContentTypeMarkdown ContentType = "markdown"
)

// ParseContentType accepts the wire names "text" and "markdown". "plain" is
// an alias of "text"; an empty value defaults to text.
func ParseContentType(s string) (ContentType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "text", "plain":
		return ContentTypeText, nil
	case "markdown":
		return ContentTypeMarkdown, nil
	}
	return "", ErrInvalidContentType
}

// Paste is the only persisted entity. It is written once and never updated.
// The decryption key is not part of it.
type Paste struct {
	ID           string      `json:"id"`
	Ciphertext   string      `json:"ciphertext"`
	SenderName   string      `json:"sender_name,omitempty"`
	PasswordHash string      `json:"password_hash,omitempty"`
	ContentType  ContentType `json:"content_type"`
	CreatedAt    time.Time   `json:"created_at"`
	ExpiresAt    time.Time   `json:"expires_at"`
}

func (p *Paste) Protected() bool {
	return p.PasswordHash != ""
}

// ReadableAt reports whether the paste may still be disclosed at now.
func (p *Paste) ReadableAt(now time.Time) bool {
	return now.Before(p.ExpiresAt)
}

type CreateParams struct {
	Content     string
	SenderName  string
	Password    string
	Expiration  time.Duration
	ContentType ContentType
	BaseURL     string
}

type CreateResult struct {
	ID          string
	Locator     string
	ExpiresAt   time.Time
	ContentType ContentType
	HasPassword bool
}

// AccessState is the password gate outcome of a retrieval.
type AccessState string

const (
	AccessUnlocked          AccessState = "unlocked"
	AccessPasswordRequired  AccessState = "password_required"
	AccessPasswordIncorrect AccessState = "password_incorrect"
)

type Retrieval struct {
	Paste *Paste
	State AccessState
}
