// Package domain contains entity without logic, just meta-data
package domain

import (
	"errors"

	"github.com/google/uuid"
)

const (
	MaxUserIDLen      = 36
	MaxDisplayNameLen = 36
)

var (
	ErrDisplayNameTooLong = errors.New("display name too long")
	ErrDisplayNameEmpty   = errors.New("display name empty")
	ErrUserIDTooLong      = errors.New("user id too long")
)

type UserID string

// Participant is one person in the room session. CharacterName is optional;
// spectators and the GM usually have none.
type Participant struct {
	ID            UserID `json:"id"`
	DisplayName   string `json:"display_name"`
	CharacterName string `json:"character_name,omitempty"`
}

// NewParticipant is a tiny helper to avoid ad-hoc struct literals in adapters.
// An empty id gets a generated one.
func NewParticipant(id UserID, displayName, characterName string) (*Participant, error) {
	if len(displayName) == 0 {
		return nil, ErrDisplayNameEmpty
	}
	if len(displayName) > MaxDisplayNameLen {
		return nil, ErrDisplayNameTooLong
	}
	if len(id) > MaxUserIDLen {
		return nil, ErrUserIDTooLong
	}
	if id == "" {
		id = UserID(uuid.NewString())
	}
	return &Participant{ID: id, DisplayName: displayName, CharacterName: characterName}, nil
}
