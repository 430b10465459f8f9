package presence

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidDocumentID indicates that a document identifier is not positive.
	ErrInvalidDocumentID = errors.New("presence: invalid document id")
	// ErrInvalidUserID indicates that a user identifier is empty or exceeds storage bounds.
	ErrInvalidUserID = errors.New("presence: invalid user id")
	// ErrInvalidFieldName indicates that a field name is empty or exceeds storage bounds.
	ErrInvalidFieldName = errors.New("presence: invalid field name")
	// ErrInvalidCursorPosition indicates a negative cursor offset.
	ErrInvalidCursorPosition = errors.New("presence: invalid cursor position")
)

// DocumentID represents a validated document identifier.
type DocumentID int64

// NewDocumentID validates raw input and returns a DocumentID.
func NewDocumentID(rawValue int64) (DocumentID, error) {
	if rawValue <= 0 {
		return 0, fmt.Errorf("%w: %d", ErrInvalidDocumentID, rawValue)
	}
	return DocumentID(rawValue), nil
}

// Int64 returns the underlying numeric identifier.
func (id DocumentID) Int64() int64 {
	return int64(id)
}

// UserID represents a validated user identifier.
type UserID string

// NewUserID validates raw input and returns a UserID.
func NewUserID(rawInput string) (UserID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidUserID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidUserID, maxIdentifierLength)
	}
	return UserID(trimmed), nil
}

// String returns the underlying string identifier.
func (id UserID) String() string {
	return string(id)
}

// FieldName represents a validated document field name.
type FieldName string

// NewFieldName validates raw input and returns a FieldName.
func NewFieldName(rawInput string) (FieldName, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidFieldName)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidFieldName, maxIdentifierLength)
	}
	return FieldName(trimmed), nil
}

// String returns the underlying field name.
func (name FieldName) String() string {
	return string(name)
}

// Record stores one user's current field and cursor activity on a document.
// Rows are unique on (document_id, user_id, field_name) and never cached by
// the store; every fetch reads storage directly.
type Record struct {
	DocumentID     int64     `gorm:"column:document_id;primaryKey;not null" json:"document_id"`
	UserID         string    `gorm:"column:user_id;primaryKey;size:190;not null" json:"user_id"`
	FieldName      string    `gorm:"column:field_name;primaryKey;size:190;not null" json:"field_name"`
	CursorPosition int       `gorm:"column:cursor_position;not null" json:"cursor_position"`
	SelectionStart *int      `gorm:"column:selection_start" json:"selection_start"`
	SelectionEnd   *int      `gorm:"column:selection_end" json:"selection_end"`
	LastSeen       time.Time `gorm:"column:last_seen;not null;index" json:"last_seen"`
}

// TableName provides the explicit table binding for GORM.
func (Record) TableName() string {
	return "document_presence"
}

// Profile carries the display snippet attached to a roster entry. A nil
// profile on an ActiveEditor means the lookup failed or no profile exists.
type Profile struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name"`
	AvatarURL   string `json:"avatar_url"`
}

// ActiveEditor is one entry of the active roster: the freshest presence row
// for a user inside the staleness horizon, with optional profile data.
type ActiveEditor struct {
	Record  Record   `json:"record"`
	Profile *Profile `json:"profile"`
}

// UpsertRequest describes one keystroke-driven presence refresh.
type UpsertRequest struct {
	DocumentID     DocumentID
	UserID         UserID
	FieldName      FieldName
	CursorPosition int
	SelectionStart *int
	SelectionEnd   *int
}

func (r UpsertRequest) validate() error {
	if r.DocumentID <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidDocumentID, r.DocumentID)
	}
	if strings.TrimSpace(r.UserID.String()) == "" {
		return fmt.Errorf("%w: empty", ErrInvalidUserID)
	}
	if strings.TrimSpace(r.FieldName.String()) == "" {
		return fmt.Errorf("%w: empty", ErrInvalidFieldName)
	}
	if r.CursorPosition < 0 {
		return fmt.Errorf("%w: %d", ErrInvalidCursorPosition, r.CursorPosition)
	}
	return nil
}
