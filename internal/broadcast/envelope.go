package broadcast

import (
	"fmt"
	"time"
)

// Purpose distinguishes the two channel families a document owns. Channels
// of different purposes never share identity.
type Purpose string

const (
	// PurposeContent carries ephemeral field content updates.
	PurposeContent Purpose = "content"
	// PurposePresence carries presence change pings.
	PurposePresence Purpose = "presence"
)

// Event tags used on the wire.
const (
	EventFieldUpdate     = "field_update"
	EventPresenceChanged = "presence_changed"
)

// SubjectFor derives the wire subject for a document channel. Content
// updates travel on "document:{id}:updates", presence pings on
// "document:{id}".
func SubjectFor(documentID int64, purpose Purpose) string {
	if purpose == PurposeContent {
		return fmt.Sprintf("document:%d:updates", documentID)
	}
	return fmt.Sprintf("document:%d", documentID)
}

// Envelope is the ephemeral message carried on a document channel. It is
// never persisted and delivered at most once per send; Origin lets a
// consumer skip messages it published itself.
type Envelope struct {
	Event      string    `json:"event"`
	DocumentID int64     `json:"document_id,omitempty"`
	FieldName  string    `json:"field_name,omitempty"`
	Content    string    `json:"content,omitempty"`
	UserID     string    `json:"user_id"`
	Change     string    `json:"change,omitempty"`
	Origin     string    `json:"origin,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}
