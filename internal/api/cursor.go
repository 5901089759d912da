package api

import (
	"encoding/base64"
	"encoding/json"
	"errors"

	"github.com/google/uuid"

	"github.com/austindbirch/hookline/internal/inspector"
	"github.com/austindbirch/hookline/internal/types"
)

// cursorPayload is the JSON shape hidden inside the opaque pagination token.
type cursorPayload struct {
	ReceivedAt string `json:"received_at"`
	ID         string `json:"id"`
}

var errBadCursor = errors.New("before must be a valid cursor")

// decodeCursor unwraps a URL-safe base64 cursor back into a keyset position.
func decodeCursor(raw string) (*inspector.Cursor, error) {
	decoded, err := base64.RawURLEncoding.DecodeString(raw)
	if err != nil {
		return nil, errBadCursor
	}
	var payload cursorPayload
	if err := json.Unmarshal(decoded, &payload); err != nil {
		return nil, errBadCursor
	}
	if _, err := types.ParseRFC3339(payload.ReceivedAt); err != nil {
		return nil, errBadCursor
	}
	id, err := uuid.Parse(payload.ID)
	if err != nil {
		return nil, errBadCursor
	}
	return &inspector.Cursor{ReceivedAt: payload.ReceivedAt, ID: id}, nil
}

// encodeCursor renders a keyset position as an opaque token.
func encodeCursor(cursor *inspector.Cursor) string {
	payload := cursorPayload{
		ReceivedAt: cursor.ReceivedAt,
		ID:         cursor.ID.String(),
	}
	encoded, _ := json.Marshal(payload)
	return base64.RawURLEncoding.EncodeToString(encoded)
}
