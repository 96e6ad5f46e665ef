package proxy

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// cursor is the opaque pagination token: which filtered server the next
// page starts at, plus that server's own cursor when it paginates
// internally. Today capability lists come whole from the cache, so
// InnerCursor stays empty, but the wire shape reserves it.
type cursor struct {
	ServerIndex int    `json:"serverIndex"`
	InnerCursor string `json:"innerCursor,omitempty"`
}

func encodeCursor(c cursor) string {
	data, _ := json.Marshal(c)
	return base64.StdEncoding.EncodeToString(data)
}

func decodeCursor(token string) (cursor, error) {
	var c cursor
	if token == "" {
		return c, nil
	}
	data, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return c, fmt.Errorf("malformed cursor: %w", err)
	}
	if err := json.Unmarshal(data, &c); err != nil {
		return c, fmt.Errorf("malformed cursor: %w", err)
	}
	if c.ServerIndex < 0 {
		return c, fmt.Errorf("malformed cursor: negative server index")
	}
	return c, nil
}
