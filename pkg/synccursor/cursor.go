package synccursor

import (
	"encoding/base64"
	"errors"
	"strconv"
	"strings"
)

const prefixV1 = "v1."

// ErrInvalidCursor marks a token that cannot be decoded by any known
// cursor version. Callers treat it like an expired cursor: the client's
// recovery action is a full resync either way.
var ErrInvalidCursor = errors.New("invalid_cursor")

// Encode wraps an event id in the current opaque cursor format.
func Encode(eventID int64) string {
	if eventID < 0 {
		eventID = 0
	}
	raw := strconv.FormatInt(eventID, 10)
	return prefixV1 + base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// Decode accepts a v1 token or a bare decimal string (legacy cursors
// issued before the opaque encoding shipped). Empty input is cursor 0.
func Decode(token string) (int64, error) {
	value := strings.TrimSpace(token)
	if value == "" {
		return 0, nil
	}

	if isDigits(value) {
		id, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return 0, ErrInvalidCursor
		}
		if id < 0 {
			id = 0
		}
		return id, nil
	}

	if !strings.HasPrefix(value, prefixV1) {
		return 0, ErrInvalidCursor
	}
	encoded := value[len(prefixV1):]
	if encoded == "" {
		return 0, ErrInvalidCursor
	}

	decoded, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return 0, ErrInvalidCursor
	}
	if !isDigits(string(decoded)) {
		return 0, ErrInvalidCursor
	}
	id, err := strconv.ParseInt(string(decoded), 10, 64)
	if err != nil {
		return 0, ErrInvalidCursor
	}
	if id < 0 {
		id = 0
	}
	return id, nil
}

func isDigits(value string) bool {
	if value == "" {
		return false
	}
	for _, r := range value {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
