package push

import (
	"strings"

	"github.com/google/uuid"
)

// Gateway limits.
const (
	ChunkSize        = 100
	ReceiptBatchSize = 1000
	MaxTitleRunes    = 100
	MaxBodyRunes     = 500
)

// IsValidToken reports whether token has the syntax of an Expo push token:
// ExponentPushToken[...] / ExpoPushToken[...] or a bare hyphenated UUID.
func IsValidToken(token string) bool {
	if (strings.HasPrefix(token, "ExponentPushToken[") || strings.HasPrefix(token, "ExpoPushToken[")) &&
		strings.HasSuffix(token, "]") {
		return true
	}
	if len(token) != 36 {
		return false
	}
	_, err := uuid.Parse(token)
	return err == nil
}

// chunk splits msgs into slices of at most size elements.
func chunk(msgs []Message, size int) [][]Message {
	var out [][]Message
	for len(msgs) > size {
		out = append(out, msgs[:size:size])
		msgs = msgs[size:]
	}
	if len(msgs) > 0 {
		out = append(out, msgs)
	}
	return out
}
