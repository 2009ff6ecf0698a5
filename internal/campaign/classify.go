package campaign

import (
	"errors"
	"strings"

	"github.com/LeventeLantos/messaging-fleet/internal/conn"
)

var permanentMarkers = []string{
	"invalid recipient",
	"invalid number",
	"not on whatsapp",
	"not registered",
	"malformed",
	"no such file",
	"media not found",
	"unsupported media",
	"empty message",
	"empty content",
}

// IsPermanent reports whether retrying a failed send cannot help.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrMediaUnavailable) || errors.Is(err, ErrNoContent) {
		return true
	}
	var se *SendError
	if errors.As(err, &se) {
		return se.Permanent
	}
	msg := strings.ToLower(err.Error())
	for _, m := range permanentMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

// abortsRun reports errors that end the whole run instead of one recipient.
func abortsRun(err error) bool {
	return errors.Is(err, conn.ErrNotReady) || errors.Is(err, conn.ErrClosed)
}
