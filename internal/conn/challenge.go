package conn

import (
	"encoding/base64"
	"strings"
	"unicode"

	qrcode "github.com/skip2/go-qrcode"
)

const challengeSize = 320

// RenderChallenge turns a login challenge code into a PNG data URL the UI
// can display as-is.
func RenderChallenge(code string) (string, error) {
	png, err := qrcode.Encode(code, qrcode.Medium, challengeSize)
	if err != nil {
		return "", err
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png), nil
}

// NormalizeIdentity reduces an address like "573001112233:7@s.whatsapp.net"
// to its digits.
func NormalizeIdentity(id string) string {
	if i := strings.IndexByte(id, '@'); i >= 0 {
		id = id[:i]
	}
	if i := strings.IndexByte(id, ':'); i >= 0 {
		id = id[:i]
	}
	return strings.Map(func(r rune) rune {
		if unicode.IsDigit(r) {
			return r
		}
		return -1
	}, id)
}
