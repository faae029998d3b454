package topup

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

const referencePrefix = "NAP"

// NewReference builds a transfer reference such as NAP16101530AB12F3C9: prefix, ddMMHHmm, the
// last four characters of the user id and a random suffix.
func NewReference(userID string, now time.Time) string {
	tail := userID
	if len(tail) > 4 {
		tail = tail[len(tail)-4:]
	}
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:4]
	return strings.ToUpper(referencePrefix + now.Format("0201") + now.Format("1504") + tail + suffix)
}

var transferContent = regexp.MustCompile(`(?i)^\s*NAP\s*(\S+)\s*$`)

// UserFromTransferContent extracts the user id from a "NAP <userId>" transfer description. The
// space is optional, so "NAP123" names user 123.
func UserFromTransferContent(content string) (string, bool) {
	m := transferContent.FindStringSubmatch(content)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// ReferenceFromTransferContent returns the content as a claim reference when it looks like one
// generated by NewReference.
func ReferenceFromTransferContent(content string) (string, bool) {
	content = strings.ToUpper(strings.TrimSpace(content))
	if len(content) <= len(referencePrefix) || !strings.HasPrefix(content, referencePrefix) || strings.ContainsAny(content, " \t") {
		return "", false
	}
	return content, true
}

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a hex HMAC-SHA256 signature in constant time.
func VerifySignature(secret string, body []byte, signature string) bool {
	if secret == "" || signature == "" {
		return false
	}
	expected, err := hex.DecodeString(strings.TrimSpace(signature))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), expected)
}
