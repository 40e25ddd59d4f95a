package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/Guizzs26/booking-sync/internal/models"
)

const (
	SignatureHeader = "X-WC-Webhook-Signature"
	TopicHeader     = "X-WC-Webhook-Topic"

	hexPrefix = "sha256="
)

// Verify reports whether signature is a valid HMAC-SHA256 of rawBody under
// secret. The header may carry the storefront's base64 digest or the
// "sha256=<hex>" form. It never panics and returns false on anything malformed.
func Verify(rawBody []byte, signature, secret string) bool {
	if secret == "" {
		return false
	}

	provided, ok := decodeSignature(signature)
	if !ok {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(rawBody)
	return hmac.Equal(mac.Sum(nil), provided)
}

func decodeSignature(header string) ([]byte, bool) {
	header = strings.TrimSpace(header)
	if header == "" {
		return nil, false
	}

	if rest, found := strings.CutPrefix(header, hexPrefix); found {
		b, err := hex.DecodeString(rest)
		if err != nil || len(b) != sha256.Size {
			return nil, false
		}
		return b, true
	}

	b, err := base64.StdEncoding.DecodeString(header)
	if err != nil || len(b) != sha256.Size {
		return nil, false
	}
	return b, true
}

// Verifier binds the shared secret and the body size limit.
type Verifier struct {
	secret  string
	maxBody int64
}

func NewVerifier(secret string, maxBody int64) *Verifier {
	return &Verifier{secret: secret, maxBody: maxBody}
}

func (v *Verifier) MaxBody() int64 {
	return v.maxBody
}

// Check rejects oversized bodies before hashing anything.
func (v *Verifier) Check(rawBody []byte, signature string) error {
	if v.maxBody > 0 && int64(len(rawBody)) > v.maxBody {
		return fmt.Errorf("%w: body of %d bytes exceeds limit %d", models.ErrSignatureInvalid, len(rawBody), v.maxBody)
	}
	if !Verify(rawBody, signature, v.secret) {
		return models.ErrSignatureInvalid
	}
	return nil
}

// Sign produces the base64 digest the storefront sends. Used by tests and
// by syncctl to replay captured payloads.
func Sign(rawBody []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(rawBody)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
