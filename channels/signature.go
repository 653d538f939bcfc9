package channels

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"strconv"
	"time"

	"reconcile-svc/models"
)

// verifyTimestamped checks a hex HMAC-SHA256 over body + "." + ts and
// rejects timestamps older than maxAge.
func verifyTimestamped(ch models.Channel, secret []byte, maxAge time.Duration, now time.Time, body []byte, ts, sig string) error {
	if len(secret) == 0 {
		return badSignature(ch, "webhook secret not configured")
	}
	if ts == "" || sig == "" {
		return badSignature(ch, "missing signature headers")
	}

	tsInt, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return badSignature(ch, "invalid timestamp")
	}
	if maxAge > 0 && now.Sub(time.Unix(tsInt, 0)) > maxAge {
		return badSignature(ch, "signature expired")
	}

	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	mac.Write([]byte("." + ts))
	expected := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(sig)) {
		return badSignature(ch, "invalid signature")
	}
	return nil
}

// verifyBase64 checks a base64 HMAC-SHA256 of the raw body.
func verifyBase64(ch models.Channel, secret []byte, body []byte, sig string) error {
	if len(secret) == 0 {
		return badSignature(ch, "webhook secret not configured")
	}
	if sig == "" {
		return badSignature(ch, "missing signature header")
	}

	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	expected := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(expected), []byte(sig)) {
		return badSignature(ch, "invalid signature")
	}
	return nil
}

// SignTimestamped produces the X-Signature value for body at ts.
func SignTimestamped(secret, body []byte, ts string) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	mac.Write([]byte("." + ts))
	return hex.EncodeToString(mac.Sum(nil))
}

// SignBase64 produces the X-Auth-Signature value for body.
func SignBase64(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
