package workflow

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"time"
)

var (
	ErrBadSignature   = errors.New("webhook signature mismatch")
	ErrStaleTimestamp = errors.New("webhook timestamp outside tolerance")
)

// SignPayload computes the hex HMAC-SHA256 of "<unix-ts>.<payload>"
// with the workflow's webhook secret.
func SignPayload(secret string, timestamp time.Time, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.", timestamp.Unix())
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a webhook delivery: the timestamp header must
// be within tolerance of now and the signature must match. Comparison
// is constant time.
func VerifySignature(secret, timestampHeader, signature string, payload []byte, now time.Time, tolerance time.Duration) error {
	ts, err := strconv.ParseInt(timestampHeader, 10, 64)
	if err != nil {
		return fmt.Errorf("parse webhook timestamp: %w", err)
	}
	sent := time.Unix(ts, 0)
	drift := now.Sub(sent)
	if drift < 0 {
		drift = -drift
	}
	if tolerance > 0 && drift > tolerance {
		return ErrStaleTimestamp
	}
	expected := SignPayload(secret, sent, payload)
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return ErrBadSignature
	}
	return nil
}
