package bridge

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"strconv"
	"time"
)

// DefaultMaxClockSkew is the replay window for signed requests.
const DefaultMaxClockSkew = 300 * time.Second

const signatureVersion = "v0"

// Signature failure reasons.
const (
	ReasonMissing             = "missing"
	ReasonNonNumericTimestamp = "non_numeric_timestamp"
	ReasonStaleTimestamp      = "stale_timestamp"
	ReasonLengthMismatch      = "length_mismatch"
	ReasonMismatch            = "mismatch"
)

// SignatureError explains why a signed request was rejected. The message
// never includes the expected signature.
type SignatureError struct {
	Reason string
}

func (e *SignatureError) Error() string {
	return "signature rejected: " + e.Reason
}

// Verifier authenticates inbound chat requests. It is immutable after
// construction.
type Verifier struct {
	secret  []byte
	maxSkew time.Duration
	now     func() time.Time
}

// NewVerifier creates a Verifier. maxSkew <= 0 selects DefaultMaxClockSkew.
func NewVerifier(secret string, maxSkew time.Duration) *Verifier {
	if maxSkew <= 0 {
		maxSkew = DefaultMaxClockSkew
	}
	return &Verifier{secret: []byte(secret), maxSkew: maxSkew, now: time.Now}
}

// Verify checks signature against "v0:" + timestamp + ":" + body.
func (v *Verifier) Verify(signature, timestamp string, body []byte) error {
	if len(v.secret) == 0 || signature == "" || timestamp == "" {
		return &SignatureError{Reason: ReasonMissing}
	}

	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return &SignatureError{Reason: ReasonNonNumericTimestamp}
	}
	skew := math.Abs(float64(v.now().Unix() - ts))
	if skew > v.maxSkew.Seconds() {
		return &SignatureError{Reason: ReasonStaleTimestamp}
	}

	expected := Sign(v.secret, timestamp, body)
	if len(expected) != len(signature) {
		return &SignatureError{Reason: ReasonLengthMismatch}
	}
	if !hmac.Equal([]byte(expected), []byte(signature)) {
		return &SignatureError{Reason: ReasonMismatch}
	}
	return nil
}

// Sign computes the "v0=<hex>" signature for a request.
func Sign(secret []byte, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	fmt.Fprintf(mac, "%s:%s:", signatureVersion, timestamp)
	mac.Write(body)
	return signatureVersion + "=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature reports whether signature is valid for body at timestamp
// under secret, using the default clock skew.
func VerifySignature(secret, signature, timestamp string, body []byte) bool {
	return NewVerifier(secret, 0).Verify(signature, timestamp, body) == nil
}
