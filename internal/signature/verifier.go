// Package signature authenticates inbound provider events.
//
// The provider signs "{timestamp}.{raw body}" with HMAC-SHA256 and sends the
// result as `t=<unix seconds>,v1=<hex digest>` (several v1 entries may be
// present while a secret is being rolled). The raw body must be captured
// before any JSON decoding: re-encoding changes the bytes and breaks the digest.
package signature

import (
	"crypto/hmac"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v80/webhook"
)

const DefaultTolerance = 300 * time.Second

const signingScheme = "v1"

// ErrUnauthorized is the only error Verify returns. Callers must not be able
// to tell a bad digest from a stale timestamp or a missing header.
var ErrUnauthorized = errors.New("unauthorized")

type Verifier struct {
	secret    string
	tolerance time.Duration
	now       func() time.Time
}

type Option func(*Verifier)

// WithClock overrides the wall clock used for the replay window.
func WithClock(now func() time.Time) Option {
	return func(v *Verifier) { v.now = now }
}

func NewVerifier(secret string, tolerance time.Duration, opts ...Option) *Verifier {
	if tolerance <= 0 {
		tolerance = DefaultTolerance
	}
	v := &Verifier{
		secret:    secret,
		tolerance: tolerance,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

func (v *Verifier) Verify(raw []byte, header string) error {
	if v.secret == "" {
		return ErrUnauthorized
	}

	ts, digests, ok := parseHeader(header)
	if !ok {
		return ErrUnauthorized
	}

	skew := v.now().Sub(ts)
	if skew < 0 {
		skew = -skew
	}
	if skew > v.tolerance {
		return ErrUnauthorized
	}

	expected := webhook.ComputeSignature(ts, raw, v.secret)
	for _, d := range digests {
		if hmac.Equal(expected, d) {
			return nil
		}
	}
	return ErrUnauthorized
}

func parseHeader(header string) (time.Time, [][]byte, bool) {
	var (
		ts      time.Time
		haveTS  bool
		digests [][]byte
	)

	for _, part := range strings.Split(header, ",") {
		key, value, found := strings.Cut(strings.TrimSpace(part), "=")
		if !found {
			continue
		}
		switch key {
		case "t":
			secs, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return time.Time{}, nil, false
			}
			ts = time.Unix(secs, 0)
			haveTS = true
		case signingScheme:
			d, err := hex.DecodeString(value)
			if err != nil {
				continue
			}
			digests = append(digests, d)
		}
	}

	if !haveTS || len(digests) == 0 {
		return time.Time{}, nil, false
	}
	return ts, digests, true
}

// Header produces a signature header for raw at ts. Used by tests and the
// send-test-event command.
func Header(secret string, raw []byte, ts time.Time) string {
	sig := webhook.ComputeSignature(ts, raw, secret)
	return "t=" + strconv.FormatInt(ts.Unix(), 10) + "," + signingScheme + "=" + hex.EncodeToString(sig)
}
