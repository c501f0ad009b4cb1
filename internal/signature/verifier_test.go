package signature

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stripe/stripe-go/v80/webhook"
)

const testSecret = "whsec_test_secret"

func TestVerifier_Verify(t *testing.T) {
	now := time.Unix(1_760_000_000, 0)
	body := []byte(`{"id":"evt_1","type":"payment_intent.succeeded"}`)

	tests := []struct {
		name    string
		body    []byte
		header  string
		wantErr bool
	}{
		{
			name:   "Valid",
			body:   body,
			header: Header(testSecret, body, now),
		},
		{
			name:   "Valid within tolerance",
			body:   body,
			header: Header(testSecret, body, now.Add(-299*time.Second)),
		},
		{
			name:   "Second digest matches",
			body:   body,
			header: Header(testSecret, body, now) + ",v1=deadbeef",
		},
		{
			name:    "Tampered body",
			body:    []byte(`{"id":"evt_1","type":"payment_intent.canceled"}`),
			header:  Header(testSecret, body, now),
			wantErr: true,
		},
		{
			name:    "Wrong secret",
			body:    body,
			header:  Header("whsec_other", body, now),
			wantErr: true,
		},
		{
			name:    "Stale timestamp",
			body:    body,
			header:  Header(testSecret, body, now.Add(-301*time.Second)),
			wantErr: true,
		},
		{
			name:    "Timestamp too far in the future",
			body:    body,
			header:  Header(testSecret, body, now.Add(10*time.Minute)),
			wantErr: true,
		},
		{
			name:    "Missing header",
			body:    body,
			header:  "",
			wantErr: true,
		},
		{
			name:    "No digest",
			body:    body,
			header:  "t=1760000000",
			wantErr: true,
		},
		{
			name:    "Garbage timestamp",
			body:    body,
			header:  "t=abc,v1=00",
			wantErr: true,
		},
	}

	v := NewVerifier(testSecret, DefaultTolerance, WithClock(func() time.Time { return now }))

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.Verify(tt.body, tt.header)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrUnauthorized)
				assert.Equal(t, ErrUnauthorized, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestVerifier_AcceptsProviderTestPayload(t *testing.T) {
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   []byte(`{"id":"evt_2"}`),
		Secret:    testSecret,
		Timestamp: time.Now(),
	})

	v := NewVerifier(testSecret, 0)
	assert.NoError(t, v.Verify(signed.Payload, signed.Header))
}

func TestVerifier_EmptySecretRejects(t *testing.T) {
	body := []byte(`{}`)
	v := NewVerifier("", DefaultTolerance)
	assert.ErrorIs(t, v.Verify(body, Header("", body, time.Now())), ErrUnauthorized)
}
