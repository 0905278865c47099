package event

import (
	"github.com/pkg/errors"
	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
)

var (
	ErrMissingSignature = errors.New("missing signature header")
	ErrInvalidSignature = errors.New("invalid signature or malformed payload")
)

// Verifier authenticates inbound webhook payloads against the shared secret.
type Verifier struct {
	secret string
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: secret}
}

// Verify checks the provider signature over the raw, unparsed body and decodes
// the event. The raw bytes must be passed exactly as received; the signature
// covers them, not any re-serialized form.
func (v *Verifier) Verify(payload []byte, signatureHeader string) (stripe.Event, error) {
	if signatureHeader == "" {
		return stripe.Event{}, ErrMissingSignature
	}

	event, err := webhook.ConstructEvent(payload, signatureHeader, v.secret)
	if err != nil {
		return stripe.Event{}, errors.Wrap(ErrInvalidSignature, err.Error())
	}
	return event, nil
}
