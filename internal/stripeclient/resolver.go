package stripeclient

import (
	"context"
	"net/http"
	"time"

	"github.com/pkg/errors"
	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/client"
)

const defaultTimeout = 10 * time.Second

// Resolver looks customers up in the payment provider's API.
type Resolver struct {
	api *client.API
}

// NewResolver builds a resolver with its own API client. Passing a nil
// httpClient uses a default with a 10s timeout; tests pass an intercepted one.
func NewResolver(apiKey string, httpClient *http.Client) *Resolver {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}

	backend := stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
		HTTPClient: httpClient,
	})

	api := &client.API{}
	api.Init(apiKey, &stripe.Backends{API: backend, Connect: backend, Uploads: backend})

	return &Resolver{api: api}
}

// CustomerEmail resolves the provider customer id to the email on file.
// Deleted customers resolve to an empty email.
func (r *Resolver) CustomerEmail(ctx context.Context, customerID string) (string, error) {
	params := &stripe.CustomerParams{Params: stripe.Params{Context: ctx}}

	cus, err := r.api.Customers.Get(customerID, params)
	if err != nil {
		return "", errors.Wrap(err, "retrieving customer")
	}

	if cus.Deleted {
		return "", nil
	}
	return cus.Email, nil
}
