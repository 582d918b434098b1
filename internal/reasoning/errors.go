package reasoning

import "fmt"

// ProviderError is a non-2xx response from a model provider. The
// status code determines whether a retry can help.
type ProviderError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s API error %d: %s", e.Provider, e.StatusCode, e.Body)
}

// Retryable reports whether the same request may succeed later.
// Overload (429) and server errors qualify; auth failures and
// malformed requests never do.
func (e *ProviderError) Retryable() bool {
	return e.StatusCode == 429 || e.StatusCode >= 500
}

// Fatal reports whether retrying with any tier is pointless: a
// rejected API key or a request the provider considers malformed.
func (e *ProviderError) Fatal() bool {
	return e.StatusCode == 400 || e.StatusCode == 401 || e.StatusCode == 403
}
