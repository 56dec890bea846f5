package gateway

import "errors"

// ErrProviderRequired reports that NewServer was called without a
// WithProvider option; a Server cannot settle requests on its own.
var ErrProviderRequired = errors.New("model gateway: provider is required")
