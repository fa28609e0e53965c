package normalize

import (
	"fmt"

	"github.com/revguard/revguard/pkg/models"
)

// Registry looks up the Normalizer for a source.
type Registry struct {
	normalizers map[models.Source]Normalizer
}

// NewRegistry builds the registry with every known provider wired in.
func NewRegistry(appleRootCAPEM []byte, googleOAuthConfigJSON []byte) *Registry {
	r := &Registry{normalizers: make(map[models.Source]Normalizer)}
	r.register(NewStripeNormalizer())
	r.register(NewAppleNormalizer(appleRootCAPEM))
	r.register(NewGoogleNormalizer())
	r.register(NewRecurlyNormalizer())
	r.register(NewBraintreeNormalizer())
	return r
}

func (r *Registry) register(n Normalizer) {
	r.normalizers[n.Source()] = n
}

// Get returns the normalizer for source, or an error if unregistered.
func (r *Registry) Get(source models.Source) (Normalizer, error) {
	n, ok := r.normalizers[source]
	if !ok {
		return nil, fmt.Errorf("normalize: no normalizer registered for source %q", source)
	}
	return n, nil
}
