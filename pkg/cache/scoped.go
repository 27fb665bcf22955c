package cache

// ScopedKeyer wraps a Keyer with a prefix so that several users of one
// shared cache get separate namespaces. The build service scopes its keys
// this way so a Redis instance can be shared with other deployments:
//
//	keyer := cache.NewScopedKeyer(cache.NewDefaultKeyer(), "api:")
type ScopedKeyer struct {
	inner  Keyer
	prefix string
}

// NewScopedKeyer creates a keyer with a prefix.
// The prefix is prepended to all generated keys.
func NewScopedKeyer(inner Keyer, prefix string) Keyer {
	if inner == nil {
		inner = NewDefaultKeyer()
	}
	return &ScopedKeyer{
		inner:  inner,
		prefix: prefix,
	}
}

// SizingKey generates a prefixed key for FIFO sizing results.
func (k *ScopedKeyer) SizingKey(graphHash string, opts SizingKeyOpts) string {
	return k.prefix + k.inner.SizingKey(graphHash, opts)
}

// BuildKey generates a prefixed key for build results.
func (k *ScopedKeyer) BuildKey(modelHash string, opts BuildKeyOpts) string {
	return k.prefix + k.inner.BuildKey(modelHash, opts)
}
