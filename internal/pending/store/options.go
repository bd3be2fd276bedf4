package store

import "time"

// DefaultStartingLease is how long a starting marker blocks other starts
// when its holder never attaches an attempt or releases it.
const DefaultStartingLease = 2 * time.Minute

type options struct {
	startingLease time.Duration
}

// Option configures a pending store.
type Option func(*options)

// WithStartingLease sets how long a starting marker is honored. It must
// outlast the verifier call made while the marker is held.
func WithStartingLease(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.startingLease = d
		}
	}
}

func applyOptions(opts []Option) options {
	o := options{startingLease: DefaultStartingLease}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
