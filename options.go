package legion

import (
	"github.com/mpokorny/legion/internal/redop"
	"go.uber.org/zap"
)

type Option func(*options)

type options struct {
	// logger is shared by the pools; sub-loggers are named per concern.
	logger *zap.Logger
	// maxSlots caps each pool's local slot table.
	maxSlots int
	// surfacePoison makes non-fault-aware waits return ErrPoisoned
	// instead of treating poison as a fatal failure.
	surfacePoison bool
	// redops is the reduction-operator registry shared with the barrier
	// pool. The same ids must be registered on every node.
	redops *redop.Registry
}

func newOptions(opts ...Option) *options {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	mergeDefaultOptions(o)
	return o
}

func mergeDefaultOptions(o *options) {
	def := defaultOptions()
	if o.logger == nil {
		o.logger = def.logger
	}
	if o.maxSlots == 0 {
		o.maxSlots = def.maxSlots
	}
	if o.redops == nil {
		o.redops = def.redops
	}
}

func defaultOptions() *options {
	return &options{
		logger:   zap.NewNop(),
		maxSlots: 1 << 16,
		redops:   redop.NewRegistry(),
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(o *options) { o.logger = logger }
}

func WithSlotLimit(n int) Option {
	return func(o *options) { o.maxSlots = n }
}

// WithSurfacedPoison surfaces poison from non-fault-aware waits as
// ErrPoisoned. The default treats it as a fatal failure, since the
// caller did not opt into fault awareness.
func WithSurfacedPoison() Option {
	return func(o *options) { o.surfacePoison = true }
}

func WithReductionRegistry(reg *redop.Registry) Option {
	return func(o *options) { o.redops = reg }
}
