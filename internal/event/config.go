package event

import (
	"github.com/cockroachdb/errors"
	"github.com/mpokorny/legion/internal/handle"
	"github.com/mpokorny/legion/internal/node"
	"github.com/mpokorny/legion/internal/transport"
	"go.uber.org/zap"
)

type Config struct {
	// NodeID is the id of the host node. Slots allocated by this pool
	// are owned by it.
	NodeID node.ID
	// Registrar dispatches waiter registration for precondition events
	// that may live in another pool (barriers). Defaults to the pool
	// itself, which can only resolve event ids.
	Registrar handle.Registrar
	// Subscribe, Trigger and Update carry the three event message kinds.
	// Subscribe and Trigger flow toward the owner, Update away from it.
	Subscribe transport.Oneway[SubscribeMessage]
	Trigger   transport.Oneway[TriggerMessage]
	Update    transport.Oneway[UpdateMessage]
	Logger    *zap.Logger
	// MaxSlots bounds the local slot table. Exhaustion is surfaced as an
	// error from CreateEvent.
	MaxSlots int
}

func (cfg Config) Merge(def Config) Config {
	if cfg.Logger == nil {
		cfg.Logger = def.Logger
	}
	if cfg.MaxSlots == 0 {
		cfg.MaxSlots = def.MaxSlots
	}
	return cfg
}

func (cfg Config) Validate() error {
	if cfg.Subscribe == nil {
		return errors.New("event subscribe transport required")
	}
	if cfg.Trigger == nil {
		return errors.New("event trigger transport required")
	}
	if cfg.Update == nil {
		return errors.New("event update transport required")
	}
	return nil
}

func DefaultConfig() Config {
	return Config{
		Logger:   zap.NewNop(),
		MaxSlots: 1 << 16,
	}
}
