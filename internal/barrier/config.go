package barrier

import (
	"github.com/cockroachdb/errors"
	"github.com/mpokorny/legion/internal/handle"
	"github.com/mpokorny/legion/internal/node"
	"github.com/mpokorny/legion/internal/redop"
	"github.com/mpokorny/legion/internal/transport"
	"go.uber.org/zap"
)

type Config struct {
	// NodeID is the id of the host node.
	NodeID node.ID
	// Registrar dispatches waiter registration for arrival
	// preconditions, which are usually events in the other pool.
	Registrar handle.Registrar
	// Redops resolves reduction operators by id. The same ids must be
	// registered on every node.
	Redops *redop.Registry
	// Adjust and Subscribe flow toward the owner, Trigger away from it.
	Adjust    transport.Oneway[AdjustMessage]
	Subscribe transport.Oneway[SubscribeMessage]
	Trigger   transport.Oneway[TriggerMessage]
	Logger    *zap.Logger
	// MaxSlots bounds the local slot table.
	MaxSlots int
}

func (cfg Config) Merge(def Config) Config {
	if cfg.Redops == nil {
		cfg.Redops = def.Redops
	}
	if cfg.Logger == nil {
		cfg.Logger = def.Logger
	}
	if cfg.MaxSlots == 0 {
		cfg.MaxSlots = def.MaxSlots
	}
	return cfg
}

func (cfg Config) Validate() error {
	if cfg.Registrar == nil {
		return errors.New("barrier registrar required")
	}
	if cfg.Adjust == nil {
		return errors.New("barrier adjust transport required")
	}
	if cfg.Subscribe == nil {
		return errors.New("barrier subscribe transport required")
	}
	if cfg.Trigger == nil {
		return errors.New("barrier trigger transport required")
	}
	return nil
}

func DefaultConfig() Config {
	return Config{
		Redops:   redop.NewRegistry(),
		Logger:   zap.NewNop(),
		MaxSlots: 1 << 16,
	}
}
