// Package grpc carries the six synchronization message kinds over gRPC.
// The service is composed at runtime from a raw byte codec and
// gob-framed message bodies, so no generated stubs are involved. Sends
// to one peer are serialized per target to preserve the per-pair
// ordering the core requires.
package grpc

import (
	"bytes"
	"context"
	"encoding/gob"
	"net"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/mpokorny/legion"
	"github.com/mpokorny/legion/internal/barrier"
	"github.com/mpokorny/legion/internal/event"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

const serviceName = "legion.v1.Sync"

// frame is the only wire type the codec sees: an opaque gob body.
type frame struct {
	data []byte
}

type rawCodec struct{}

func (rawCodec) Marshal(v interface{}) ([]byte, error) {
	f, ok := v.(*frame)
	if !ok {
		return nil, errors.Newf("raw codec cannot marshal %T", v)
	}
	return f.data, nil
}

func (rawCodec) Unmarshal(data []byte, v interface{}) error {
	f, ok := v.(*frame)
	if !ok {
		return errors.Newf("raw codec cannot unmarshal into %T", v)
	}
	f.data = data
	return nil
}

func (rawCodec) Name() string { return "legion-raw" }

type Config struct {
	// AddressBook maps node ids to dialable addresses.
	AddressBook map[legion.NodeID]string
	Logger      *zap.Logger
}

func (cfg Config) Merge(def Config) Config {
	if cfg.Logger == nil {
		cfg.Logger = def.Logger
	}
	return cfg
}

func (cfg Config) Validate() error {
	if cfg.AddressBook == nil {
		return errors.New("grpc address book required")
	}
	return nil
}

func DefaultConfig() Config {
	return Config{Logger: zap.NewNop()}
}

// Transport implements the legion.Transport channels over one gRPC
// service.
type Transport struct {
	Config

	mu     sync.Mutex
	conns  map[legion.NodeID]*grpc.ClientConn
	sendMu map[legion.NodeID]*sync.Mutex

	eventSubscribe   *channel[event.SubscribeMessage]
	eventTrigger     *channel[event.TriggerMessage]
	eventUpdate      *channel[event.UpdateMessage]
	barrierAdjust    *channel[barrier.AdjustMessage]
	barrierSubscribe *channel[barrier.SubscribeMessage]
	barrierTrigger   *channel[barrier.TriggerMessage]

	log *zap.Logger
}

func New(cfg Config) (*Transport, error) {
	cfg = cfg.Merge(DefaultConfig())
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	t := &Transport{
		Config: cfg,
		conns:  make(map[legion.NodeID]*grpc.ClientConn),
		sendMu: make(map[legion.NodeID]*sync.Mutex),
		log:    cfg.Logger.Named("grpc"),
	}
	t.eventSubscribe = newChannel[event.SubscribeMessage](t, "EventSubscribe")
	t.eventTrigger = newChannel[event.TriggerMessage](t, "EventTrigger")
	t.eventUpdate = newChannel[event.UpdateMessage](t, "EventUpdate")
	t.barrierAdjust = newChannel[barrier.AdjustMessage](t, "BarrierAdjust")
	t.barrierSubscribe = newChannel[barrier.SubscribeMessage](t, "BarrierSubscribe")
	t.barrierTrigger = newChannel[barrier.TriggerMessage](t, "BarrierTrigger")
	return t, nil
}

// Transport returns the channel bundle to pass to legion.Open.
func (t *Transport) Transport() legion.Transport {
	return legion.Transport{
		EventSubscribe:   t.eventSubscribe,
		EventTrigger:     t.eventTrigger,
		EventUpdate:      t.eventUpdate,
		BarrierAdjust:    t.barrierAdjust,
		BarrierSubscribe: t.barrierSubscribe,
		BarrierTrigger:   t.barrierTrigger,
	}
}

// Serve accepts peer connections on lis until ctx is cancelled.
func (t *Transport) Serve(ctx context.Context, lis net.Listener) error {
	server := grpc.NewServer(grpc.ForceServerCodec(rawCodec{}))
	server.RegisterService(t.serviceDesc(), t)
	go func() {
		<-ctx.Done()
		server.GracefulStop()
	}()
	t.log.Info("serving", zap.String("addr", lis.Addr().String()))
	return server.Serve(lis)
}

func (t *Transport) serviceDesc() *grpc.ServiceDesc {
	return &grpc.ServiceDesc{
		ServiceName: serviceName,
		HandlerType: (*interface{})(nil),
		Methods: []grpc.MethodDesc{
			{MethodName: "EventSubscribe", Handler: unaryHandler(t.eventSubscribe)},
			{MethodName: "EventTrigger", Handler: unaryHandler(t.eventTrigger)},
			{MethodName: "EventUpdate", Handler: unaryHandler(t.eventUpdate)},
			{MethodName: "BarrierAdjust", Handler: unaryHandler(t.barrierAdjust)},
			{MethodName: "BarrierSubscribe", Handler: unaryHandler(t.barrierSubscribe)},
			{MethodName: "BarrierTrigger", Handler: unaryHandler(t.barrierTrigger)},
		},
	}
}

// Close tears down every peer connection.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	var err error
	for _, conn := range t.conns {
		err = errors.CombineErrors(err, conn.Close())
	}
	t.conns = make(map[legion.NodeID]*grpc.ClientConn)
	return err
}

func (t *Transport) conn(target legion.NodeID) (*grpc.ClientConn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if conn, ok := t.conns[target]; ok {
		return conn, nil
	}
	addr, ok := t.AddressBook[target]
	if !ok {
		return nil, errors.Newf("no address for node %v", target)
	}
	conn, err := grpc.Dial(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}
	t.conns[target] = conn
	return conn, nil
}

func (t *Transport) sendLock(target legion.NodeID) *sync.Mutex {
	t.mu.Lock()
	defer t.mu.Unlock()
	mu, ok := t.sendMu[target]
	if !ok {
		mu = &sync.Mutex{}
		t.sendMu[target] = mu
	}
	return mu
}

// channel is one message kind's endpoint pair.
type channel[M any] struct {
	t      *Transport
	method string

	mu      sync.RWMutex
	handler func(ctx context.Context, msg M) error
}

func newChannel[M any](t *Transport, method string) *channel[M] {
	return &channel[M]{t: t, method: "/" + serviceName + "/" + method}
}

func (c *channel[M]) Send(ctx context.Context, target legion.NodeID, msg M) error {
	conn, err := c.t.conn(target)
	if err != nil {
		return err
	}
	var body bytes.Buffer
	if err := gob.NewEncoder(&body).Encode(&msg); err != nil {
		return errors.Wrapf(err, "encoding %s", c.method)
	}
	req := frame{data: body.Bytes()}
	var res frame

	// One in-flight send per target keeps per-pair delivery in order.
	mu := c.t.sendLock(target)
	mu.Lock()
	defer mu.Unlock()
	return conn.Invoke(ctx, c.method, &req, &res,
		grpc.ForceCodec(rawCodec{}), grpc.WaitForReady(true))
}

func (c *channel[M]) Handle(handler func(ctx context.Context, msg M) error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handler = handler
}

func (c *channel[M]) dispatch(ctx context.Context, data []byte) error {
	c.mu.RLock()
	handler := c.handler
	c.mu.RUnlock()
	if handler == nil {
		return errors.Newf("%s: no handler bound", c.method)
	}
	var msg M
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&msg); err != nil {
		return errors.Wrapf(err, "decoding %s", c.method)
	}
	return handler(ctx, msg)
}

func unaryHandler[M any](c *channel[M]) func(interface{}, context.Context, func(interface{}) error, grpc.UnaryServerInterceptor) (interface{}, error) {
	return func(_ interface{}, ctx context.Context, dec func(interface{}) error, _ grpc.UnaryServerInterceptor) (interface{}, error) {
		var req frame
		if err := dec(&req); err != nil {
			return nil, err
		}
		if err := c.dispatch(ctx, req.data); err != nil {
			return nil, err
		}
		return &frame{}, nil
	}
}
