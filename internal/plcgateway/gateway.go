// Package plcgateway provides typed read/write access to a single
// EtherNet/IP PLC's tag surface, serialising all driver calls behind one
// mutex because the underlying driver is not safe for concurrent use.
package plcgateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/danomagnum/gologix"
	"golang.org/x/time/rate"

	"github.com/plantfloor/batchbridge/internal/recipe"
)

// ErrDisconnected is returned by ReadTrigger when the PLC is unreachable,
// the "disconnected" marker from spec §4.1.
var ErrDisconnected = errors.New("plcgateway: PLC unreachable")

// ConnectionStatus mirrors the PLC connection's lifecycle, grounded on the
// ManagedPLC connection-status enum pattern.
type ConnectionStatus int

const (
	StatusDisconnected ConnectionStatus = iota
	StatusConnecting
	StatusConnected
)

func (s ConnectionStatus) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// FieldKind identifies which CIP scalar type backs one configured tag.
type FieldKind int

const (
	FieldInt64 FieldKind = iota
	FieldFloat64
	FieldBool
	FieldString
)

// TagSpec names one PLC tag (or UDT member path, e.g. "Recipe.TOTAL_WT")
// and the scalar kind it should be read/written as.
type TagSpec struct {
	Tag  string
	Kind FieldKind
}

// Config describes the PLC's tag surface, loaded once at startup and
// treated as immutable thereafter.
type Config struct {
	Address        string
	ConnectTimeout time.Duration

	TriggerTag   string
	ErrorCodeTag string
	HeartbeatTag string

	// RecipeFields is the composite recipe tag's members: label (the
	// record key) to TagSpec. A failure reading any one of these fails
	// the whole read_recipe_and_extras call.
	RecipeFields map[string]TagSpec

	// ExtraFields and SlotFields are read independently after the
	// composite read; a failure on any one is tolerated (the key is
	// simply omitted from the resulting record).
	ExtraFields map[string]TagSpec
	SlotFields  map[string]TagSpec
}

// Gateway is the contract component D, E depend on, so tests can
// substitute a fake without touching the real driver.
type Gateway interface {
	ReadTrigger(ctx context.Context) (int, error)
	WriteTrigger(ctx context.Context, value int) error
	ReadRecipeAndExtras(ctx context.Context) (recipe.Record, error)
	ReadHeartbeat(ctx context.Context) (int, error)
	WriteHeartbeat(ctx context.Context, value int) error
	WriteErrorCode(ctx context.Context, code int) error
	Status() ConnectionStatus
}

// PLCGateway implements Gateway over a single gologix.Client connection.
type PLCGateway struct {
	cfg    Config
	logger *slog.Logger

	mu        sync.Mutex
	client    *gologix.Client
	status    ConnectionStatus
	reconnect rate.Sometimes
}

// New creates a PLCGateway. The underlying driver connection is opened
// lazily on first use, not here.
func New(cfg Config, logger *slog.Logger) *PLCGateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &PLCGateway{
		cfg:       cfg,
		logger:    logger,
		status:    StatusDisconnected,
		reconnect: rate.Sometimes{Interval: cfg.ConnectTimeout},
	}
}

// Status reports the gateway's last-known connection state.
func (g *PLCGateway) Status() ConnectionStatus {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.status
}

// ensureConnectedLocked dials the PLC if not already connected. Must be
// called with g.mu held. Reconnect attempts are paced by rate.Sometimes so
// a PLC that stays down does not trigger a hot reconnect loop.
func (g *PLCGateway) ensureConnectedLocked(ctx context.Context) error {
	if g.client != nil && g.status == StatusConnected {
		return nil
	}

	var dialErr error = ErrDisconnected
	g.reconnect.Do(func() {
		g.status = StatusConnecting
		client := gologix.NewClient(g.cfg.Address)

		connectCtx, cancel := context.WithTimeout(ctx, g.cfg.ConnectTimeout)
		defer cancel()

		if err := client.Connect(connectCtx); err != nil {
			g.logger.Warn("plc connect failed", "address", g.cfg.Address, "error", err)
			g.status = StatusDisconnected
			g.client = nil
			dialErr = fmt.Errorf("%w: %v", ErrDisconnected, err)
			return
		}

		g.client = client
		g.status = StatusConnected
		dialErr = nil
		g.logger.Info("plc connected", "address", g.cfg.Address)
	})

	if g.client == nil {
		return dialErr
	}
	return nil
}

// markDeadLocked marks the connection dead after an operation failure, so
// the next call reopens it. Must be called with g.mu held.
func (g *PLCGateway) markDeadLocked(err error) {
	if g.client != nil {
		g.client.Disconnect()
	}
	g.client = nil
	g.status = StatusDisconnected
	g.logger.Warn("plc operation failed, connection marked dead", "error", err)
}

// ReadTrigger returns the current value of the trigger tag.
func (g *PLCGateway) ReadTrigger(ctx context.Context) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.ensureConnectedLocked(ctx); err != nil {
		return 0, err
	}

	v, err := readInt(ctx, g.client, g.cfg.TriggerTag)
	if err != nil {
		g.markDeadLocked(err)
		return 0, fmt.Errorf("%w: %v", ErrDisconnected, err)
	}
	return v, nil
}

// WriteTrigger writes value to the trigger tag.
func (g *PLCGateway) WriteTrigger(ctx context.Context, value int) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.ensureConnectedLocked(ctx); err != nil {
		return err
	}
	if err := writeInt(ctx, g.client, g.cfg.TriggerTag, value); err != nil {
		g.markDeadLocked(err)
		return err
	}
	return nil
}

// ReadHeartbeat returns the current heartbeat tag value.
func (g *PLCGateway) ReadHeartbeat(ctx context.Context) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.ensureConnectedLocked(ctx); err != nil {
		return 0, err
	}
	v, err := readInt(ctx, g.client, g.cfg.HeartbeatTag)
	if err != nil {
		g.markDeadLocked(err)
		return 0, err
	}
	return v, nil
}

// WriteHeartbeat writes value to the heartbeat tag.
func (g *PLCGateway) WriteHeartbeat(ctx context.Context, value int) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.ensureConnectedLocked(ctx); err != nil {
		return err
	}
	if err := writeInt(ctx, g.client, g.cfg.HeartbeatTag, value); err != nil {
		g.markDeadLocked(err)
		return err
	}
	return nil
}

// WriteErrorCode writes code to the error-code tag.
func (g *PLCGateway) WriteErrorCode(ctx context.Context, code int) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.ensureConnectedLocked(ctx); err != nil {
		return err
	}
	if err := writeInt(ctx, g.client, g.cfg.ErrorCodeTag, code); err != nil {
		g.markDeadLocked(err)
		return err
	}
	return nil
}

// ReadRecipeAndExtras reads the composite recipe tag and each configured
// auxiliary scalar, merging auxiliaries over same-named recipe keys. A
// failure on any one recipe field fails the whole operation; a failure on
// any one auxiliary field is tolerated (the key is simply omitted).
func (g *PLCGateway) ReadRecipeAndExtras(ctx context.Context) (recipe.Record, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.ensureConnectedLocked(ctx); err != nil {
		return nil, err
	}

	rec := make(recipe.Record, len(g.cfg.RecipeFields)+len(g.cfg.ExtraFields)+len(g.cfg.SlotFields))

	for label, spec := range g.cfg.RecipeFields {
		v, err := readSpec(ctx, g.client, spec)
		if err != nil {
			g.markDeadLocked(err)
			return nil, fmt.Errorf("read recipe field %q (%s): %w", label, spec.Tag, err)
		}
		rec.Set(label, v)
	}

	for label, spec := range g.cfg.ExtraFields {
		v, err := readSpec(ctx, g.client, spec)
		if err != nil {
			g.logger.Warn("extra field read failed, omitting", "label", label, "tag", spec.Tag, "error", err)
			continue
		}
		rec.Set(label, v)
	}

	for label, spec := range g.cfg.SlotFields {
		v, err := readSpec(ctx, g.client, spec)
		if err != nil {
			g.logger.Warn("slot field read failed, omitting", "label", label, "tag", spec.Tag, "error", err)
			continue
		}
		rec.Set(label, v)
	}

	return rec, nil
}

func readSpec(ctx context.Context, client *gologix.Client, spec TagSpec) (recipe.Value, error) {
	switch spec.Kind {
	case FieldInt64:
		v, err := gologix.ReadSingle[int32](client, spec.Tag)
		if err != nil {
			return recipe.Value{}, err
		}
		return recipe.NewInt64(int64(v)), nil
	case FieldFloat64:
		v, err := gologix.ReadSingle[float32](client, spec.Tag)
		if err != nil {
			return recipe.Value{}, err
		}
		return recipe.NewFloat64(float64(v)), nil
	case FieldBool:
		v, err := gologix.ReadSingle[bool](client, spec.Tag)
		if err != nil {
			return recipe.Value{}, err
		}
		return recipe.NewBool(v), nil
	case FieldString:
		v, err := gologix.ReadSingle[string](client, spec.Tag)
		if err != nil {
			return recipe.Value{}, err
		}
		return recipe.NewString(v), nil
	default:
		return recipe.Value{}, fmt.Errorf("unknown field kind %d for tag %q", spec.Kind, spec.Tag)
	}
}

func readInt(ctx context.Context, client *gologix.Client, tag string) (int, error) {
	v, err := gologix.ReadSingle[int32](client, tag)
	if err != nil {
		return 0, err
	}
	return int(v), nil
}

func writeInt(ctx context.Context, client *gologix.Client, tag string, value int) error {
	return gologix.WriteSingle(client, tag, int32(value))
}
