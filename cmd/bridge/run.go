package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/plantfloor/batchbridge/internal/buffer"
	"github.com/plantfloor/batchbridge/internal/config"
	"github.com/plantfloor/batchbridge/internal/dbwriter"
	"github.com/plantfloor/batchbridge/internal/handshake"
	"github.com/plantfloor/batchbridge/internal/heartbeat"
	"github.com/plantfloor/batchbridge/internal/mapping"
	"github.com/plantfloor/batchbridge/internal/metricssnapshot"
	"github.com/plantfloor/batchbridge/internal/plcgateway"
	"github.com/plantfloor/batchbridge/internal/statuswriter"
	"github.com/plantfloor/batchbridge/pkg/logger"
)

const shutdownTimeout = 30 * time.Second

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the bridge and run until terminated",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBridge(configPath)
		},
	}
}

// statusSource adapts the coordinator and buffer into statuswriter.Source.
type statusSource struct {
	coordinator *handshake.Coordinator
	buf         buffer.Buffer
}

func (s *statusSource) DerivedStatus() handshake.Status { return s.coordinator.DerivedStatus() }
func (s *statusSource) PLCConnected() bool              { return s.coordinator.PLCConnected() }
func (s *statusSource) PendingCount(ctx context.Context) (int, error) {
	return s.buf.PendingCount(ctx)
}
func (s *statusSource) FaultMessage() *string { return s.coordinator.FaultMessage() }

func runBridge(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := logger.NewLogger(logger.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		Output:     cfg.Log.Output,
		Filename:   cfg.Log.Filename,
		MaxSize:    cfg.Log.MaxSize,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAge:     cfg.Log.MaxAge,
		Compress:   cfg.Log.Compress,
	})
	log.Info("starting batch bridge")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	gateway := plcgateway.New(toGatewayConfig(cfg.PLC), log)

	metrics := metricssnapshot.NewRegistry()

	writer := dbwriter.New(dbwriter.Config{
		DSN:             cfg.Database.DSN,
		Table:           cfg.Database.Table,
		TimestampColumn: cfg.Database.TimestampColumn,
		ConnectTimeout:  cfg.Database.ConnectTimeout,
		QueryTimeout:    cfg.Database.QueryTimeout,
		MaxConns:        cfg.Database.MaxConns,
		Retry: dbwriter.RetryPolicy{
			MaxRetries: cfg.Database.RetryMaxRetries,
			BaseDelay:  cfg.Database.RetryBaseDelay,
			MaxDelay:   cfg.Database.RetryMaxDelay,
		},
	}, log, metrics)
	defer writer.Close()

	buf, err := buffer.Open(ctx, cfg.Buffer.Path, log)
	if err != nil {
		return fmt.Errorf("open durable buffer: %w", err)
	}
	defer buf.Close()

	primary, extras := toMappings(cfg.PLC)
	coordinator, err := handshake.New(handshake.Config{
		Gateway: gateway,
		Writer:  writer,
		Buffer:  buf,
		Primary: primary,
		Extras:  extras,
		Bounds:  cfg.Handshake.Bounds,
		Logger:  log,
	})
	if err != nil {
		return fmt.Errorf("construct handshake coordinator: %w", err)
	}

	stepper := heartbeat.New(gateway, cfg.Heartbeat.Interval, log)
	drainer := buffer.NewDrainer(buf, writer, cfg.Buffer.DrainInterval, log, func() {
		metrics.DrainCyclesTotal.Inc()
	})
	statusPub := statuswriter.New(&statusSource{coordinator: coordinator, buf: buf}, cfg.Status.Path, cfg.Status.Interval, log)
	metricsPub := metricssnapshot.NewWriter(metrics, cfg.Metrics.Path, cfg.Metrics.Interval, log)

	var wg sync.WaitGroup
	wg.Add(6)

	go func() {
		defer wg.Done()
		pollCoordinator(ctx, coordinator, cfg.Handshake.PollInterval)
	}()
	go func() {
		defer wg.Done()
		stepper.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		drainer.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		statusPub.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		metricsPub.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		sampleMetrics(ctx, coordinator, buf, stepper, metrics, cfg.Metrics.Interval)
	}()

	<-ctx.Done()
	log.Info("shutdown signal received, waiting for tasks to finish")

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info("clean shutdown")
	case <-time.After(shutdownTimeout):
		log.Warn("shutdown timed out, exiting anyway")
	}

	return nil
}

func pollCoordinator(ctx context.Context, co *handshake.Coordinator, interval time.Duration) {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			co.Tick(ctx)
		}
	}
}

func sampleMetrics(ctx context.Context, co *handshake.Coordinator, buf buffer.Buffer, stepper *heartbeat.Stepper, metrics *metricssnapshot.Registry, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pending, err := buf.PendingCount(ctx)
			if err == nil {
				metrics.PendingCount.Set(float64(pending))
			}
			metrics.HandshakeState.Set(float64(co.State()))
			metrics.HeartbeatValue.Set(float64(stepper.LastValue()))
			if co.PLCConnected() {
				metrics.PLCConnected.Set(1)
			} else {
				metrics.PLCConnected.Set(0)
			}
			if co.DerivedStatus() == handshake.StatusConnected {
				metrics.SQLConnected.Set(1)
			} else {
				metrics.SQLConnected.Set(0)
			}
		}
	}
}

func toGatewayConfig(plc config.PLCConfig) plcgateway.Config {
	cfg := plcgateway.Config{
		Address:        plc.Address,
		ConnectTimeout: plc.ConnectTimeout,
		TriggerTag:     plc.TriggerTag,
		ErrorCodeTag:   plc.ErrorCodeTag,
		HeartbeatTag:   plc.HeartbeatTag,
		RecipeFields:   toTagSpecs(plc.RecipeFields),
		ExtraFields:    toTagSpecs(plc.ExtraFields),
		SlotFields:     toTagSpecs(plc.SlotFields),
	}
	return cfg
}

func toTagSpecs(in map[string]config.TagSpec) map[string]plcgateway.TagSpec {
	out := make(map[string]plcgateway.TagSpec, len(in))
	for field, spec := range in {
		out[field] = plcgateway.TagSpec{Tag: spec.Tag, Kind: toFieldKind(spec.Kind)}
	}
	return out
}

func toFieldKind(kind string) plcgateway.FieldKind {
	switch kind {
	case "float64":
		return plcgateway.FieldFloat64
	case "bool":
		return plcgateway.FieldBool
	case "string":
		return plcgateway.FieldString
	default:
		return plcgateway.FieldInt64
	}
}

func toMappings(plc config.PLCConfig) (mapping.Mapping, mapping.Mapping) {
	primary := make(mapping.Mapping, 0, len(plc.RecipeFields))
	for field := range plc.RecipeFields {
		primary = append(primary, mapping.Pair{Tag: field, Column: field})
	}
	extras := make(mapping.Mapping, 0, len(plc.ExtraFields)+len(plc.SlotFields))
	for field := range plc.ExtraFields {
		extras = append(extras, mapping.Pair{Tag: field, Column: field})
	}
	for field := range plc.SlotFields {
		extras = append(extras, mapping.Pair{Tag: field, Column: field})
	}
	return primary, extras
}
