package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/plantfloor/batchbridge/internal/config"
	"github.com/plantfloor/batchbridge/internal/handshake"
	"github.com/plantfloor/batchbridge/internal/plcgateway"
	"github.com/plantfloor/batchbridge/pkg/logger"
)

func newRecoverCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "recover",
		Short: "Manually clear a FAULT state on the PLC, bypassing its own reset handshake",
		RunE: func(cmd *cobra.Command, args []string) error {
			return manualRecover(configPath)
		},
	}
}

// manualRecover connects to the PLC just long enough to clear the error
// code and trigger tags, for an operator to use when the PLC side cannot
// acknowledge its own reset.
func manualRecover(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := logger.NewLogger(logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	})

	gateway := plcgateway.New(toGatewayConfig(cfg.PLC), log)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	log.Warn("manual fault recovery invoked: bypasses the PLC's acknowledgement handshake")

	if err := gateway.WriteErrorCode(ctx, handshake.ErrorNone.Code()); err != nil {
		return fmt.Errorf("clear error code: %w", err)
	}
	if err := gateway.WriteTrigger(ctx, 0); err != nil {
		return fmt.Errorf("clear trigger: %w", err)
	}

	return nil
}
