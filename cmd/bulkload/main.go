// Copyright 2025 UMH Systems GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	_ "github.com/united-manufacturing-hub/bulkload/cmd/bulkload/bundle"
	"github.com/united-manufacturing-hub/bulkload/pkg/checkpoint"
	"github.com/united-manufacturing-hub/bulkload/pkg/config"
	"github.com/united-manufacturing-hub/bulkload/pkg/destination"
	"github.com/united-manufacturing-hub/bulkload/pkg/lifecycle"
	"github.com/united-manufacturing-hub/bulkload/pkg/logger"
	"github.com/united-manufacturing-hub/bulkload/pkg/metrics"
	"github.com/united-manufacturing-hub/bulkload/pkg/sink"
)

func main() {
	configPath := flag.String("config", config.DefaultConfigPath, "path to the sync config file")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := run(ctx, *configPath)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "bulkload: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath string) error {
	cfg, err := config.NewFileConfigManager(configPath).GetConfig(ctx)
	if err != nil {
		return err
	}
	logger.InitializeWithConfig(cfg.Log.Level, cfg.Log.Development)
	defer func() {
		_ = zap.L().Sync()
	}()
	log := logger.For(logger.ComponentCore)
	log.Infof("Starting sync of %d streams into a %s sink", len(cfg.Catalog.Streams), cfg.Sink.Type)

	if cfg.Metrics.Port > 0 {
		srv := metrics.NewServer(cfg.Metrics.Port, logger.For(logger.ComponentMetrics))
		srv.Start()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			if err := srv.Stop(shutdownCtx); err != nil {
				log.Warnf("Stopping metrics server: %s", err)
			}
		}()
	}

	s, err := newSink(cfg.Sink)
	if err != nil {
		return err
	}
	dest, err := destination.NewSinkDestination(s, cfg.Catalog.Streams, cfg.Coercion, nil)
	if err != nil {
		return err
	}

	bulkSync, err := lifecycle.NewSync(lifecycle.Dependencies{
		Config:      cfg,
		Destination: dest,
		Emitter:     checkpoint.NewJSONLineEmitter(os.Stdout),
	})
	if err != nil {
		return err
	}

	if err := bulkSync.Run(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			log.Warnf("Sync %s interrupted", bulkSync.ID())
		}
		return err
	}
	st := bulkSync.InputStats()
	log.Infof("Sync %s finished: %d records, %d bytes, %d checkpoints", bulkSync.ID(), st.Records, st.Bytes, bulkSync.Checkpoints().EmittedCount())
	return nil
}

func newSink(cfg config.SinkConfig) (sink.Sink, error) {
	switch cfg.Type {
	case config.SinkKafka:
		return sink.NewKafkaSink(cfg.Kafka, nil)
	case config.SinkBenthos:
		return sink.NewBenthosSink(cfg.Benthos.OutputYAML, nil), nil
	case config.SinkMemory:
		return sink.NewMemorySink(nil), nil
	default:
		return nil, config.Errorf("unknown sink.type %q", cfg.Type)
	}
}
