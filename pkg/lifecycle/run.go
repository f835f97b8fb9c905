/*
 * Copyright 2025 Hearth Labs.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package lifecycle assembles the server from configuration and runs it
// until a shutdown signal, tearing components down in dependency order.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hearthlabs/hearthd/pkg/config"
	"github.com/hearthlabs/hearthd/pkg/control"
	"github.com/hearthlabs/hearthd/pkg/integrations"
	"github.com/hearthlabs/hearthd/pkg/integrations/mqttbridge"
	"github.com/hearthlabs/hearthd/pkg/logger"
	"github.com/hearthlabs/hearthd/pkg/metrics"
	"github.com/hearthlabs/hearthd/pkg/models"
	"github.com/hearthlabs/hearthd/pkg/pairing"
	"github.com/hearthlabs/hearthd/pkg/state"
	"github.com/hearthlabs/hearthd/pkg/store"
	"github.com/hearthlabs/hearthd/pkg/store/memstore"
	"github.com/hearthlabs/hearthd/pkg/store/natskv"
	"github.com/hearthlabs/hearthd/pkg/store/sqlstore"
	"github.com/hearthlabs/hearthd/pkg/subscription"
	"github.com/hearthlabs/hearthd/pkg/transport"
	"github.com/hearthlabs/hearthd/pkg/weather"
)

const (
	envPrefix       = "HEARTHD_"
	shutdownTimeout = 15 * time.Second
	readHeaderWait  = 10 * time.Second
)

var errUnknownBackend = errors.New("unknown store backend")

// Run loads configuration from the environment, assembles the server,
// and blocks until SIGINT/SIGTERM.
func Run() error {
	logCfg := logger.DefaultConfig()

	log, err := logger.New(logCfg)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	cfg := &models.CoreConfig{}
	if err := config.NewEnvLoader(log, envPrefix).Load(cfg); err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	if cfg.Debug {
		log.SetDebug(true)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return RunWithContext(ctx, cfg, log)
}

// RunWithContext assembles and runs the server against an external
// context; tests drive shutdown by canceling it.
func RunWithContext(ctx context.Context, cfg *models.CoreConfig, log logger.Logger) error {
	st, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}

	m := metrics.New()

	svc := state.NewService(st, log, m)
	subs := subscription.NewManager(cfg.MaxSubscriptions, cfg.SubscriptionTimeout, log, m)
	svc.SetNotifier(subs)

	wx := weather.NewCache(st, weather.NewHTTPProvider(cfg.WeatherURL), svc, cfg.WeatherTTL, log, m)
	pair := pairing.NewService(st, svc, cfg.EntryKeyTTL, log)

	hub := control.NewEventHub(log)
	svc.AddSink(hub)

	integ := integrations.NewManager(st, svc, log, m)
	integ.Register(mqttbridge.TypeName, mqttbridge.NewFactory())
	svc.AddSink(integ)

	tracker := multiTracker{hub, integ}

	deviceServer := transport.NewServer(cfg, svc, subs, wx, pair, log,
		transport.WithMetrics(m),
		transport.WithConnectionTracker(tracker))

	controlServer := control.NewServer(svc, subs, st, hub, log, control.WithMetrics(m))

	transportHTTP := &http.Server{
		Addr:              cfg.TransportAddr,
		Handler:           deviceServer.Router(),
		ReadHeaderTimeout: readHeaderWait,
	}
	controlHTTP := &http.Server{
		Addr:              cfg.ControlAddr,
		Handler:           controlServer.Router(),
		ReadHeaderTimeout: readHeaderWait,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info().Str("addr", cfg.TransportAddr).Bool("tls", cfg.CertDir != "").Msg("Device transport listening")

		var err error

		if cfg.CertDir != "" {
			err = transportHTTP.ListenAndServeTLS(
				filepath.Join(cfg.CertDir, "server.crt"),
				filepath.Join(cfg.CertDir, "server.key"))
		} else {
			err = transportHTTP.ListenAndServe()
		}

		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}

		return err
	})

	g.Go(func() error {
		log.Info().Str("addr", cfg.ControlAddr).Msg("Control API listening")

		if err := controlHTTP.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}

		return nil
	})

	g.Go(func() error {
		pair.RunGC(gctx)
		return nil
	})

	g.Go(func() error {
		return integ.Run(gctx)
	})

	<-gctx.Done()
	log.Info().Msg("Shutting down")

	// Flush parked long polls first: their handlers only return once
	// the manager closes their delivery channels, so the transport
	// listener cannot drain while any device is parked. Then stop the
	// listeners and quiesce the write path before the store closes.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	subs.Shutdown()

	_ = transportHTTP.Shutdown(shutdownCtx)
	_ = controlHTTP.Shutdown(shutdownCtx)

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("Server exited with error")
	}

	svc.Close()

	if err := st.Close(); err != nil {
		log.Warn().Err(err).Msg("Store close failed")
	}

	return nil
}

// multiTracker fans DeviceSeen out to every interested component.
type multiTracker []transport.ConnectionTracker

func (t multiTracker) DeviceSeen(serial string) {
	for _, tracker := range t {
		tracker.DeviceSeen(serial)
	}
}

func openStore(ctx context.Context, cfg *models.CoreConfig, log logger.Logger) (store.Store, error) {
	switch cfg.StoreBackend {
	case models.StoreBackendSQLite:
		if dir := filepath.Dir(cfg.SQLitePath); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}

		return sqlstore.New(ctx, sqlstore.DialectSQLite, cfg.SQLitePath, log,
			sqlstore.WithSecretKey(cfg.SecretKey))
	case models.StoreBackendPostgres:
		return sqlstore.New(ctx, sqlstore.DialectPostgres, cfg.PostgresDSN, log,
			sqlstore.WithSecretKey(cfg.SecretKey))
	case models.StoreBackendNATS:
		return natskv.New(ctx, cfg.NATSURL, cfg.EntryKeyTTL, log)
	case models.StoreBackendMemory:
		return memstore.New(), nil
	default:
		return nil, fmt.Errorf("%w: %q", errUnknownBackend, cfg.StoreBackend)
	}
}
