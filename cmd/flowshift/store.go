package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/steveyegge/flowshift/internal/audit"
	"github.com/steveyegge/flowshift/internal/config"
	"github.com/steveyegge/flowshift/internal/debug"
	"github.com/steveyegge/flowshift/internal/gapfill"
	"github.com/steveyegge/flowshift/internal/migration"
	"github.com/steveyegge/flowshift/internal/scenario"
	"github.com/steveyegge/flowshift/internal/storage"
	"github.com/steveyegge/flowshift/internal/storage/factory"
	"github.com/steveyegge/flowshift/internal/telemetry"
)

var (
	// store is what commands talk to: the backend, optionally overlaid with a
	// scenario directory, wrapped for telemetry.
	store storage.Store
	// backendStore is the bare backend, for optional capabilities
	// (storage.Committer, storage.AuditReader).
	backendStore storage.Store
	scenarioDir  *scenario.DirStore
	auditLog     *audit.Log
)

func openStore(ctx context.Context) error {
	name := config.GetString("backend")
	s, err := factory.New(ctx, name, factory.Options{
		Path:           config.GetString("dolt.path"),
		Database:       config.GetString("dolt.database"),
		ServerMode:     config.GetBool("dolt.server-mode"),
		ServerHost:     config.GetString("dolt.host"),
		ServerPort:     config.GetInt("dolt.port"),
		ServerUser:     config.GetString("dolt.user"),
		ServerPassword: config.GetString("dolt.password"),
		ServerTLS:      config.GetBool("dolt.tls"),
	})
	if err != nil {
		return fmt.Errorf("open %s store: %w", name, err)
	}
	backendStore = s
	debug.Logf("opened %s store\n", name)
	if name == factory.BackendMemory || name == "" {
		debug.Logf("memory backend: nothing persists after this command exits\n")
	}

	var served storage.Store = s
	if dir := config.GetString("scenarios.dir"); dir != "" {
		scenarioDir, err = scenario.OpenDir(dir, tenant, logger)
		if err != nil {
			_ = s.Close()
			return err
		}
		served = scenario.NewOverlay(s, scenarioDir)
	}
	store = telemetry.WrapStore(served)
	auditLog = audit.New(config.GetString("audit.path"))
	return nil
}

func closeStore() {
	if store != nil {
		_ = store.Close()
		store = nil
	}
}

func commitStore(ctx context.Context, message string) error {
	c, ok := backendStore.(storage.Committer)
	if !ok {
		return nil
	}
	return c.Commit(ctx, message)
}

// migrationDeps wires the migration components to the open store.
// Gap fill extraction is enabled when an Anthropic API key is configured.
func migrationDeps() migration.Deps {
	return migration.Deps{
		Scenarios: store,
		Plans:     store,
		Sessions:  store,
		Profiles:  store,
		Audit:     audit.Tee(store, auditLog),
		GapFill:   gapFillService(),
		Logger:    logger,
		Now:       time.Now,
	}
}

func gapFillService() *gapfill.Service {
	cfg := gapfill.Config{
		AutoAcceptConfidence: config.GetFloat64("gapfill.auto-accept-confidence"),
		MinConfidence:        config.GetFloat64("gapfill.min-confidence"),
		HistoryTurns:         config.GetInt("gapfill.history-turns"),
		FieldTimeout:         config.GetDuration("gapfill.field-timeout"),
		PersistExtracted:     config.GetBool("gapfill.persist-extracted"),
	}

	var extractor gapfill.Extractor
	ax, err := gapfill.NewAnthropicExtractor(config.AnthropicAPIKey(), config.DefaultAIModel())
	switch {
	case err == nil:
		extractor = ax.WithAudit(auditLog, getActor())
	case errors.Is(err, gapfill.ErrAPIKeyRequired):
		debug.Logf("no Anthropic API key: gap fill runs without extraction\n")
	default:
		WarnError("extraction disabled: %v", err)
	}
	return gapfill.New(store, extractor, cfg, logger)
}

func planner() *migration.Planner {
	return migration.NewPlanner(migrationDeps(), config.GetDuration("plan.ttl"))
}
