// Package main provides the region server binary: it drives every region's
// timers on the scheduler pool, watches the pool for frozen managers and
// resolves NPC loot on death.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/dolcore/internal/config"
	"github.com/cory-johannsen/dolcore/internal/game/dice"
	"github.com/cory-johannsen/dolcore/internal/game/loot"
	"github.com/cory-johannsen/dolcore/internal/game/npc"
	"github.com/cory-johannsen/dolcore/internal/game/session"
	"github.com/cory-johannsen/dolcore/internal/game/world"
	"github.com/cory-johannsen/dolcore/internal/observability"
	"github.com/cory-johannsen/dolcore/internal/scheduler"
	"github.com/cory-johannsen/dolcore/internal/scripting"
	"github.com/cory-johannsen/dolcore/internal/server"
	"github.com/cory-johannsen/dolcore/internal/storage/postgres"
	"github.com/cory-johannsen/dolcore/internal/watchdog"
)

func main() {
	start := time.Now()

	configPath := flag.String("config", "configs/dev.yaml", "path to configuration file")
	flag.Parse()

	ctx := context.Background()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.Logging, cfg.Server.Name)
	if err != nil {
		log.Fatalf("initializing logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("starting region server",
		zap.Int("managers", cfg.Scheduler.Managers),
		zap.Bool("watchdog", cfg.Watchdog.Enabled),
		zap.String("loot_source", cfg.Loot.Source),
	)

	// Database
	dbStart := time.Now()
	pool, err := postgres.NewPool(ctx, cfg.Database)
	if err != nil {
		logger.Fatal("connecting to database", zap.Error(err))
	}
	logger.Info("database connected", zap.Duration("elapsed", time.Since(dbStart)))

	// Scheduler pool and world
	timers, err := scheduler.NewPool(cfg.Scheduler.Managers, scheduler.Options{
		Logger:           observability.Component(logger, "scheduler"),
		MaxIdleWait:      cfg.Scheduler.MaxIdleWait,
		StopTimeout:      cfg.Scheduler.StopTimeout,
		LagWarn:          cfg.Scheduler.LagWarn,
		SlowCallbackWarn: cfg.Scheduler.SlowCallbackWarn,
	})
	if err != nil {
		logger.Fatal("creating scheduler pool", zap.Error(err))
	}

	defs, err := world.LoadRegionsFromFile(cfg.Content.RegionsFile)
	if err != nil {
		logger.Fatal("loading regions", zap.Error(err))
	}
	worldMgr := world.NewManager()
	regions, err := worldMgr.Populate(timers, defs)
	if err != nil {
		logger.Fatal("registering regions", zap.Error(err))
	}
	logger.Info("world loaded", zap.Int("regions", len(regions)))

	// Loot
	roller := dice.NewRoller(dice.NewCryptoSource(), observability.Component(logger, "dice"))
	scripts := scripting.NewManager(roller, cfg.Loot.InstructionLimit, observability.Component(logger, "scripting"))
	defer scripts.Close()

	lootReg, err := buildLoot(ctx, cfg.Loot, pool, roller, scripts, observability.Component(logger, "loot"))
	if err != nil {
		logger.Fatal("loading loot", zap.Error(err))
	}

	// NPCs
	npcMgr := npc.NewManager(observability.Component(logger, "npc"))
	templates, err := npc.LoadTemplates(cfg.Content.NPCDir)
	if err != nil {
		logger.Fatal("loading npc templates", zap.Error(err))
	}
	byID := make(map[string]*npc.Template, len(templates))
	for _, t := range templates {
		byID[t.ID] = t
	}
	respawns := npc.NewRespawnManager(npcMgr, npc.SpawnsFromTemplates(templates), byID, observability.Component(logger, "respawn"))
	npcMgr.OnDeath(dropLoot(lootReg, logger))
	npcMgr.OnDeath(respawns.HandleDeath)
	for _, r := range regions {
		respawns.PopulateRegion(r)
	}
	logger.Info("npcs spawned", zap.Int("templates", len(templates)), zap.Int("instances", npcMgr.Count()))

	// Sessions and watchdog
	sessions := session.NewManager(postgres.NewPlayerRepository(pool.DB()), observability.Component(logger, "session"))
	resynch := watchdog.New(timers.Managers(), worldMgr, sessions, sessions, watchdog.Options{
		Period:          cfg.Watchdog.Period,
		Invulnerability: cfg.Watchdog.Invulnerability,
		SaveTimeout:     cfg.Watchdog.SaveTimeout,
		Logger:          observability.Component(logger, "watchdog"),
	})

	// Wire lifecycle
	lifecycle := server.NewLifecycle(logger, cfg.Server.ShutdownTimeout)
	lifecycle.Add("postgres", server.Background(
		func() error { return pool.Health(ctx, 5*time.Second) },
		pool.Close,
	))
	lifecycle.Add("scheduler", server.Background(
		func() error {
			timers.StartAll()
			return nil
		},
		func() {
			timers.StopAll()
			worldMgr.Close()
		},
	))
	lifecycle.Add("respawn", server.Background(func() error { return nil }, respawns.Stop))
	if cfg.Watchdog.Enabled {
		lifecycle.Add("watchdog", &server.FuncService{
			StartFn: func(ctx context.Context) error {
				if err := resynch.Start(ctx); err != nil {
					return err
				}
				<-ctx.Done()
				return nil
			},
			StopFn: func(context.Context) error {
				resynch.Stop()
				return nil
			},
		})
	}

	logger.Info("region server initialized", zap.Duration("startup", time.Since(start)))

	if err := lifecycle.Run(ctx); err != nil {
		logger.Fatal("server error", zap.Error(err))
	}
}

// buildLoot loads loot content and installs every configured generator. Templates
// come from cfg.Source; generator bindings always come from the content directory.
func buildLoot(ctx context.Context, cfg config.LootConfig, pool *postgres.Pool, roller *dice.Roller, scripts *scripting.Manager, logger *zap.Logger) (*loot.Registry, error) {
	content, err := loot.LoadContentDir(cfg.ContentDir)
	if err != nil {
		return nil, err
	}

	var source loot.TemplateSource = content.TemplateSet
	if cfg.Source == config.LootSourcePostgres {
		source = postgres.NewLootRepository(pool.DB())
	}
	store := loot.NewTemplateStore(source)
	if err := store.Reload(ctx); err != nil {
		return nil, err
	}

	bindings := content.Generators
	if cfg.CoinDice != "" && !hasKind(bindings, loot.KindMoney) {
		bindings = append(bindings, loot.Binding{
			Kind:   loot.KindMoney,
			Name:   "coins",
			Params: map[string]string{"expression": cfg.CoinDice},
		})
	}

	reg := loot.NewRegistry(roller.Source(), logger)
	err = loot.Install(reg, loot.DefaultFactories(), bindings, loot.Deps{
		Store:      store,
		Scripts:    scripts,
		ScriptDir:  cfg.ScriptDir,
		Roller:     roller,
		CrossRealm: cfg.CrossRealm,
		Logger:     logger,
	})
	if err != nil {
		return nil, fmt.Errorf("installing loot generators: %w", err)
	}

	keys := make([]string, 0)
	for _, k := range reg.Keys() {
		keys = append(keys, k.String())
	}
	logger.Info("loot loaded",
		zap.Int("templates", store.TemplateCount()),
		zap.Int("generators", len(bindings)),
		zap.String("keys", strings.Join(keys, ",")),
	)
	return reg, nil
}

func hasKind(bindings []loot.Binding, kind string) bool {
	for _, b := range bindings {
		if b.Kind == kind {
			return true
		}
	}
	return false
}

func dropLoot(reg *loot.Registry, logger *zap.Logger) npc.DeathHook {
	return func(inst *npc.Instance, killer world.GameObject) {
		drops := reg.GetLoot(inst, killer)
		if len(drops) == 0 {
			return
		}
		fields := []zap.Field{
			zap.String("npc", inst.ObjectID()),
			zap.Uint16("region", inst.RegionID()),
			zap.Int("drops", len(drops)),
		}
		if killer != nil {
			fields = append(fields, zap.String("killer", killer.ObjectID()))
		}
		for _, d := range drops {
			logger.Debug("loot dropped",
				zap.String("npc", inst.ObjectID()),
				zap.String("item", d.ItemID),
				zap.Int("count", d.Count),
				zap.Stringer("instance", d.InstanceID),
				zap.Bool("fixed", d.Fixed),
			)
		}
		logger.Info("npc loot resolved", fields...)
	}
}
