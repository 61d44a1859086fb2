package app

import (
	"fmt"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"artifactsbot/internal/config"
	"artifactsbot/internal/control"
	"artifactsbot/internal/eventmgr"
	"artifactsbot/internal/gamedata"
	"artifactsbot/internal/gearstate"
	"artifactsbot/internal/inventory"
	"artifactsbot/internal/model"
	"artifactsbot/internal/orderboard"
	"artifactsbot/internal/rotation"
	"artifactsbot/internal/runtimemgr"
	"artifactsbot/internal/taskexchange"
	"artifactsbot/internal/wsfeed"
)

// Config names the on-disk locations and tunables Bootstrap needs. The
// order-board and gear-state files are placed inside StateDir;
// AccountConfigPath is used exactly as given.
type Config struct {
	// AccountConfigPath is the account document (characters + npcBuyList).
	AccountConfigPath string
	// StateDir holds the order-board and gear-state persistence files.
	StateDir string

	WSFeedURL string

	HousekeepingCron string

	DefaultLeaseMs        int64
	DefaultBlockedRetryMs int64
	SchedulerIdleInterval time.Duration

	// RolloutFirstRunClear hard-clears the order board once, on the first
	// Start call of this process.
	RolloutFirstRunClear bool
}

func (c Config) statePath(name string) string {
	if c.StateDir == "" {
		return name
	}
	return filepath.Join(c.StateDir, name)
}

// Runtime bundles every wired module plus the control/runtime adapters
// main uses to serve the HTTP control surface and drive the process
// lifecycle.
type Runtime struct {
	Log     *zap.Logger
	Manager *runtimemgr.Manager
	Control *control.Server
	Feed    *wsfeed.Feed

	board *orderboard.Board
	gear  *gearstate.Planner

	accountDoc *config.AccountDocument
}

// Bootstrap decodes the account document at cfg.AccountConfigPath,
// builds every account-wide module and a SchedulerFactory closing over
// them, and returns the wired Runtime. It does not start anything; call
// Runtime.Manager.Start once the caller is ready to run.
func Bootstrap(deps Dependencies, cfg Config) (*Runtime, error) {
	if deps.GameClient == nil {
		return nil, fmt.Errorf("botcore: GameClient dependency is required")
	}
	log := deps.log()
	c := deps.clockOrReal()

	accountDoc, err := loadAccountDocument(cfg.AccountConfigPath)
	if err != nil {
		return nil, fmt.Errorf("botcore: load account document: %w", err)
	}

	catalog := deps.Catalog
	if catalog == nil {
		log.Warn("no game-data catalog supplied, booting with an empty one")
		catalog = gamedata.NewInMemory()
	}

	invMgr := inventory.NewManager(c)
	bankOps := inventory.NewBankOps(invMgr, deps.GameClient, log)

	boardPersister := orderboard.NewFilePersister(cfg.statePath("order_board.json"), log)
	board := orderboard.NewBoard(c, boardPersister, log)
	if err := board.Initialize(); err != nil {
		return nil, fmt.Errorf("botcore: load order board state: %w", err)
	}

	gearPersister := gearstate.NewFilePersister(cfg.statePath("gear_state.json"), log)
	publishToBoard := func(req gearstate.OrderRequest) error {
		_, err := board.CreateOrMergeOrder(orderboard.CreateRequest{
			SourceType:    model.SourceCraft,
			SourceCode:    req.SourceCode,
			ItemCode:      req.ItemCode,
			RequesterName: req.RequesterName,
			Recipe:        req.Recipe,
			CraftSkill:    req.CraftSkill,
			SourceLevel:   req.SourceLevel,
			Quantity:      req.Quantity,
		})
		return err
	}
	gear := gearstate.NewPlanner(catalog, deps.Optimizer, invMgr, publishToBoard, c, log, gearPersister)
	if err := gear.Initialize(); err != nil {
		return nil, fmt.Errorf("botcore: load gear state: %w", err)
	}

	events := eventmgr.NewManager(c, catalog, log)
	exchange := taskexchange.NewExchanger(deps.GameClient, invMgr, bankOps, c, log)

	engine := &rotation.Engine{
		Catalog:               catalog,
		Optimizer:             deps.Optimizer,
		Client:                deps.GameClient,
		Board:                 board,
		Gear:                  gear,
		Exchange:              exchange,
		Clock:                 c,
		Log:                   log,
		DefaultLeaseMs:        cfg.DefaultLeaseMs,
		DefaultBlockedRetryMs: cfg.DefaultBlockedRetryMs,
	}

	charsByName := map[string]config.CharacterDocument{}
	for _, doc := range accountDoc.Characters {
		charsByName[doc.Name] = doc
	}

	factory := func(charName string) (runtimemgr.CharacterScheduler, error) {
		doc, ok := charsByName[charName]
		if !ok {
			return nil, fmt.Errorf("botcore: no configuration for character %q", charName)
		}
		return buildScheduler(charName, doc, accountDoc.NpcBuyList, buildDeps{
			client:       deps.GameClient,
			refresh:      deps.RefreshCharacter,
			events:       events,
			catalog:      catalog,
			gear:         gear,
			bank:         bankOps,
			inv:          invMgr,
			exchange:     exchange,
			engine:       engine,
			clock:        c,
			log:          log,
			idleInterval: cfg.SchedulerIdleInterval,
		})
	}

	manager := runtimemgr.NewManager(factory, runtimemgr.Housekeeping{
		SweepStaleClaims: func() { board.SweepStaleClaims() },
		FlushPersistence: func() error {
			if err := board.Flush(); err != nil {
				return err
			}
			return gear.Flush()
		},
		RecomputeGearState: nil,
	}, cfg.HousekeepingCron, c, log)

	feed := &wsfeed.Feed{
		URL:     cfg.WSFeedURL,
		Handler: events,
		Dialer:  deps.Dialer,
		Log:     log,
	}

	characterNames := make([]string, 0, len(accountDoc.Characters))
	for _, doc := range accountDoc.Characters {
		characterNames = append(characterNames, doc.Name)
	}

	adapter := &runtimeAdapter{
		manager:        manager,
		characterNames: characterNames,
		firstRunClear:  cfg.RolloutFirstRunClear,
		clearBoard:     board.ClearOrderBoard,
		accountDoc:     accountDoc,
	}

	ctrl := &control.Server{
		Runtime:           adapter,
		RestartRun:        adapter.runDescriptor(),
		ClearOrderBoard:   board.ClearOrderBoard,
		ClearGearState:    gear.ClearPersisted,
		DecodeConfig:      decodeAccountDocument,
		GracefulTimeoutMs: 10_000,
		Log:               log,
	}

	return &Runtime{
		Log:        log,
		Manager:    manager,
		Control:    ctrl,
		Feed:       feed,
		board:      board,
		gear:       gear,
		accountDoc: accountDoc,
	}, nil
}

func loadAccountDocument(path string) (*config.AccountDocument, error) {
	data, err := readFile(path)
	if err != nil {
		return nil, err
	}
	return config.ParseAccountDocument(data)
}

func decodeAccountDocument(body []byte) (any, error) {
	return config.ParseAccountDocument(body)
}
