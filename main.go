package main

import (
	"os"
	"os/signal"

	"github.com/wfunc/dicematch/bus"
	"github.com/wfunc/dicematch/catalog"
	"github.com/wfunc/dicematch/config"
	"github.com/wfunc/dicematch/energy"
	"github.com/wfunc/dicematch/logger"
	"github.com/wfunc/dicematch/matching"
	"github.com/wfunc/dicematch/monitor"
	"github.com/wfunc/dicematch/network"
	"github.com/wfunc/dicematch/persistence"
	"github.com/wfunc/dicematch/queue"
	"github.com/wfunc/dicematch/services"
	"github.com/wfunc/dicematch/timer"
)

const demoUserID = 1001

func main() {
	// Initialize logger
	logger.Init()

	// Load configuration
	cfg, err := config.LoadConfig(".")
	if err != nil {
		logger.Log.Fatalf("Failed to load configuration: %v", err)
	}

	// Build the mode catalog with config overrides
	overrides := make([]catalog.Override, 0, len(cfg.Modes))
	for _, o := range cfg.Modes {
		overrides = append(overrides, catalog.Override{
			ID:             o.ID,
			EnergyCost:     o.EnergyCost,
			MinPlayerLevel: o.MinPlayerLevel,
			MaxPlayers:     o.MaxPlayers,
			Timeout:        o.Timeout,
		})
	}
	modeCatalog, err := catalog.NewCatalog(overrides...)
	if err != nil {
		logger.Log.Fatalf("Failed to build mode catalog: %v", err)
	}

	// Energy ledger: database-backed when postgres is configured,
	// in-memory otherwise. The driver setting picks between the gorm
	// implementation and the raw database/sql one.
	var ledger energy.Ledger
	var recorder matching.Recorder
	var store persistence.Database
	var energySvc *services.EnergyService
	if pg := cfg.Database.Postgres; pg.Host != "" {
		switch pg.Driver {
		case "pq":
			db, err := persistence.NewPostgreSQL(pg.Host, pg.Port, pg.User, pg.Password, pg.DBName)
			if err != nil {
				logger.Log.Fatalf("Failed to connect to database: %v", err)
			}
			defer db.Close()

			if err := db.EnsureEnergyAccount(demoUserID, 5, 5); err != nil {
				logger.Log.Fatalf("Failed to seed energy account: %v", err)
			}
			ledger = db.Ledger(demoUserID)
			recorder = db
		default:
			db, err := persistence.NewGormPostgreSQL(pg.Host, pg.Port, pg.User, pg.Password, pg.DBName)
			if err != nil {
				logger.Log.Fatalf("Failed to connect to database: %v", err)
			}
			defer db.Close()

			if err := db.SaveEnergyAccount(demoUserID, 5, 5); err != nil {
				logger.Log.Fatalf("Failed to seed energy account: %v", err)
			}
			if snapshot, err := db.LoadSessionSnapshot(demoUserID); err == nil {
				logger.Log.Infof("Previous session ended in state %s (mode %s)", snapshot.State, snapshot.ModeID)
			}
			energySvc = services.NewEnergyService(db, demoUserID)
			ledger = energySvc
			recorder = db
			store = db
		}
		logger.Log.Info("Database connection successful.")
	} else {
		logger.Log.Info("No database configured, using in-memory energy ledger.")
		ledger = energy.NewMemoryLedger(5, 5)
	}

	// Start metrics endpoint
	mon := monitor.NewMonitor(cfg.Monitor.Namespace)
	mon.StartServer(cfg.Monitor.Address)

	// Connect to the lobby
	conn, err := network.Dial(cfg.Lobby.Address)
	if err != nil {
		logger.Log.Fatalf("Failed to connect to lobby at %s: %v", cfg.Lobby.Address, err)
	}
	client := network.NewLobbyClient(conn)

	// Assemble the matching core
	timers := timer.NewManager(0)
	defer timers.Stop()
	protocol := energy.NewProtocol(ledger)
	protocol.SetMetrics(mon)
	machine := matching.NewMachine(modeCatalog, client, protocol, matching.StaticProfile(10), timers, matching.Options{
		RecoveryDelay: cfg.Matching.RecoveryDelay,
		UserID:        demoUserID,
		Recorder:      recorder,
	})
	defer machine.Close()

	// Persist the session snapshot on every state change, so a restart
	// can report how the previous session ended.
	if store != nil {
		snapshotUnsub := machine.Subscribe(func(e matching.Event) {
			if e.Kind != matching.EventStateChanged {
				return
			}
			s := machine.Session()
			if err := store.SaveSessionSnapshot(demoUserID, e.State.String(), s.ModeID, s.RoomCode, s.LastError); err != nil {
				logger.Log.Warnf("Failed to persist session snapshot: %v", err)
			}
		})
		defer snapshotUnsub()
	}

	client.SetCallbacks(network.Callbacks{
		MatchFound:   machine.HandleMatchFound,
		RoomCreated:  machine.HandleRoomCreated,
		RoomJoined:   machine.HandleRoomJoined,
		PlayerCount:  machine.HandlePlayerCount,
		Error:        machine.HandleError,
		Disconnected: machine.HandleDisconnected,
	})
	client.Start(cfg.Lobby.HeartbeatInterval)
	defer client.Close()

	// Bridge machine events onto the section bus and into metrics
	sections := bus.NewBus()
	defer sections.Close()

	// The energy section answers balance queries from sibling sections.
	energyUnsub := sections.Subscribe(bus.SectionEnergy, func(msg bus.Message) {
		if msg.Kind != bus.KindEnergyQuery {
			return
		}
		sections.Send(msg.From, bus.Message{
			From:    bus.SectionEnergy,
			Kind:    bus.KindEnergyStatus,
			Payload: protocol.Available(),
		})
	})
	defer energyUnsub()

	unsubscribe := machine.Subscribe(func(e matching.Event) {
		switch e.Kind {
		case matching.EventStateChanged:
			mon.MatchingState(int(e.State))
			if e.State == matching.StateSearching {
				mon.SearchStarted()
			}
			if e.State == matching.StateReady {
				mon.SearchSucceeded()
				sections.Broadcast(bus.Message{
					From: bus.SectionMatching,
					Kind: bus.KindMatchReady,
				})
			}
			if e.State == matching.StateFailed {
				mon.SearchFailed()
			}
		case matching.EventModeChanged:
			sections.Broadcast(bus.Message{
				From:    bus.SectionMatching,
				Kind:    bus.KindModeChanged,
				Payload: e.ModeID,
			})
		case matching.EventError:
			sections.Broadcast(bus.Message{
				From:    bus.SectionMatching,
				Kind:    bus.KindError,
				Payload: e.Message,
			})
		}
	})
	defer unsubscribe()

	// Run the task queue
	orchestrator := queue.NewOrchestrator(machine, modeCatalog, cfg.Matching.RoomOpTimeout, mon)
	orchestrator.Start()
	defer orchestrator.Stop()

	// Kick off one quick match as a smoke test
	done := make(chan struct{})
	_, err = orchestrator.Enqueue(queue.TaskStartMatching, queue.Params{ModeID: "classic"}, func(err error) {
		if err != nil {
			logger.Log.Warnf("Quick match failed: %v", err)
		} else {
			logger.Log.Infof("Quick match ready, room %s", machine.Session().RoomCode)
		}
		if energySvc != nil {
			if info, statsErr := energySvc.GetAccountWithStats(); statsErr == nil {
				logger.Log.Infof("Energy account after match: %v", info)
			}
		}
		close(done)
	})
	if err != nil {
		logger.Log.Fatalf("Failed to enqueue quick match: %v", err)
	}

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)

	select {
	case <-done:
	case <-interrupt:
		logger.Log.Info("Interrupted, shutting down.")
	}
}
