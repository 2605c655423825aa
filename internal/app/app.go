package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/sourcegraph/conc"
	"github.com/spf13/afero"
	"go.uber.org/atomic"
	"go.uber.org/multierr"

	"cuewatch/internal/alarm"
	"cuewatch/internal/collector"
	"cuewatch/internal/collector/power"
	"cuewatch/internal/config"
	"cuewatch/internal/engine"
	"cuewatch/internal/ipc"
	"cuewatch/internal/notify"
	"cuewatch/internal/reminder"
	"cuewatch/internal/schedule"
	"cuewatch/internal/storage"
	"cuewatch/internal/storage/postgres"
	"cuewatch/internal/storage/sqlite"
	"cuewatch/internal/wake"
	"cuewatch/internal/web"
)

const (
	appName         = "cuewatch"
	retentionPeriod = 24 * time.Hour
	shutdownTimeout = 5 * time.Second
)

type App struct {
	cfg     *config.Config
	store   storage.Storage
	engine  *engine.Engine
	timers  *schedule.Timers
	battery collector.Collector
	kafka   *notify.Kafka
	web     *web.Server
	wake    alarm.WakeLock

	// --- Socket Handling ---
	socketPath string
	listener   *net.UnixListener

	ready   atomic.Bool
	started time.Time

	wg          conc.WaitGroup
	ctx         context.Context
	cancel      context.CancelFunc
	cleanupOnce sync.Once
}

func NewApp(cfg *config.Config) (*App, error) {
	ctx, cancel := context.WithCancel(context.Background())

	a := &App{
		cfg:        cfg,
		socketPath: cfg.SocketPath,
		timers:     schedule.NewTimers(),
		ctx:        ctx,
		cancel:     cancel,
	}

	store, err := openStore(ctx, cfg.Database)
	if err != nil {
		cancel()
		return nil, err
	}
	a.store = store

	zone, err := cfg.Engine.Location()
	if err != nil {
		zone = time.Local
	}
	notifier, alerter := a.buildNotifier()

	a.wake = wake.Noop{}
	if cfg.Alarm.WakeLock {
		lock, err := wake.NewLogind(appName)
		if err != nil {
			log.Printf("[WARN] Failed to connect to logind: %v. Alarms will not inhibit sleep.", err)
		} else {
			a.wake = lock
		}
	}

	deps := engine.Deps{
		Store:     store,
		Notifier:  notifier,
		Alerter:   alerter,
		WakeLock:  a.wake,
		Scheduler: a.timers,
	}
	if cfg.Battery.Enabled {
		col := power.NewSysfsCollector(afero.NewOsFs(), cfg.Battery.SysfsPath)
		a.battery = col
		deps.BatteryProbe = col.Read
	}

	a.engine = engine.New(deps, engine.Config{
		Zone: zone,
		Alarm: alarm.Config{
			MaxSnoozeCount: cfg.Alarm.MaxSnoozeCount,
			DefaultSnooze:  cfg.Alarm.DefaultSnooze(),
			StaleAfter:     cfg.Alarm.StaleAfter(),
		},
		SensorTimeout: cfg.Engine.SensorTimeout(),
		SensorMaxAge:  cfg.Engine.SensorMaxAge(),
		RetentionDays: cfg.Engine.EventRetentionDays,
	})

	if a.kafka != nil {
		k := a.kafka
		a.engine.OnAlarmEscalation(func(e alarm.Escalation) {
			pubCtx, pubCancel := context.WithTimeout(a.ctx, 5*time.Second)
			defer pubCancel()
			if err := k.PublishEscalation(pubCtx, e); err != nil {
				log.Printf("[WARN] Failed to publish escalation of reminder %d: %v", e.ReminderID, err)
			}
		})
	}

	if cfg.HTTP.Enabled {
		a.web = web.NewServer(a.engine, cfg.HTTP.Listen, cfg.HTTP.Token)
	}

	return a, nil
}

func openStore(ctx context.Context, cfg config.DatabaseConfig) (storage.Storage, error) {
	var store storage.Storage
	switch cfg.Driver {
	case "postgres":
		if cfg.URI == "" {
			return nil, errors.New("database.uri (or DATABASE_URI) is required for the postgres driver")
		}
		store = postgres.NewPostgresStore(cfg.URI)
	default:
		store = sqlite.NewSQLiteStore(cfg.Path)
	}
	if err := store.Init(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}
	log.Printf("[INFO] Using %s storage", cfg.Driver)
	return store, nil
}

// buildNotifier assembles the configured backends. The desktop backend
// doubles as the alerter; without a session bus alarms are only logged.
func (a *App) buildNotifier() (notify.Notifier, alarm.Alerter) {
	var (
		backends notify.Multi
		alerter  alarm.Alerter = notify.LogAlerter{}
	)
	for _, name := range a.cfg.Notify.Backends {
		switch name {
		case "log":
			backends = append(backends, notify.Log{})
		case "desktop":
			timeout := time.Duration(a.cfg.Notify.DesktopTimeoutSeconds) * time.Second
			d, err := notify.NewDesktop(appName, timeout)
			if err != nil {
				log.Printf("[WARN] Failed to initialize desktop notifications: %v. Desktop backend disabled.", err)
				continue
			}
			backends = append(backends, d)
			alerter = d
		case "kafka":
			if len(a.cfg.Notify.Kafka.Brokers) == 0 {
				log.Println("[WARN] kafka backend configured without brokers, skipping")
				continue
			}
			a.kafka = notify.NewKafka(a.cfg.Notify.Kafka.Brokers, a.cfg.Notify.Kafka.Topic)
			backends = append(backends, a.kafka)
		}
	}
	if len(backends) == 0 {
		backends = append(backends, notify.Log{})
	}
	return backends, alerter
}

// setupSocket checks for existing socket and creates the listener
func (a *App) setupSocket() error {
	if _, err := os.Stat(a.socketPath); err == nil {
		conn, err := net.DialTimeout("unix", a.socketPath, 1*time.Second)
		if err == nil {
			conn.Close()
			return fmt.Errorf("socket %s already active, another instance might be running", a.socketPath)
		}
		log.Printf("[INFO] Stale socket file found at %s, removing.", a.socketPath)
		if err := os.Remove(a.socketPath); err != nil {
			return fmt.Errorf("failed to remove stale socket file %s: %w", a.socketPath, err)
		}
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("error checking socket file %s: %w", a.socketPath, err)
	}

	addr, err := net.ResolveUnixAddr("unix", a.socketPath)
	if err != nil {
		return fmt.Errorf("failed to resolve unix addr %s: %w", a.socketPath, err)
	}
	listener, err := net.ListenUnix("unix", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on socket %s: %w", a.socketPath, err)
	}
	if err := os.Chmod(a.socketPath, 0600); err != nil {
		listener.Close()
		return fmt.Errorf("failed to set permissions on socket %s: %w", a.socketPath, err)
	}
	// cleanup removes the socket file, after the store is closed.
	listener.SetUnlinkOnClose(false)

	a.listener = listener
	log.Printf("[INFO] Listening for commands on %s", a.socketPath)
	return nil
}

// listenForCommands accepts connections and handles them
func (a *App) listenForCommands() {
	defer log.Println("[DEBUG] Socket command listener stopped.")

	if a.listener == nil {
		log.Println("[ERROR] Socket listener not initialized.")
		return
	}

	for {
		conn, err := a.listener.AcceptUnix()
		if err != nil {
			select {
			case <-a.ctx.Done():
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			log.Printf("[WARN] Failed to accept connection: %v", err)
			time.Sleep(100 * time.Millisecond)
			continue
		}
		a.wg.Go(func() { a.handleConnection(conn) })
	}
}

// handleConnection reads command, processes it, and sends response
func (a *App) handleConnection(conn *net.UnixConn) {
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	decoder := json.NewDecoder(conn)
	encoder := json.NewEncoder(conn)

	var cmd ipc.Command
	if err := decoder.Decode(&cmd); err != nil {
		if err != io.EOF {
			log.Printf("[WARN] Failed to decode command: %v", err)
		}
		_ = encoder.Encode(ipc.Response{Success: false, Message: "Failed to decode command: " + err.Error()})
		return
	}

	conn.SetReadDeadline(time.Time{})
	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))

	log.Printf("[DEBUG] Received command: %s", cmd.Name)
	response := a.processCommand(a.ctx, cmd)

	if err := encoder.Encode(response); err != nil {
		log.Printf("[WARN] Failed to send response: %v", err)
	}
}

func (a *App) Run() error {
	defer a.cleanup()

	log.Println("[INFO] Starting cuewatch daemon...")
	log.Printf("[DEBUG] Config: %+v", a.cfg)
	a.timers.Start()

	if err := a.setupSocket(); err != nil {
		return fmt.Errorf("failed to set up socket: %w", err)
	}

	a.handleSignals()

	if err := a.engine.Start(a.ctx); err != nil {
		log.Printf("[WARN] Engine start-up reported errors: %v", err)
	}
	a.started = time.Now()
	a.ready.Store(true)

	a.wg.Go(a.listenForCommands)
	a.wg.Go(a.pollLoop)
	a.wg.Go(a.retentionLoop)

	if a.battery != nil {
		samples := make(chan reminder.Battery, 4)
		a.wg.Go(func() {
			err := a.battery.Start(a.ctx, a.cfg.Battery.Interval(), samples)
			if err != nil && !errors.Is(err, context.Canceled) {
				log.Printf("[ERROR] Battery collector error: %v", err)
			}
		})
		a.wg.Go(func() { a.batteryLoop(samples) })
	} else {
		log.Println("[INFO] Battery monitoring: DISABLED")
	}

	if a.web != nil {
		a.wg.Go(func() {
			if err := a.web.ListenAndServe(); err != nil {
				log.Printf("[ERROR] %v", err)
			}
		})
	}

	log.Println("[INFO] cuewatch daemon running. Send commands via cuewatch-cli or socket.")
	<-a.ctx.Done()

	log.Println("[INFO] Shutdown signal received, waiting for components...")
	a.ready.Store(false)
	a.stopComponents()

	waitChan := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(waitChan)
	}()

	select {
	case <-waitChan:
		log.Println("[DEBUG] All application goroutines finished.")
	case <-time.After(shutdownTimeout):
		log.Println("[WARN] Timeout waiting for application goroutines to stop.")
	}

	log.Println("[INFO] cuewatch finished.")
	return nil
}

// pollLoop drives the wall-clock evaluation, starting with an immediate tick.
func (a *App) pollLoop() {
	defer log.Println("[DEBUG] Poll loop stopped.")
	interval := a.cfg.Engine.PollInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	a.evaluate()
	for {
		select {
		case <-a.ctx.Done():
			return
		case <-ticker.C:
			a.evaluate()
		}
	}
}

func (a *App) evaluate() {
	rep, err := a.engine.EvaluateNow(a.ctx)
	if err != nil && a.ctx.Err() == nil {
		log.Printf("[WARN] Poll tick reported errors: %v", err)
	}
	if rep.Fired > 0 {
		log.Printf("[INFO] Poll tick fired %d of %d reminders", rep.Fired, rep.Evaluated)
	}
}

func (a *App) retentionLoop() {
	ticker := time.NewTicker(retentionPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-a.ctx.Done():
			return
		case <-ticker.C:
			if _, err := a.engine.Purge(a.ctx); err != nil {
				log.Printf("[WARN] %v", err)
			}
		}
	}
}

func (a *App) batteryLoop(samples <-chan reminder.Battery) {
	for {
		select {
		case <-a.ctx.Done():
			return
		case b := <-samples:
			log.Printf("[DEBUG] Battery at %d%% (charging: %t)", b.Level, b.Charging)
			if _, err := a.engine.HandleBattery(a.ctx, b); err != nil && a.ctx.Err() == nil {
				log.Printf("[WARN] Battery tick reported errors: %v", err)
			}
		}
	}
}

func (a *App) handleSignals() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case sig := <-sigChan:
			log.Printf("[INFO] Received signal: %v. Initiating shutdown...", sig)
			a.cancel()
		case <-a.ctx.Done():
		}
		signal.Stop(sigChan)
	}()
}

// stopComponents unblocks every goroutine of the wait group.
func (a *App) stopComponents() {
	if a.listener != nil {
		if err := a.listener.Close(); err != nil {
			log.Printf("[WARN] Error closing socket listener: %v", err)
		}
	}
	if a.web != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := a.web.Shutdown(ctx); err != nil {
			log.Printf("[WARN] Error shutting down web server: %v", err)
		}
	}
	if a.battery != nil {
		_ = a.battery.Stop()
	}
}

func (a *App) cleanup() {
	a.cleanupOnce.Do(a.release)
}

func (a *App) release() {
	log.Println("[DEBUG] Running cleanup...")
	a.cancel()
	a.timers.Stop()

	var errs error
	if err := a.wake.Release(); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("failed to release wake lock: %w", err))
	}
	if a.kafka != nil {
		errs = multierr.Append(errs, a.kafka.Close())
	}
	if a.store != nil {
		errs = multierr.Append(errs, a.store.Close())
	}
	if _, err := os.Stat(a.socketPath); err == nil && a.listener != nil {
		log.Printf("[DEBUG] Removing socket file: %s", a.socketPath)
		errs = multierr.Append(errs, os.Remove(a.socketPath))
	}
	for _, err := range multierr.Errors(errs) {
		log.Printf("[WARN] Cleanup: %v", err)
	}
	log.Println("[DEBUG] Cleanup finished.")
}
