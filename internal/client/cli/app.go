package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/dmitrijs2005/gophsync/internal/client/config"
	"github.com/dmitrijs2005/gophsync/internal/client/engine"
	"github.com/dmitrijs2005/gophsync/internal/client/feed"
	"github.com/dmitrijs2005/gophsync/internal/client/queue"
	"github.com/dmitrijs2005/gophsync/internal/client/remote"
	"github.com/dmitrijs2005/gophsync/internal/client/repositories"
	"github.com/dmitrijs2005/gophsync/internal/cryptox"
	"github.com/dmitrijs2005/gophsync/internal/logging"
	"github.com/dmitrijs2005/gophsync/internal/models"
)

type Mode string

const (
	ModeOffline Mode = "offline"
	ModeOnline  Mode = "online"
)

// syncer is the part of the engine the commands use.
type syncer interface {
	GetSettings(ctx context.Context, userID string) (models.UserSettings, error)
	UpdateSettings(ctx context.Context, userID string, patch models.Fields) (*models.QueueItem, error)
	Flush(ctx context.Context, userID string) error
	Refresh(ctx context.Context, userID string) (models.UserSettings, error)
	Status(ctx context.Context, userID string) (engine.Status, error)
	ListUnresolvedConflicts(ctx context.Context, userID string) ([]models.ConflictRecord, error)
	ResolveConflict(ctx context.Context, conflictID string, chosen models.Fields) error
}

// admin covers the server calls that are not part of syncing.
type admin interface {
	Ping(ctx context.Context) error
	ListDevices(ctx context.Context, userID string) ([]models.Device, error)
	RevokeDevice(ctx context.Context, userID, deviceID string) (models.Device, error)
	ExportSettings(ctx context.Context, userID string) (remote.Export, error)
}

type App struct {
	config   *config.Config
	engine   *engine.Engine
	sync     syncer
	admin    admin
	userID   string
	deviceID string
	out      io.Writer
	closers  []func() error

	mu   sync.Mutex
	mode Mode
}

func NewApp(ctx context.Context, c *config.Config) (*App, error) {
	if c.UserID == "" {
		return nil, fmt.Errorf("user id is required (-u)")
	}

	log, closeLog, err := newLogger(c.LogFile)
	if err != nil {
		return nil, err
	}

	repos, err := repositories.Open(ctx, c.DataFile)
	if err != nil {
		_ = closeLog()
		return nil, err
	}

	client, err := remote.New(c.ServerEndpointAddr, c.AccessToken)
	if err != nil {
		_ = repos.Close()
		_ = closeLog()
		return nil, err
	}

	var store engine.RemoteStore = client
	if c.Encrypt {
		passphrase, err := GetPassword(os.Stdout)
		if err != nil {
			_ = client.Close()
			_ = repos.Close()
			_ = closeLog()
			return nil, err
		}
		cipher, err := cryptox.NewFieldCipher(cryptox.DeriveKey(passphrase, []byte(c.UserID)))
		clear(passphrase)
		if err != nil {
			_ = client.Close()
			_ = repos.Close()
			_ = closeLog()
			return nil, err
		}
		store = remote.NewEncryptingStore(client, cipher)
	}

	cfg := engine.DefaultConfig()
	cfg.DeviceName = c.DeviceName
	cfg.CacheTTL = c.CacheTTL
	cfg.ClockSkew = c.ClockSkew
	cfg.RemoteTimeout = c.RemoteTimeout
	cfg.Retry = queue.DefaultRetryPolicy()
	cfg.Feed = feed.DefaultConfig()
	cfg.Feed.PollInterval = c.PollInterval

	e := engine.New(store, repos, cfg, engine.WithLogger(log))

	return &App{
		config:  c,
		engine:  e,
		sync:    e,
		admin:   client,
		userID:  c.UserID,
		out:     os.Stdout,
		closers: []func() error{client.Close, repos.Close, closeLog},
	}, nil
}

func newLogger(path string) (logging.Logger, func() error, error) {
	if path == "" {
		return logging.Nop(), func() error { return nil }, nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file: %w", err)
	}
	return logging.NewJSONLogger(f, slog.LevelDebug), f.Close, nil
}

func (a *App) setMode(mode Mode) {
	a.mu.Lock()
	changed := a.mode != mode
	a.mode = mode
	a.mu.Unlock()
	if changed {
		fmt.Fprintf(a.out, "Switched to %s mode\n", mode)
	}
}

func (a *App) getStatus() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.mode == "" {
		return a.userID
	}
	return fmt.Sprintf("%s %s", a.userID, a.mode)
}

// Run starts syncing and blocks in the REPL until the user exits or ctx is
// done.
func (a *App) Run(ctx context.Context) error {
	defer a.close()

	if err := a.engine.Start(ctx, a.userID); err != nil {
		return err
	}
	a.deviceID = a.engine.DeviceID()
	a.watchEngine()

	watchCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go a.StartOnlineStatusWatcher(watchCtx, a.config.OnlineCheckInterval)

	fmt.Fprintf(a.out, "Settings sync for %s on device %s (type 'help' for commands)\n", a.userID, a.deviceID)
	runREPL(ctx, a, a.getStatus, bufio.NewScanner(os.Stdin))
	return nil
}

func (a *App) watchEngine() {
	a.engine.OnSettingsChanged(a.userID, func(s models.UserSettings) {
		if s.UpdatedByDevice != a.deviceID {
			fmt.Fprintf(a.out, "\nsettings changed on %s (version %d)\n", s.UpdatedByDevice, s.Version)
		}
	})
	a.engine.OnConflict(func(rec models.ConflictRecord) {
		fmt.Fprintf(a.out, "\nconflict %s on %v, use 'resolve'\n", rec.ID, rec.Fields)
	})
	a.engine.OnDeliveryFailure(func(_ string, err *queue.TerminalError) {
		fmt.Fprintf(a.out, "\nwrite %v was not delivered: %v\n", err.Item.Patch, err.Err)
	})
	a.engine.OnFeedFailure(func(_ string, err error) {
		fmt.Fprintf(a.out, "\nremote changes stopped: %v\n", err)
	})
}

func (a *App) close() {
	a.engine.Close()
	for _, c := range a.closers {
		_ = c()
	}
}

// StartOnlineStatusWatcher pings the server every interval until ctx is done.
func (a *App) StartOnlineStatusWatcher(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			err := a.admin.Ping(pingCtx)
			cancel()

			if err != nil {
				a.setMode(ModeOffline)
			} else {
				a.setMode(ModeOnline)
			}

		case <-ctx.Done():
			return
		}
	}
}
