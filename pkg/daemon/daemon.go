package daemon

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/dgraph-io/badger"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"

	"github.com/wulf7/utouch/internal/configsvc"
	"github.com/wulf7/utouch/internal/hidsvc"
	"github.com/wulf7/utouch/internal/hidsvc/linux"
	"github.com/wulf7/utouch/internal/touchsvc"
)

type Daemon struct {
	config Config
	log    *zap.Logger

	db        *badger.DB
	configSvc *configsvc.Service
	hidSvc    *hidsvc.Service
	touchSvc  *touchsvc.Service
}

func NewLogger() (*zap.Logger, error) {
	loggerConfig := zap.NewDevelopmentConfig()
	loggerConfig.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05.000000000")
	loggerConfig.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	return loggerConfig.Build()
}

func New(config Config) (*Daemon, error) {
	logger, err := NewLogger()
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	dbOptions := badger.DefaultOptions(filepath.Join(config.DataDir, "db"))
	dbOptions.Logger = &badgerLogger{l: logger.Named("badger")}

	db, err := badger.Open(dbOptions)
	// TODO: run GC on db
	if err != nil {
		return nil, fmt.Errorf("failed to open badger db: %w", err)
	}

	configSvc := configsvc.New(logger.Named("config"))
	linuxHid := linux.NewBackend(logger.Named("hid.linux"))
	hidSvc := hidsvc.New(db, logger.Named("hid"), time.Now, hidsvc.WithBackend("linux", linuxHid))
	touchSvc := touchsvc.New(logger.Named("touch"), configSvc, hidSvc, config.DeviceConfig)

	return &Daemon{
		config:    config,
		log:       logger,
		db:        db,
		configSvc: configSvc,
		hidSvc:    hidSvc,
		touchSvc:  touchSvc,
	}, nil
}

func (d *Daemon) Close() error {
	return d.db.Close()
}

type badgerLogger struct {
	l *zap.Logger
}

func (l badgerLogger) Errorf(msg string, args ...any) {
	l.l.Error(fmt.Sprintf(msg, args...))
}

func (l badgerLogger) Warningf(msg string, args ...any) {
	l.l.Warn(fmt.Sprintf(msg, args...))
}

func (l badgerLogger) Infof(msg string, args ...any) {
	l.l.Info(fmt.Sprintf(msg, args...))
}

func (l badgerLogger) Debugf(msg string, args ...any) {
	l.l.Debug(fmt.Sprintf(msg, args...))
}

// Run starts the daemon and blocks until the context is cancelled.
// Startup will fail if the configuration is not valid. In case the
// device rules become invalid after startup, the daemon keeps running
// with the last valid rules.
func (d *Daemon) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return d.configSvc.Start(groupCtx)
	})
	group.Go(func() error {
		return d.hidSvc.Start(groupCtx)
	})
	group.Go(func() error {
		return d.touchSvc.Start(groupCtx)
	})

	err := group.Wait()
	if err != nil {
		return fmt.Errorf("daemon failed: %w", err)
	}
	return nil
}

func (d *Daemon) HID() *hidsvc.Service {
	return d.hidSvc
}

func (d *Daemon) Touch() *touchsvc.Service {
	return d.touchSvc
}
