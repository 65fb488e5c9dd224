// Package avatar cycles an account's profile picture on a schedule by
// driving the web app in a headless browser. It runs beside the gateway
// client for the same account and shares nothing with it but the name.
package avatar

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/MatthewCash/discord-autoclient/internal/observability"
)

// Config configures one account's avatar cycler.
type Config struct {
	Account   string
	Cron      string
	Directory string

	// Driver performs the UI work. Defaults to a ChromeDriver built from Browser.
	Driver  Driver
	Browser BrowserOptions

	Logger  *slog.Logger
	Metrics *observability.Metrics
	Tracer  *observability.Tracer
}

// Cycler changes an account's avatar on every cron tick.
type Cycler struct {
	config   Config
	schedule cron.Schedule
	picker   *Picker
	logger   *slog.Logger

	// rotateMu serializes rotations; the browser has one tab.
	rotateMu sync.Mutex
}

// New validates the schedule and directory settings.
func New(config Config) (*Cycler, error) {
	if config.Account == "" {
		return nil, fmt.Errorf("account name is required")
	}
	if config.Directory == "" {
		return nil, fmt.Errorf("avatar directory is required")
	}
	schedule, err := ParseSchedule(config.Cron)
	if err != nil {
		return nil, err
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("account", config.Account, "component", "avatar")
	if config.Driver == nil {
		config.Driver = NewChromeDriver(config.Account, config.Browser, logger)
	}
	return &Cycler{
		config:   config,
		schedule: schedule,
		picker:   NewPicker(config.Directory),
		logger:   logger,
	}, nil
}

// Run opens the browser and rotates the avatar on schedule until ctx ends.
// A failed rotation is logged and retried at the next tick.
func (c *Cycler) Run(ctx context.Context) error {
	if err := c.config.Driver.Open(ctx); err != nil {
		return err
	}
	defer c.config.Driver.Close()

	scheduler := cron.New(
		cron.WithParser(cronParser),
		cron.WithLogger(cronLogger{logger: c.logger}),
		cron.WithChain(
			cron.Recover(cronLogger{logger: c.logger}),
			cron.SkipIfStillRunning(cronLogger{logger: c.logger}),
		),
	)
	scheduler.Schedule(c.schedule, cron.FuncJob(func() { _ = c.Rotate(ctx) }))
	scheduler.Start()
	c.logger.Info("avatar cycling scheduled", "cron", c.config.Cron, "directory", c.config.Directory)

	<-ctx.Done()
	<-scheduler.Stop().Done()
	return ctx.Err()
}

// Rotate picks the next avatar and uploads it.
func (c *Cycler) Rotate(ctx context.Context) error {
	c.rotateMu.Lock()
	defer c.rotateMu.Unlock()

	file, err := c.picker.Next()
	if err != nil {
		c.config.Metrics.AvatarRotated(c.config.Account, err)
		c.logger.Error("no avatar to apply", "error", err)
		return err
	}

	ctx, span := c.config.Tracer.TraceAvatarRotation(ctx, c.config.Account, file)
	defer span.End()

	c.logger.Info("cycling avatar", "file", file)
	err = c.config.Driver.ChangeAvatar(ctx, file)
	observability.RecordError(span, err)
	c.config.Metrics.AvatarRotated(c.config.Account, err)
	if err != nil {
		c.logger.Error("avatar change failed", "file", file, "error", err)
		return err
	}
	return nil
}
