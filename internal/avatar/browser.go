package avatar

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/chromedp/cdproto/browser"
	"github.com/chromedp/chromedp"
)

const (
	windowWidth  = 1366
	windowHeight = 768

	saveSettle  = 3 * time.Second
	stepTimeout = 30 * time.Second
)

// BrowserOptions configures the Chromium instance behind a cycler.
type BrowserOptions struct {
	Executable  string
	ProfilesDir string
	AppURL      string
	Headless    bool
	DebugPort   int
}

// Driver performs the avatar change in a logged-in app session.
type Driver interface {
	Open(ctx context.Context) error
	ChangeAvatar(ctx context.Context, file string) error
	Close() error
}

// ChromeDriver drives a Chromium profile with chromedp. The profile must
// already be logged in.
type ChromeDriver struct {
	account string
	options BrowserOptions
	logger  *slog.Logger

	allocCancel context.CancelFunc
	tabCancel   context.CancelFunc
	tab         context.Context
}

// NewChromeDriver returns a driver for the account's profile.
func NewChromeDriver(account string, options BrowserOptions, logger *slog.Logger) *ChromeDriver {
	if logger == nil {
		logger = slog.Default()
	}
	return &ChromeDriver{account: account, options: options, logger: logger}
}

func (d *ChromeDriver) allocatorOptions() []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	opts = append(opts,
		chromedp.UserDataDir(ProfileDir(d.options.ProfilesDir, d.account)),
		chromedp.NoSandbox,
		chromedp.WindowSize(windowWidth, windowHeight),
		chromedp.Flag("headless", d.options.Headless),
	)
	if d.options.Executable != "" {
		opts = append(opts, chromedp.ExecPath(d.options.Executable))
	}
	if d.options.DebugPort > 0 {
		opts = append(opts, chromedp.Flag("remote-debugging-port", strconv.Itoa(d.options.DebugPort)))
	}
	return opts
}

// Open launches the browser and loads the app. The browser lives until
// Close, independent of ctx.
func (d *ChromeDriver) Open(ctx context.Context) error {
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), d.allocatorOptions()...)
	tab, tabCancel := chromedp.NewContext(allocCtx,
		chromedp.WithLogf(func(format string, args ...any) {
			d.logger.Debug(fmt.Sprintf(format, args...))
		}),
	)
	d.allocCancel = allocCancel
	d.tabCancel = tabCancel
	d.tab = tab

	stop := context.AfterFunc(ctx, tabCancel)
	defer stop()

	var product string
	err := chromedp.Run(tab,
		chromedp.ActionFunc(func(ctx context.Context) error {
			_, p, _, _, _, err := browser.GetVersion().Do(ctx)
			product = p
			return err
		}),
		chromedp.EmulateViewport(windowWidth, windowHeight),
		chromedp.Navigate(d.options.AppURL),
	)
	if err != nil {
		_ = d.Close()
		return fmt.Errorf("open %s: %w", d.options.AppURL, err)
	}
	d.logger.Info("browser session opened", "browser", product, "debug_port", d.options.DebugPort)
	return nil
}

// ChangeAvatar walks the profile settings UI and uploads file.
func (d *ChromeDriver) ChangeAvatar(ctx context.Context, file string) error {
	if d.tab == nil {
		return fmt.Errorf("browser is not open")
	}
	runCtx, cancel := context.WithTimeout(d.tab, 4*stepTimeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	return chromedp.Run(runCtx,
		chromedp.Click(`button[aria-label="User Settings"]`, chromedp.ByQuery),
		chromedp.Click(textXPath("edit user profile"), chromedp.BySearch),
		chromedp.Click(textXPath("change avatar"), chromedp.BySearch),
		chromedp.SetUploadFiles(`input.file-input`, []string{file}, chromedp.ByQuery),
		chromedp.Click(textXPath("apply"), chromedp.BySearch),
		chromedp.Click(textXPath("save changes"), chromedp.BySearch),
		chromedp.Sleep(saveSettle),
		chromedp.Click(`div[aria-label="Close"]`, chromedp.ByQuery),
	)
}

// Close shuts the browser down.
func (d *ChromeDriver) Close() error {
	if d.tabCancel != nil {
		d.tabCancel()
		d.tabCancel = nil
	}
	if d.allocCancel != nil {
		d.allocCancel()
		d.allocCancel = nil
	}
	d.tab = nil
	return nil
}

// textXPath matches the innermost element whose own text contains label,
// ignoring case.
func textXPath(label string) string {
	const upper = "ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	return fmt.Sprintf(
		`//*[text()[contains(translate(normalize-space(.), '%s', '%s'), '%s')]]`,
		upper, strings.ToLower(upper), strings.ToLower(label),
	)
}
