package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime/debug"
	"time"

	"github.com/common-nighthawk/go-figure"
	"github.com/jrsteele09/go-session-guard/activity"
	"github.com/jrsteele09/go-session-guard/gateway"
	"github.com/jrsteele09/go-session-guard/internal/config"
	"github.com/jrsteele09/go-session-guard/internal/logging"
	"github.com/jrsteele09/go-session-guard/internal/metrics"
	"github.com/jrsteele09/go-session-guard/overlay"
	"github.com/jrsteele09/go-session-guard/session"
	"github.com/jrsteele09/go-session-guard/softlock"
	"github.com/jrsteele09/go-session-guard/stepup"
	"github.com/jrsteele09/go-session-guard/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
	"golang.org/x/oauth2"
)

const usage = `usage: sessionguard [flags] <command>

commands:
  status      show the soft lock state
  enable      turn soft lock on
  disable     turn soft lock off (refused while locked)
  lock        lock now
  background  simulate the app being backgrounded
  touch       record user activity
  unlock      unlock with --pin or --passcode
  logout      end the session and reset local state

flags:
`

type options struct {
	configPath string
	token      string
	pin        string
	passcode   string
	quiet      bool
	metrics    bool
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func run(args []string) (returnError error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Msgf("Recovered from panic: %v", r)
			debug.PrintStack()
			returnError = errors.New("panic recovered")
		}
	}()

	opts, command, err := parseFlags(args)
	if err != nil {
		return err
	}

	c, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}
	logging.New(c.GetLogLevel(), c.GetEnv())
	if !opts.quiet {
		displayAppname(c.GetAppName())
	}

	registry := prometheus.NewRegistry()
	metrics.Register(registry)

	g, err := newGuard(c, opts)
	if err != nil {
		return err
	}
	defer g.close()

	ctx, cancel := context.WithTimeout(context.Background(), c.GetRequestTimeout()+5*time.Second)
	defer cancel()
	if err := g.exec(ctx, command, opts); err != nil {
		return err
	}
	if opts.metrics {
		return printMetrics(registry)
	}
	return nil
}

func parseFlags(args []string) (options, string, error) {
	var opts options
	fs := pflag.NewFlagSet("sessionguard", pflag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		fs.PrintDefaults()
	}
	fs.StringVarP(&opts.configPath, "config", "c", config.GetEnv("SESSION_GUARD_CONFIG", ""), "config file (yaml or json)")
	fs.StringVar(&opts.token, "token", config.GetEnv("SESSION_GUARD_ACCESS_TOKEN", ""), "access token for backend calls")
	fs.StringVar(&opts.pin, "pin", "", "4-digit PIN for unlock")
	fs.StringVar(&opts.passcode, "passcode", "", "6-digit passcode for unlock")
	fs.BoolVarP(&opts.quiet, "quiet", "q", false, "do not print the banner")
	fs.BoolVar(&opts.metrics, "metrics", false, "print counters after the command")
	if err := fs.Parse(args); err != nil {
		return opts, "", err
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return opts, "", errors.New("exactly one command is required")
	}
	return opts, fs.Arg(0), nil
}

// guard is the wired subsystem.
type guard struct {
	store      storage.Store
	redis      *redis.Client
	dispatcher *activity.Dispatcher
	machine    *softlock.Machine
	session    *session.Client
	controller *overlay.Controller
	debounce   time.Duration
}

func newGuard(c config.Config, opts options) (*guard, error) {
	g := &guard{dispatcher: activity.NewDispatcher(), debounce: c.GetActivityDebounce()}

	if err := g.openStore(c); err != nil {
		return nil, err
	}
	bucket := storage.NewBucket(g.store, c.GetStorageNamespace())

	gw, err := gateway.New(c.GetBaseURL(),
		gateway.WithRefreshPath(c.GetRefreshPath()),
		gateway.WithTimeout(c.GetRequestTimeout()),
		gateway.WithLogger(logging.Component("gateway")),
		gateway.WithNotifier(gateway.LogNotifier(logging.Component("notice"))),
	)
	if err != nil {
		return nil, err
	}
	if opts.token != "" {
		gw.SetToken(&oauth2.Token{AccessToken: opts.token, TokenType: "Bearer"})
	}

	monitor := activity.New(g.dispatcher,
		activity.WithDebounce(c.GetActivityDebounce()),
		activity.WithLogger(logging.Component("activity")),
	)
	g.machine, err = softlock.New(bucket.Sub("softlock"),
		softlock.WithPolicy(softlock.Policy{
			InactivityTimeout: c.GetInactivityTimeout(),
			MaxPinAttempts:    c.GetMaxPinAttempts(),
			BlockDuration:     c.GetPinBlockDuration(),
		}),
		softlock.WithActivityMonitor(monitor),
		softlock.WithLogger(logging.Component("softlock")),
	)
	if err != nil {
		return nil, err
	}
	if err := g.machine.Initialize(); err != nil {
		// The machine comes up locked; keep going so the user can unlock.
		log.Error().Err(err).Msg("restore soft lock state")
	}

	g.session, err = session.New(gw,
		session.WithCache(session.NewCache(bucket.Sub("session"), c.GetSessionCacheTTL(), nil)),
		session.WithLockState(g.machine),
		session.WithLogger(logging.Component("session")),
	)
	if err != nil {
		return nil, err
	}

	backend, err := stepup.NewHTTPBackend(gw)
	if err != nil {
		return nil, err
	}
	attempts := c.GetMaxVerifyAttempts()
	verifier, err := stepup.New(backend,
		stepup.WithLockout(stepup.KindPIN, stepup.LockoutPolicy{MaxAttempts: attempts, Duration: c.GetPINLockout()}),
		stepup.WithLockout(stepup.KindPasscode, stepup.LockoutPolicy{MaxAttempts: attempts, Duration: c.GetPasscodeLockout()}),
		stepup.WithLockout(stepup.KindBiometric, stepup.LockoutPolicy{MaxAttempts: attempts, Duration: c.GetBiometricLockout()}),
		stepup.WithLogger(logging.Component("stepup")),
	)
	if err != nil {
		return nil, err
	}
	credentialKind := stepup.KindPIN
	if opts.passcode != "" {
		credentialKind = stepup.KindPasscode
	}
	g.controller, err = overlay.New(g.machine, verifier,
		overlay.WithCredentialKind(credentialKind),
		overlay.WithLogger(logging.Component("overlay")),
	)
	if err != nil {
		return nil, err
	}
	return g, nil
}

func (g *guard) openStore(c config.Config) error {
	switch c.GetStorageDriver() {
	case "memory":
		g.store = storage.NewMemoryStore()
	case "redis":
		g.redis = redis.NewClient(&redis.Options{Addr: c.GetRedisAddr()})
		g.store = storage.NewRedisStore(g.redis, c.GetRedisTimeout())
	case "file", "":
		fs, err := storage.OpenFileStore(c.GetStoragePath())
		if err != nil {
			return err
		}
		g.store = fs
	default:
		return fmt.Errorf("unknown storage driver %q", c.GetStorageDriver())
	}
	return nil
}

func (g *guard) close() {
	g.controller.Close()
	g.machine.Cleanup()
	if g.redis != nil {
		_ = g.redis.Close()
	}
}

func (g *guard) exec(ctx context.Context, command string, opts options) error {
	if opts.token != "" && command != "logout" {
		if _, err := g.session.Current(ctx); err != nil {
			log.Warn().Err(err).Msg("could not load session")
		}
	}

	switch command {
	case "status":
	case "enable":
		if err := g.machine.SetEnabled(true); err != nil {
			return err
		}
	case "disable":
		if err := g.machine.SetEnabled(false); err != nil {
			return err
		}
	case "lock":
		if err := g.machine.Lock(); err != nil {
			return err
		}
	case "background":
		if err := g.machine.OnVisibilityHidden(); err != nil {
			return err
		}
	case "touch":
		g.dispatcher.Dispatch(activity.KeyDown)
		time.Sleep(g.debounce + 50*time.Millisecond)
	case "unlock":
		if err := g.unlock(ctx, opts); err != nil {
			return err
		}
	case "logout":
		if err := g.session.Logout(ctx); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown command %q", command)
	}
	printStatus(g.controller.View(), g.machine.Snapshot())
	return nil
}

func (g *guard) unlock(ctx context.Context, opts options) error {
	switch {
	case opts.pin != "":
		return g.controller.Unlock(ctx, stepup.PIN(opts.pin))
	case opts.passcode != "":
		return g.controller.Unlock(ctx, stepup.Passcode(opts.passcode))
	default:
		return errors.New("unlock needs --pin or --passcode")
	}
}

func printStatus(view overlay.View, snap softlock.Snapshot) {
	fmt.Printf("state:           %s\n", snap.State)
	fmt.Printf("enabled:         %t\n", snap.Enabled)
	fmt.Printf("authenticated:   %t\n", snap.Authenticated)
	fmt.Printf("failed attempts: %d\n", snap.FailedAttempts)
	if snap.Blocked {
		fmt.Printf("blocked for:     %s\n", view.BlockRemaining.Round(time.Second))
	}
	if !snap.LastUnlockTime.IsZero() {
		fmt.Printf("last unlock:     %s\n", snap.LastUnlockTime.Format(time.RFC3339))
	}
	if snap.TimeUntilLock > 0 {
		fmt.Printf("locks in:        %s\n", snap.TimeUntilLock.Round(time.Second))
	}
	if view.Error != "" {
		fmt.Printf("message:         %s\n", view.Error)
	}
}

func printMetrics(registry *prometheus.Registry) error {
	families, err := registry.Gather()
	if err != nil {
		return err
	}
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			labels := ""
			for _, l := range m.GetLabel() {
				labels += fmt.Sprintf(" %s=%s", l.GetName(), l.GetValue())
			}
			fmt.Printf("%s%s %g\n", mf.GetName(), labels, m.GetCounter().GetValue())
		}
	}
	return nil
}

func displayAppname(appname string) {
	myFigure := figure.NewFigure(appname, "cybermedium", true)
	myFigure.Print()
	fmt.Println()
}
