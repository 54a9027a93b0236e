package main

import (
	"context"
	"crypto/sha256"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/common-nighthawk/go-figure"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/splitpal/go-session-client/api"
	"github.com/splitpal/go-session-client/authstate"
	"github.com/splitpal/go-session-client/cache"
	"github.com/splitpal/go-session-client/internal/config"
	"github.com/splitpal/go-session-client/kvstore"
	"github.com/splitpal/go-session-client/refresh"
	"github.com/splitpal/go-session-client/scheduler"
	"github.com/splitpal/go-session-client/session"
	"github.com/splitpal/go-session-client/token"
)

func main() {
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	if err := run(log); err != nil {
		log.Fatal().Err(err).Msg("error running session client")
	}
	log.Info().Msg("session client stopped")
}

func run(log zerolog.Logger) (returnError error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("recovered from panic")
			debug.PrintStack()
			returnError = errors.New("panic recovered")
		}
	}()

	c := config.New()
	displayAppname(c.GetAppName())

	// The file store key stands in for the platform keychain entry.
	storageKey := sha256.Sum256([]byte(config.GetEnv("STORAGE_KEY", "dev-only-storage-key")))
	kv, err := kvstore.NewFileStore(c.GetDataFolder(), storageKey[:])
	if err != nil {
		return errors.Wrap(err, "kvstore.NewFileStore")
	}

	store := session.NewStore(kv, session.WithLogger(log))
	inspector := token.NewInspector()
	client := api.NewClient(c.GetAPIBaseURL(),
		api.WithLogger(log),
		api.WithHTTPClient(&http.Client{Timeout: c.GetRequestTimeout()}),
	)

	coordinator, err := refresh.NewCoordinator(store, client,
		refresh.WithLogger(log),
		refresh.WithSessionExpiredHandler(func() {
			log.Warn().Msg("session expired, sign-in required")
		}),
	)
	if err != nil {
		return errors.Wrap(err, "refresh.NewCoordinator")
	}

	memory := cache.NewMemory()
	machine, err := authstate.NewMachine(store, inspector, coordinator, client,
		authstate.WithLogger(log),
		authstate.WithRevalidationThrottle(c.GetRevalidationThrottle()),
		authstate.WithLogoutPollInterval(c.GetLogoutPollInterval()),
		authstate.WithCacheInvalidation(memory, "groups", "userBalances"),
	)
	if err != nil {
		return errors.Wrap(err, "authstate.NewMachine")
	}
	machine.OnChange(func(state authstate.State) {
		log.Info().Str("state", string(state)).Msg("auth state")
	})

	refresher, err := scheduler.NewBackgroundRefresher(store, inspector, coordinator, scheduler.WithLogger(log))
	if err != nil {
		return errors.Wrap(err, "scheduler.NewBackgroundRefresher")
	}
	tasks := scheduler.NewTickerScheduler()
	if err := refresher.Register(tasks); err != nil {
		return errors.Wrap(err, "refresher.Register")
	}
	defer func() { _ = tasks.Unregister(scheduler.TaskName) }()

	machine.Initialize(context.Background())
	defer machine.Close()

	waitForStopSignal()
	return nil
}

func waitForStopSignal() {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
}

func displayAppname(appname string) {
	myFigure := figure.NewFigure(appname, "cybermedium", true)
	myFigure.Print()
	fmt.Println()
}
