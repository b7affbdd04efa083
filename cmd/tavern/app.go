package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"tavern/internal/client"
	"tavern/internal/driver/matrix"
	"tavern/internal/kernel"
	"tavern/internal/store"
	"tavern/pkg/tavern"
)

const (
	envConfigFile           = "TAVERN_CONFIG_FILE"
	defaultConfigFilePath   = "config/tavern.json"
	alternateConfigFilePath = "bin/config/tavern.json"

	defaultDatabasePath       = "data/tavern.db"
	defaultPageLimit          = 100
	defaultRateLimitWait      = 5 * time.Second
	defaultSubscriptionBuffer = 256
	defaultHandlerTimeout     = 3 * time.Second
	defaultShutdownTimeout    = 10 * time.Second
)

type appConfig struct {
	logLevel slog.Level

	homeserver   string
	databasePath string

	pageLimit     int
	rateLimitWait time.Duration

	subscriptionBuffer int
	handlerTimeout     time.Duration
	shutdownTimeout    time.Duration
}

type fileConfig struct {
	LogLevel     string            `json:"log_level"`
	Homeserver   string            `json:"homeserver"`
	DatabasePath string            `json:"database_path"`
	History      fileHistoryConfig `json:"history"`
	Bus          fileBusConfig     `json:"bus"`
}

type fileHistoryConfig struct {
	PageLimit     *int   `json:"page_limit"`
	RateLimitWait string `json:"rate_limit_wait"`
}

type fileBusConfig struct {
	SubscriptionBuffer *int   `json:"subscription_buffer"`
	HandlerTimeout     string `json:"handler_timeout"`
	ShutdownTimeout    string `json:"shutdown_timeout"`
}

func run() error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.logLevel}))

	sqliteStore, err := store.OpenSQLite(cfg.databasePath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() {
		if closeErr := sqliteStore.Close(); closeErr != nil {
			logger.Warn("close store failed", "error", closeErr)
		}
	}()

	cache := store.NewCache(sqliteStore, logger)
	if err := cache.Rehydrate(context.Background()); err != nil {
		logger.Warn("cache rehydrate failed, starting empty", "error", err)
	}

	bus := kernel.NewEventBus(cfg.subscriptionBuffer, 1, cfg.handlerTimeout,
		func(ctx context.Context, scope string, err error) {
			logger.Error("bus async failure", "scope", scope, "error", err)
		})

	protocol, err := matrix.NewDriver(cfg.homeserver, logger)
	if err != nil {
		return fmt.Errorf("build matrix driver: %w", err)
	}

	chatClient, err := client.New(client.Config{
		Protocol:      protocol,
		Bus:           bus,
		Cache:         cache,
		Sessions:      sqliteStore,
		Logger:        logger,
		PageLimit:     cfg.pageLimit,
		RateLimitWait: cfg.rateLimitWait,
	})
	if err != nil {
		return fmt.Errorf("build client: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	console := newConsole(os.Stdout)
	subscription, err := bus.Subscribe(ctx, tavern.InterestSet{}, tavern.SubscriptionSpec{
		Name:         "console",
		Buffer:       cfg.subscriptionBuffer,
		Workers:      1,
		Backpressure: tavern.BackpressureBlock,
	}, console.Render)
	if err != nil {
		return fmt.Errorf("subscribe console: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), cfg.shutdownTimeout)
		defer cancel()
		if closeErr := subscription.Close(closeCtx); closeErr != nil && !errors.Is(closeErr, tavern.ErrSubscriptionClosed) {
			logger.Warn("close console subscription failed", "error", closeErr)
		}
		if closeErr := bus.Close(closeCtx); closeErr != nil {
			logger.Warn("close bus failed", "error", closeErr)
		}
	}()

	if resumed, resumeErr := chatClient.AutoResume(ctx); resumeErr != nil {
		logger.Warn("auto resume failed", "error", resumeErr)
	} else if resumed {
		console.Notice("session resumed; use /join to switch rooms")
	} else {
		console.Notice("not logged in; use /login <username> <password>")
	}

	syncDone := make(chan error, 1)
	go func() {
		syncDone <- chatClient.Run(ctx)
	}()

	if err := commandLoop(ctx, chatClient, console); err != nil {
		return err
	}
	stop()

	if err := <-syncDone; err != nil {
		logger.Warn("sync loop ended with error", "error", err)
	}

	return nil
}

// commandLoop reads input lines and dispatches them until EOF or shutdown.
//
// The loop owns the channel-hint state: /chat and /game switch which semantic
// channel plain text is sent on.
func commandLoop(ctx context.Context, chatClient *client.Client, console *console) error {
	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- scanner.Err()
	}()

	hint := tavern.MessageTypeChat
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, open := <-lines:
			if !open {
				select {
				case err := <-scanErr:
					if err != nil {
						return fmt.Errorf("read input: %w", err)
					}
				default:
				}
				return nil
			}

			trimmed := strings.TrimSpace(line)
			switch trimmed {
			case "":
				continue
			case "/quit", "/exit":
				return nil
			case "/chat":
				hint = tavern.MessageTypeChat
				console.Notice("plain text now sends as chat")
				continue
			case "/game":
				hint = tavern.MessageTypeGame
				console.Notice("plain text now sends as game")
				continue
			}

			result := chatClient.ProcessCommand(ctx, line, hint)
			if result.Err != nil {
				console.Notice(fmt.Sprintf("error: %v", result.Err))
				continue
			}
			if result.Info != "" {
				console.Notice(result.Info)
			}
		}
	}
}

func loadConfig() (appConfig, error) {
	cfg := defaultAppConfig()
	configFile, err := resolveConfigFilePath()
	if err != nil {
		return appConfig{}, err
	}

	if err := applyConfigFile(&cfg, configFile); err != nil {
		return appConfig{}, err
	}
	if err := validateAppConfig(&cfg); err != nil {
		return appConfig{}, fmt.Errorf("validate config file %s: %w", configFile, err)
	}

	return cfg, nil
}

func resolveConfigFilePath() (string, error) {
	if configFile := strings.TrimSpace(os.Getenv(envConfigFile)); configFile != "" {
		return configFile, nil
	}

	candidates := []string{defaultConfigFilePath, alternateConfigFilePath}
	for _, candidate := range candidates {
		info, err := os.Stat(candidate)
		if err == nil {
			if info.IsDir() {
				return "", fmt.Errorf("config file %s is a directory", candidate)
			}
			return candidate, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("stat config file %s: %w", candidate, err)
		}
	}

	return "", fmt.Errorf(
		"config file not found; create %s or %s, or set %s",
		defaultConfigFilePath,
		alternateConfigFilePath,
		envConfigFile,
	)
}

func defaultAppConfig() appConfig {
	return appConfig{
		logLevel: slog.LevelInfo,

		databasePath: defaultDatabasePath,

		pageLimit:     defaultPageLimit,
		rateLimitWait: defaultRateLimitWait,

		subscriptionBuffer: defaultSubscriptionBuffer,
		handlerTimeout:     defaultHandlerTimeout,
		shutdownTimeout:    defaultShutdownTimeout,
	}
}

func applyConfigFile(cfg *appConfig, path string) error {
	if cfg == nil {
		return fmt.Errorf("apply config file: nil config")
	}
	if strings.TrimSpace(path) == "" {
		return fmt.Errorf("config file path is required")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}

	var parsed fileConfig
	if err := json.Unmarshal(data, &parsed); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	if rawLevel := strings.TrimSpace(parsed.LogLevel); rawLevel != "" {
		level, err := parseLogLevel(rawLevel)
		if err != nil {
			return fmt.Errorf("parse log_level: %w", err)
		}
		cfg.logLevel = level
	}

	cfg.homeserver = strings.TrimSpace(parsed.Homeserver)
	if databasePath := strings.TrimSpace(parsed.DatabasePath); databasePath != "" {
		cfg.databasePath = databasePath
	}

	if parsed.History.PageLimit != nil {
		if *parsed.History.PageLimit <= 0 {
			return fmt.Errorf("parse history.page_limit: must be > 0")
		}
		cfg.pageLimit = *parsed.History.PageLimit
	}
	if rawWait := strings.TrimSpace(parsed.History.RateLimitWait); rawWait != "" {
		wait, err := time.ParseDuration(rawWait)
		if err != nil {
			return fmt.Errorf("parse history.rate_limit_wait: %w", err)
		}
		if wait <= 0 {
			return fmt.Errorf("parse history.rate_limit_wait: must be > 0")
		}
		cfg.rateLimitWait = wait
	}

	if parsed.Bus.SubscriptionBuffer != nil {
		if *parsed.Bus.SubscriptionBuffer <= 0 {
			return fmt.Errorf("parse bus.subscription_buffer: must be > 0")
		}
		cfg.subscriptionBuffer = *parsed.Bus.SubscriptionBuffer
	}
	if rawTimeout := strings.TrimSpace(parsed.Bus.HandlerTimeout); rawTimeout != "" {
		timeout, err := time.ParseDuration(rawTimeout)
		if err != nil {
			return fmt.Errorf("parse bus.handler_timeout: %w", err)
		}
		if timeout <= 0 {
			return fmt.Errorf("parse bus.handler_timeout: must be > 0")
		}
		cfg.handlerTimeout = timeout
	}
	if rawTimeout := strings.TrimSpace(parsed.Bus.ShutdownTimeout); rawTimeout != "" {
		timeout, err := time.ParseDuration(rawTimeout)
		if err != nil {
			return fmt.Errorf("parse bus.shutdown_timeout: %w", err)
		}
		if timeout <= 0 {
			return fmt.Errorf("parse bus.shutdown_timeout: must be > 0")
		}
		cfg.shutdownTimeout = timeout
	}

	return nil
}

func validateAppConfig(cfg *appConfig) error {
	if cfg == nil {
		return fmt.Errorf("nil config")
	}
	if cfg.homeserver == "" {
		return fmt.Errorf("homeserver is required")
	}
	if !strings.HasPrefix(cfg.homeserver, "http://") && !strings.HasPrefix(cfg.homeserver, "https://") {
		return fmt.Errorf("homeserver must be an http(s) URL")
	}
	if strings.TrimSpace(cfg.databasePath) == "" {
		return fmt.Errorf("database_path is required")
	}

	return nil
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unsupported level %q", raw)
	}
}
