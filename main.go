package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"go-case-intake/intake"
	"go-case-intake/logging"
	redis "go-case-intake/redis"
	"go-case-intake/remote"
)

type Config struct {
	ServerConfig ServerConfig `json:"server_config"`

	VerificationUrl string       `json:"verification_url"`
	FormUrl         string       `json:"form_url"`
	RequestTimeout  Duration     `json:"request_timeout,omitempty"`
	TokenPolicy     PolicyConfig `json:"token_policy,omitempty"`

	CookieSecret        string   `json:"cookie_secret"`
	WorkflowIdleTimeout Duration `json:"workflow_idle_timeout,omitempty"`

	LogLevel  string `json:"log_level,omitempty"`
	LogFormat string `json:"log_format,omitempty"`

	StorageType         string                    `json:"storage_type"`
	RedisConfig         redis.RedisConfig         `json:"redis_config,omitempty"`
	RedisSentinelConfig redis.RedisSentinelConfig `json:"redis_sentinel_config,omitempty"`
}

type PolicyConfig struct {
	MaxAge      Duration `json:"max_age,omitempty"`
	RejectStale bool     `json:"reject_stale,omitempty"`
}

// Duration reads a time.Duration written as "30s", "1h" and so on.
type Duration time.Duration

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration must be a string like \"30s\": %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

const defaultIdleTimeout = 2 * time.Hour

func (c Config) requestTimeout() time.Duration {
	if c.RequestTimeout <= 0 {
		return remote.DefaultTimeout
	}
	return time.Duration(c.RequestTimeout)
}

func (c Config) tokenPolicy() intake.TokenPolicy {
	return intake.TokenPolicy{
		MaxAge:      time.Duration(c.TokenPolicy.MaxAge),
		RejectStale: c.TokenPolicy.RejectStale,
	}
}

func (c Config) validate() error {
	if c.VerificationUrl == "" {
		return errors.New("verification_url is required")
	}
	if c.FormUrl == "" {
		return errors.New("form_url is required")
	}
	return nil
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:          "intake",
		Short:        "Health worker case intake",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "Path for the config.json to use")
	_ = root.MarkPersistentFlagRequired("config")

	loadConfig := func() (Config, error) {
		slog.Info("Using config", "path", configPath)
		config, err := readConfigFile(configPath)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		}
		logging.InitLoggerWithFormat(config.LogLevel, config.LogFormat)
		if err := config.validate(); err != nil {
			return Config{}, err
		}
		return config, nil
	}

	root.AddCommand(newServeCommand(loadConfig), newRunCommand(loadConfig))
	return root
}

func newServeCommand(loadConfig func() (Config, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Host the intake workflow API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			config, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, config)
		},
	}
}

func serve(ctx context.Context, config Config) error {
	storage, err := createClientStorage(&config)
	if err != nil {
		return fmt.Errorf("failed to instantiate client storage: %w", err)
	}

	signer, err := NewHmacClientSigner(config.CookieSecret, Timeout)
	if err != nil {
		return fmt.Errorf("failed to instantiate cookie signer: %w", err)
	}

	idle := time.Duration(config.WorkflowIdleTimeout)
	if idle <= 0 {
		idle = defaultIdleTimeout
	}

	state := &ServerState{
		registry: NewRegistry(newWorkflowFactory(config, storage), idle),
		signer:   signer,
		secure:   config.ServerConfig.UseTls,
	}

	server, err := NewServer(state, config.ServerConfig)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	go sweepIdle(ctx, state.registry, idle/4)

	errs := make(chan error, 1)
	go func() {
		errs <- server.ListenAndServe()
	}()

	select {
	case err := <-errs:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("failed to listen and serve: %w", err)
		}
		return nil
	case <-ctx.Done():
		return server.Stop()
	}
}

func sweepIdle(ctx context.Context, registry *Registry, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			registry.Sweep()
		}
	}
}

func newVerifier(config Config) intake.Verifier {
	return remote.NewVerificationClient(config.VerificationUrl, config.requestTimeout())
}

func newCaseService(config Config) intake.CaseService {
	return remote.NewCaseClient(config.FormUrl, config.requestTimeout())
}

func newWorkflowFactory(config Config, storage ClientStorage) WorkflowFactory {
	verifier := newVerifier(config)
	cases := newCaseService(config)

	return func(clientID string) *intake.Workflow {
		return intake.New(intake.Deps{
			Verifier: verifier,
			Cases:    cases,
			Tokens:   storage.Tokens(clientID),
			Mailbox:  storage.Mailbox(clientID),
			Policy:   config.tokenPolicy(),
			Timeout:  config.requestTimeout(),
		})
	}
}

func readConfigFile(path string) (Config, error) {
	configBytes, err := os.ReadFile(path)

	if err != nil {
		return Config{}, err
	}

	var config Config
	err = json.Unmarshal(configBytes, &config)

	if err != nil {
		return Config{}, err
	}

	return config, nil
}

func createClientStorage(config *Config) (ClientStorage, error) {
	switch config.StorageType {
	case "redis":
		slog.Info("Using redis client storage")
		client, err := redis.NewRedisClient(&config.RedisConfig)
		if err != nil {
			return nil, err
		}
		return NewRedisClientStorage(client, config.RedisConfig.Namespace), nil
	case "redis_sentinel":
		slog.Info("Using redis sentinel client storage")
		client, err := redis.NewRedisSentinelClient(&config.RedisSentinelConfig)
		if err != nil {
			return nil, err
		}
		return NewRedisClientStorage(client, config.RedisSentinelConfig.Namespace), nil
	case "memory", "":
		slog.Info("Using in memory client storage")
		return NewInMemoryClientStorage(), nil
	}
	return nil, fmt.Errorf("%v is not a valid storage type", config.StorageType)
}
