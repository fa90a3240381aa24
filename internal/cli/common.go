package cli

import (
	"context"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/aaronromeo/mailrelay/internal/app"
	"github.com/aaronromeo/mailrelay/internal/config"
	"github.com/aaronromeo/mailrelay/internal/telemetry"
)

const defaultEnvFile = ".env"

// loadConfig reads .env, then the config file, then validates. Both
// failures are ConfigErrors and happen before any network I/O.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	if err := loadEnvFile(); err != nil {
		return config.Config{}, err
	}

	cfgPath, err := cmd.Flags().GetString("config")
	if err != nil {
		return config.Config{}, err
	}

	cfg, err := config.Load(strings.TrimSpace(cfgPath))
	if err != nil {
		return config.Config{}, err
	}
	if err := config.Validate(cfg); err != nil {
		return config.Config{}, err
	}

	verbose, err := cmd.Flags().GetBool("verbose")
	if err == nil && verbose {
		cfg.Log.Level = "debug"
	}
	return cfg, nil
}

func loadEnvFile() error {
	if _, err := os.Stat(defaultEnvFile); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return godotenv.Load(defaultEnvFile)
}

func commandContext(cmd *cobra.Command) context.Context {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return ctx
}

// runtime is telemetry plus the assembled relay for one command.
type runtime struct {
	app       *app.App
	telemetry *telemetry.Telemetry
}

func setup(ctx context.Context, cmd *cobra.Command, cfg config.Config, opts ...app.Option) (*runtime, error) {
	tel, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		return nil, err
	}
	log := telemetry.NewLogger(cfg.Log, tel, cmd.ErrOrStderr())

	a, err := app.Build(ctx, cfg, append([]app.Option{app.WithLogger(log)}, opts...)...)
	if err != nil {
		_ = tel.Shutdown(ctx)
		return nil, err
	}
	return &runtime{app: a, telemetry: tel}, nil
}

func (r *runtime) close() {
	_ = r.app.Close()
	ctx, cancel := context.WithTimeout(context.Background(), app.ShutdownTimeout)
	defer cancel()
	if err := r.telemetry.Shutdown(ctx); err != nil {
		r.app.Log.Warn("telemetry shutdown failed", "error", err)
	}
}
