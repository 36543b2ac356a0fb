// Package main is the entry point for the JSON-RPC gateway.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/vyrodovalexey/rpcgw/internal/config"
	"github.com/vyrodovalexey/rpcgw/internal/observability"
)

// Version information (set at build time).
var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

// cliFlags holds command line flags.
type cliFlags struct {
	configPath  string
	envPath     string
	logLevel    string
	logFormat   string
	showVersion bool
}

func main() {
	flags := parseFlags(os.Args[1:])

	if flags.showVersion {
		printVersion()
		return
	}

	if err := loadEnvFile(flags.envPath); err != nil {
		fmt.Fprintf(os.Stderr, "failed to load env file: %v\n", err)
		os.Exit(1)
	}
	flags = applyEnvDefaults(flags)

	logger := initLogger(flags)
	defer func() { _ = logger.Sync() }()

	configPath, cfg := loadAndValidateConfig(flags.configPath, logger)
	app := initApplication(cfg, logger)

	runGateway(app, configPath)
}

// parseFlags parses command line flags. Settings left empty are filled
// from the environment once the .env file is loaded.
func parseFlags(args []string) cliFlags {
	fs := flag.NewFlagSet("rpcgw", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file (.yaml or .toml), defaults to $RPCGW_CONFIG or config.yaml")
	envPath := fs.String("env", ".env", "Path to .env file, loaded when present")
	logLevel := fs.String("log-level", "", "Log level (debug, info, warn, error)")
	logFormat := fs.String("log-format", "", "Log format (json, console)")
	showVersion := fs.Bool("version", false, "Show version information")
	_ = fs.Parse(args)

	return cliFlags{
		configPath:  *configPath,
		envPath:     *envPath,
		logLevel:    *logLevel,
		logFormat:   *logFormat,
		showVersion: *showVersion,
	}
}

// loadEnvFile loads path into the environment if it exists. Variables
// already set are not overridden.
func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	return godotenv.Load(path)
}

func applyEnvDefaults(flags cliFlags) cliFlags {
	if flags.configPath == "" {
		flags.configPath = getEnvOrDefault("RPCGW_CONFIG", "config.yaml")
	}
	if flags.logLevel == "" {
		flags.logLevel = getEnvOrDefault("RPCGW_LOG_LEVEL", "info")
	}
	if flags.logFormat == "" {
		flags.logFormat = getEnvOrDefault("RPCGW_LOG_FORMAT", "json")
	}
	return flags
}

// printVersion prints version information.
func printVersion() {
	fmt.Printf("rpcgw version %s\n", version)
	fmt.Printf("  Build time: %s\n", buildTime)
	fmt.Printf("  Git commit: %s\n", gitCommit)
}

// initLogger initializes the logger.
func initLogger(flags cliFlags) observability.Logger {
	logger, err := observability.NewLogger(observability.LogConfig{
		Level:   flags.logLevel,
		Format:  flags.logFormat,
		Output:  getEnvOrDefault("RPCGW_LOG_OUTPUT", "stdout"),
		Service: "rpcgw",
		Version: version,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	return logger
}

// loadAndValidateConfig resolves, loads and validates the configuration.
// Any failure is fatal.
func loadAndValidateConfig(path string, logger observability.Logger) (string, *config.RouterConfig) {
	logger.Info("starting rpcgw",
		observability.String("version", version),
		observability.String("config", path),
	)

	resolved, err := config.ResolveConfigPath(path)
	if err != nil {
		fatalWithSync(logger, "failed to load configuration", observability.Error(err))
	}

	cfg, err := config.Load(resolved)
	if err != nil {
		fatalWithSync(logger, "invalid configuration",
			observability.String("config", resolved),
			observability.Error(err),
		)
	}

	logger.Info("configuration loaded",
		observability.String("config", resolved),
		observability.Int("port", cfg.Port),
		observability.Int("admin_port", cfg.AdminPort),
		observability.Int("backends", len(cfg.Backends)),
		observability.Int("method_routes", len(cfg.MethodRoutes)),
		observability.String("health_method", cfg.HealthCheck.Method),
	)

	return resolved, cfg
}

// fatalWithSync flushes the logger before exiting.
func fatalWithSync(logger observability.Logger, msg string, fields ...observability.Field) {
	_ = logger.Sync()
	logger.Fatal(msg, fields...)
}
