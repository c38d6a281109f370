package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/aicentral-gateway/internal/config"
	"github.com/tributary-ai/aicentral-gateway/internal/gateway"
	"github.com/tributary-ai/aicentral-gateway/internal/server"
)

// Set at build time with -ldflags "-X main.version=..."
var version = "dev"

// Application represents the main application
type Application struct {
	config  *config.Config
	gateway *gateway.Gateway
	server  *server.Server
	logger  *logrus.Logger
}

// NewApplication creates a new application instance
func NewApplication(configPath string) (*Application, error) {
	// Load configuration
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	// Setup logger
	logger := logrus.New()
	if err := setupLogger(logger, cfg.Logging); err != nil {
		return nil, fmt.Errorf("failed to setup logger: %w", err)
	}

	// Assemble the gateway
	gw, err := gateway.New(cfg, gateway.Options{}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to assemble gateway: %w", err)
	}

	return &Application{
		config:  cfg,
		gateway: gw,
		server:  server.NewServer(gw, cfg.Server, logger),
		logger:  logger,
	}, nil
}

// Run serves until a shutdown signal or a fatal server error
func (app *Application) Run() error {
	app.logger.WithField("version", version).Info("Starting AI Central gateway")
	defer func() {
		if err := app.gateway.Close(); err != nil {
			app.logger.WithError(err).Error("Gateway close error")
		}
	}()

	// Setup signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	// Start server in a goroutine
	serverErrors := make(chan error, 1)
	go func() {
		if err := app.server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrors <- err
		}
	}()

	// Wait for shutdown signal or server error
	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		app.logger.WithField("signal", sig.String()).Info("Shutdown signal received")
	}

	// Graceful shutdown
	app.logger.Info("Starting graceful shutdown...")

	// Create shutdown context with timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), app.config.Server.ShutdownTimeout)
	defer cancel()

	// Shutdown server; pending usage events flush when the gateway closes
	if err := app.server.Stop(shutdownCtx); err != nil {
		app.logger.WithError(err).Error("Server shutdown error")
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	app.logger.Info("Graceful shutdown completed")
	return nil
}

// setupLogger configures the logger based on configuration
func setupLogger(logger *logrus.Logger, config config.LoggingConfig) error {
	// Set log level
	level, err := logrus.ParseLevel(config.Level)
	if err != nil {
		return fmt.Errorf("invalid log level %s: %w", config.Level, err)
	}
	logger.SetLevel(level)

	// Set log format
	switch config.Format {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339,
		})
	case "text":
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: time.RFC3339,
		})
	default:
		return fmt.Errorf("invalid log format: %s", config.Format)
	}

	// Set output
	switch config.Output {
	case "stdout", "":
		logger.SetOutput(os.Stdout)
	case "stderr":
		logger.SetOutput(os.Stderr)
	default:
		// Assume it's a file path
		file, err := os.OpenFile(config.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
		if err != nil {
			return fmt.Errorf("failed to open log file %s: %w", config.Output, err)
		}
		logger.SetOutput(file)
	}

	return nil
}

// printUsage prints application usage information
func printUsage() {
	fmt.Fprintf(os.Stderr, "Usage: %s [options]\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "\nOptions:\n")
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, "\nEnvironment Variables:\n")
	fmt.Fprintf(os.Stderr, "  AICENTRAL_PORT                     Server port (default: 8080)\n")
	fmt.Fprintf(os.Stderr, "  AICENTRAL_LOG_LEVEL                Log level (debug,info,warn,error,fatal)\n")
	fmt.Fprintf(os.Stderr, "  AICENTRAL_LOG_FORMAT               Log format (json,text)\n")
	fmt.Fprintf(os.Stderr, "  AICENTRAL_ENDPOINT_<ID>_API_KEY    Backend API key for endpoint <ID>\n")
	fmt.Fprintf(os.Stderr, "\nExamples:\n")
	fmt.Fprintf(os.Stderr, "  %s --config configs/aicentral.yaml\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "  AICENTRAL_ENDPOINT_EAST_API_KEY=xxx %s --config configs/aicentral.yaml\n", os.Args[0])
}

func main() {
	// Parse command line flags
	var (
		configPath  = flag.String("config", "", "Path to configuration file")
		validate    = flag.Bool("validate", false, "Validate the configuration and exit")
		showHelp    = flag.Bool("help", false, "Show help message")
		showVersion = flag.Bool("version", false, "Show version information")
	)
	flag.Parse()

	// Show help if requested
	if *showHelp {
		printUsage()
		os.Exit(0)
	}

	// Show version if requested
	if *showVersion {
		fmt.Printf("AI Central gateway %s\n", version)
		os.Exit(0)
	}

	if *validate {
		if _, err := config.LoadConfig(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "Configuration invalid: %v\n", err)
			os.Exit(1)
		}
		fmt.Println("Configuration OK")
		os.Exit(0)
	}

	// Create and run application
	app, err := NewApplication(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create application: %v\n", err)
		os.Exit(1)
	}

	if err := app.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Application error: %v\n", err)
		os.Exit(1)
	}
}
