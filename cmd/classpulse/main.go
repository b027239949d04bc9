package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"classpulse/internal/app"
	"classpulse/internal/config"
	"classpulse/internal/simulator"
)

var (
	configPath string

	simServer   string
	simRoom     string
	simStudents int
	simDuration time.Duration
	simRate     time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "classpulse",
	Short: "Live classroom attention coordinator",
	Long: `ClassPulse coordinates live classroom sessions: a teacher opens a room
with a six-character code, students join and stream facial landmark
samples, and the coordinator classifies each student's attention state
and relays it to the teacher along with chat, alerts, and WebRTC
signaling.`,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the coordinator",
	Long: `Run the coordinator: websocket endpoints for teachers and students plus
the REST surface, on one listener. Configuration comes from the file
given with --config, CLASSPULSE_* environment variables, and built-in
defaults, in that order of precedence.`,
	RunE: runServe,
}

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Drive a synthetic classroom against a running coordinator",
	Long: `Connect a scripted teacher and a set of students to a coordinator and
stream realistic attention samples. Useful for demos and for soak
testing a deployment.`,
	RunE: runSimulate,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"Path to a config file (or set CLASSPULSE_CONFIG_FILE)")

	simDefaults := simulator.DefaultConfig("http://localhost:8080")
	simulateCmd.Flags().StringVar(&simServer, "server", simDefaults.ServerURL, "Coordinator base URL")
	simulateCmd.Flags().StringVar(&simRoom, "room", simDefaults.RoomCode, "Room code the simulated teacher claims")
	simulateCmd.Flags().IntVar(&simStudents, "students", simDefaults.Students, "Number of simulated students")
	simulateCmd.Flags().DurationVar(&simDuration, "duration", simDefaults.Duration, "How long to run")
	simulateCmd.Flags().DurationVar(&simRate, "rate", simDefaults.ReportRate, "Cadence of each student's attention samples")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(simulateCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	path := configPath
	if path == "" {
		path = os.Getenv("CLASSPULSE_CONFIG_FILE")
	}
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}

	logger, err := app.NewLogger(cfg.Logging)
	if err != nil {
		return err
	}
	defer logger.Sync()

	application, err := app.NewApplication(cfg, logger)
	if err != nil {
		return fmt.Errorf("build application: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGINT, syscall.SIGTERM)

	appErr := make(chan error, 1)
	go func() {
		if err := application.Start(ctx); err != nil {
			appErr <- err
		}
	}()

	select {
	case err := <-appErr:
		return err
	case sig := <-signalCh:
		logger.Info("signal received", zap.String("signal", sig.String()))
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer shutdownCancel()
		return application.Stop(shutdownCtx)
	}
}

func runSimulate(cmd *cobra.Command, args []string) error {
	logger, err := app.NewLogger(config.LoggingConfig{Level: "info", Development: true})
	if err != nil {
		return err
	}
	defer logger.Sync()

	simCfg := simulator.DefaultConfig(simServer)
	simCfg.RoomCode = simRoom
	simCfg.Students = simStudents
	simCfg.Duration = simDuration
	simCfg.ReportRate = simRate

	sim, err := simulator.New(simCfg, logger)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	sum, err := sim.Run(ctx)
	if err != nil {
		return err
	}
	logger.Info("simulation complete",
		zap.Uint64("reports_sent", sum.ReportsSent),
		zap.Uint64("attention_updates", sum.AttentionUpdates),
		zap.Uint64("alerts", sum.Alerts),
		zap.Uint64("state_updates", sum.StateUpdates),
		zap.Uint64("chat_delivered", sum.ChatDelivered))
	return nil
}
