package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"ppegate/internal/config"
	"ppegate/internal/dto"
	"ppegate/internal/logger"
	"ppegate/internal/model"
	"ppegate/internal/repository/sqlite"
	"ppegate/internal/route"
	"ppegate/internal/service"
	"ppegate/internal/service/actuator"
	"ppegate/internal/service/ai"
	"ppegate/internal/service/camera"
	"ppegate/internal/service/capture"
	"ppegate/internal/service/classifier"
	"ppegate/internal/service/gate"
	"ppegate/internal/service/notify"
	"ppegate/internal/service/recorder"
	"ppegate/internal/service/storage"
	"ppegate/internal/service/websocket"
)

const shutdownTimeout = 10 * time.Second

type App struct {
	config    *config.Config
	logger    *logger.Logger
	db        *sqlite.DB
	detector  *ai.DetectorService
	driver    *actuator.Driver
	registry  *camera.Registry
	machine   *gate.Machine
	retention *storage.Retention
	mqtt      *notify.MQTTPublisher
	hub       *websocket.HubService
	manager   *service.Manager
}

// unavailableDetector stands in when the model cannot be loaded. Every frame then
// classifies as UNKNOWN, which keeps the gate closed.
type unavailableDetector struct {
	err error
}

func (d unavailableDetector) Detect(camera.Frame) ([]dto.DetectionResult, error) {
	return nil, d.err
}

func NewApp() (*App, error) {
	cfg := config.Load()
	log := logger.NewLogger(cfg)

	db, err := sqlite.New(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	violations := sqlite.NewViolationRepository(db)
	cameras := sqlite.NewCameraRepository(db)

	a := &App{
		config: cfg,
		logger: log,
		db:     db,
		hub:    websocket.NewHubService(log.Named("hub")),
	}

	var detector camera.Detector
	a.detector, err = ai.NewDetectorService(cfg, cfg.DetectorPoolSize, log.Named("ai"))
	if err != nil {
		log.Error("Detector unavailable, all cameras will report UNKNOWN: %v", err)
		detector = unavailableDetector{err: err}
	} else {
		detector = a.detector
	}

	a.driver = newDriver(cfg, log.Named("actuator"))

	a.registry = camera.NewRegistry(
		capture.NewOpener(cfg.FrameWidth, cfg.FrameHeight, log.Named("capture")),
		detector,
		camera.Options{
			SkipFactor:        cfg.SkipFactor,
			ReconnectInterval: cfg.ReconnectInterval,
			MaxReadFailures:   cfg.MaxReadFailures,
			StopTimeout:       cfg.StopTimeout,
		},
		log.Named("camera"),
		a.onVerdictChange,
	)

	snapshots := storage.NewSnapshotStore(cfg.ViolationsDir, cfg.SnapshotMaxWidth, log.Named("storage"))
	a.retention = storage.NewRetention(snapshots, violations, storage.RetentionOptions{
		MaxAge:   time.Duration(cfg.RetentionDays) * 24 * time.Hour,
		MaxBytes: cfg.MaxImageDirectorySize << 30,
		Interval: cfg.RetentionInterval,
	}, nil, log.Named("retention"))

	publishers := []recorder.Publisher{a.hub}
	a.mqtt, err = notify.NewMQTTPublisher(cfg, log.Named("mqtt"))
	if err != nil {
		log.Error("MQTT notifications disabled: %v", err)
	} else if a.mqtt != nil {
		publishers = append(publishers, a.mqtt)
	}
	rec := recorder.NewRecorder(violations, snapshots, a.registry, nil, log.Named("recorder"), publishers...)

	a.machine = gate.NewMachine(a.registry, a.driver, rec, gate.Options{
		CameraID:     cfg.GateCameraID,
		PollInterval: cfg.GatePollInterval,
		Cooldown:     cfg.GateCooldown,
		OnChange: func(state gate.State) {
			a.hub.Publish(websocket.EventGate, state)
		},
	}, log.Named("gate"))

	a.manager = service.NewManager(a.registry, a.machine, rec, violations, cameras, cfg.StreamFrameInterval, log)
	if err := a.manager.Bootstrap(cfg.Cameras); err != nil {
		a.close()
		return nil, fmt.Errorf("failed to load cameras: %w", err)
	}
	return a, nil
}

// newDriver opens the gate hardware and falls back to logging fakes when it is unavailable.
func newDriver(cfg *config.Config, log *logger.Logger) *actuator.Driver {
	var (
		servo     actuator.Servo
		indicator actuator.Indicator
		err       error
	)
	if !cfg.GateSimulation {
		servo, indicator, err = actuator.OpenHardware(actuator.HardwareConfig{
			Mode:     cfg.GateMode,
			ServoPin: cfg.ServoPin,
			RelayPin: cfg.RelayPin,
		})
		if err != nil {
			log.Warning("Gate hardware unavailable, running in simulation mode: %v", err)
		}
	}
	if cfg.GateSimulation || err != nil {
		servo = &actuator.SimulatedServo{Logger: log}
		indicator = &actuator.SimulatedIndicator{Logger: log}
	}

	return actuator.NewDriver(servo, indicator, actuator.Options{
		OpenAngle:   cfg.ServoOpenAngle,
		ClosedAngle: cfg.ServoClosedAngle,
		Steps:       cfg.ServoSteps,
		StepDelay:   cfg.ServoStepDelay,
		Settle:      cfg.ServoSettle,
	}, log)
}

func (a *App) onVerdictChange(cam model.Camera, prev classifier.Verdict, status classifier.Status) {
	a.logger.Info("Camera %d verdict %s -> %s", cam.ID, prev, status.Verdict)
	a.hub.Publish(websocket.EventStatus, map[string]interface{}{
		"camera_id": cam.ID,
		"status":    status,
	})
}

// Run serves until SIGINT/SIGTERM or until a background service fails, then shuts everything down.
func (a *App) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// The gate starts closed whatever position the hardware was left in.
	if err := a.driver.SetState(ctx, actuator.Closed); err != nil {
		a.logger.Error("Failed to close gate on startup: %v", err)
	}
	if err := a.retention.Start(); err != nil {
		a.logger.Error("Snapshot retention disabled: %v", err)
	}

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.config.Port),
		Handler:           route.SetupRoutes(a.manager, a.hub, a.config, a.logger.Named("http")),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.hub.Run(ctx)
		return nil
	})
	g.Go(func() error {
		a.machine.Run(ctx)
		return nil
	})
	g.Go(func() error {
		a.manager.RunStreams(ctx)
		return nil
	})
	g.Go(func() error {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		// MJPEG viewers never finish on their own.
		err := server.Shutdown(shutdownCtx)
		if errors.Is(err, context.DeadlineExceeded) {
			return server.Close()
		}
		return err
	})

	fmt.Printf("PPE Gate Server\n")
	fmt.Printf("URL: http://localhost:%d\n", a.config.Port)
	fmt.Printf("Gate camera: %d (mode %s)\n", a.config.GateCameraID, a.config.GateMode)
	fmt.Printf("Violations: %s\n", a.config.ViolationsDir)
	fmt.Printf("AI Model: %s\n", a.config.ModelPath)

	err := g.Wait()
	a.logger.Info("Shutting down")
	return multierr.Append(err, a.close())
}

// close releases everything NewApp acquired. The gate is driven closed before the hardware is released.
func (a *App) close() error {
	err := a.registry.StopAll()
	err = multierr.Append(err, a.retention.Stop())
	if a.mqtt != nil {
		a.mqtt.Close()
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	err = multierr.Append(err, a.machine.Shutdown(ctx))
	err = multierr.Append(err, a.driver.Close())
	if a.detector != nil {
		a.detector.Close()
	}
	err = multierr.Append(err, a.db.Close())
	_ = a.logger.Sync()
	return err
}
