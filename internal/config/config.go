package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port     int
	APIToken string
	LogLevel string

	DatabasePath  string
	ViolationsDir string
	LogDirectory  string

	ModelPath          string
	ModelConfigPath    string
	ModelClasses       []string
	DetectionThreshold float64
	DetectionInputSize int
	DetectorPoolSize   int // Network instances shared by all camera workers

	SkipFactor        int           // Process every N-th frame, the rest are only drained
	ReconnectInterval time.Duration // Fixed delay between reopen attempts
	MaxReadFailures   int           // Consecutive read failures before the stream is treated as lost
	StopTimeout       time.Duration
	FrameWidth        int
	FrameHeight       int
	Cameras           []CameraSeed

	GateCameraID     int64
	GatePollInterval time.Duration
	GateCooldown     time.Duration
	GateMode         string // "direct" or "relay"
	GateSimulation   bool
	ServoPin         string
	RelayPin         string
	ServoOpenAngle   float64
	ServoClosedAngle float64
	ServoSteps       int
	ServoStepDelay   time.Duration
	ServoSettle      time.Duration

	SnapshotMaxWidth      int
	MaxImageDirectorySize int64 // Maximum size of the snapshot directory in GB
	RetentionDays         int
	RetentionInterval     time.Duration

	MQTTHost     string
	MQTTPort     int
	MQTTUser     string
	MQTTPassword string
	MQTTTopic    string

	StreamFrameInterval time.Duration
}

// CameraSeed describes a camera inserted into an empty camera table on first start.
type CameraSeed struct {
	ID     int64
	Name   string
	Source string
}

// Load reads the configuration from the environment, loading a .env file first when one exists.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		Port:     getEnvAsInt("PORT", 8080),
		APIToken: getEnv("API_TOKEN", ""),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		DatabasePath:  getEnv("DB_PATH", filepath.Join(".", "ppegate.db")),
		ViolationsDir: getEnv("VIOLATIONS_DIR", filepath.Join(".", "violations")),
		LogDirectory:  getEnv("LOG_DIR", filepath.Join(".", "logs")),

		ModelPath:          getEnv("MODEL_PATH", filepath.Join(".", "models", "ppe.onnx")),
		ModelConfigPath:    getEnv("MODEL_CONFIG_PATH", ""),
		ModelClasses:       getEnvAsList("MODEL_CLASSES", []string{"boots", "gloves", "helmet", "no-boots", "no-gloves", "no-helmet", "person"}),
		DetectionThreshold: getEnvAsFloat("DETECTION_THRESHOLD", 0.6),
		DetectionInputSize: getEnvAsInt("DETECTION_INPUT_SIZE", 320),
		DetectorPoolSize:   getEnvAsInt("DETECTOR_POOL_SIZE", 2),

		SkipFactor:        getEnvAsInt("SKIP_FACTOR", 4),
		ReconnectInterval: getEnvAsDuration("RECONNECT_INTERVAL", 10*time.Second),
		MaxReadFailures:   getEnvAsInt("MAX_READ_FAILURES", 5),
		StopTimeout:       getEnvAsDuration("STOP_TIMEOUT", 3*time.Second),
		FrameWidth:        getEnvAsInt("FRAME_WIDTH", 640),
		FrameHeight:       getEnvAsInt("FRAME_HEIGHT", 480),
		Cameras:           getEnvAsCameras("CAMERAS"),

		GateCameraID:     getEnvAsInt64("GATE_CAMERA_ID", 1),
		GatePollInterval: getEnvAsDuration("GATE_POLL_INTERVAL", 500*time.Millisecond),
		GateCooldown:     getEnvAsDuration("GATE_COOLDOWN", 5*time.Second),
		GateMode:         getEnv("GATE_MODE", "direct"),
		GateSimulation:   getEnvAsBool("GATE_SIMULATION", false),
		ServoPin:         getEnv("SERVO_PIN", "GPIO18"),
		RelayPin:         getEnv("RELAY_PIN", "GPIO17"),
		ServoOpenAngle:   getEnvAsFloat("SERVO_OPEN_ANGLE", 90),
		ServoClosedAngle: getEnvAsFloat("SERVO_CLOSED_ANGLE", 0),
		ServoSteps:       getEnvAsInt("SERVO_STEPS", 10),
		ServoStepDelay:   getEnvAsDuration("SERVO_STEP_DELAY", 30*time.Millisecond),
		ServoSettle:      getEnvAsDuration("SERVO_SETTLE", 500*time.Millisecond),

		SnapshotMaxWidth:      getEnvAsInt("SNAPSHOT_MAX_WIDTH", 1280),
		MaxImageDirectorySize: getEnvAsInt64("MAX_IMAGE_DIRECTORY_SIZE", 4),
		RetentionDays:         getEnvAsInt("RETENTION_DAYS", 30),
		RetentionInterval:     getEnvAsDuration("RETENTION_INTERVAL", time.Hour),

		MQTTHost:     getEnv("MQTT_HOST", ""),
		MQTTPort:     getEnvAsInt("MQTT_PORT", 1883),
		MQTTUser:     getEnv("MQTT_USER", ""),
		MQTTPassword: getEnv("MQTT_PASSWORD", ""),
		MQTTTopic:    getEnv("MQTT_TOPIC", "ppegate"),

		StreamFrameInterval: getEnvAsDuration("STREAM_FRAME_INTERVAL", 100*time.Millisecond),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

// getEnvAsDuration accepts Go duration strings ("750ms", "10s") or a plain number of seconds.
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if seconds, err := strconv.ParseFloat(value, 64); err == nil {
		return time.Duration(seconds * float64(time.Second))
	}
	return defaultValue
}

func getEnvAsList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var items []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			items = append(items, item)
		}
	}
	if len(items) == 0 {
		return defaultValue
	}
	return items
}

func getEnvAsCameras(key string) []CameraSeed {
	seeds, err := ParseCameras(os.Getenv(key))
	if err != nil {
		return nil
	}
	return seeds
}

// ParseCameras parses a seed list of the form "1=Gate=0;2=Yard=rtsp://host/stream".
// The source part may itself contain '='.
func ParseCameras(value string) ([]CameraSeed, error) {
	var seeds []CameraSeed
	for _, entry := range strings.Split(value, ";") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		parts := strings.SplitN(entry, "=", 3)
		if len(parts) != 3 {
			return nil, fmt.Errorf("invalid camera entry %q: expected id=name=source", entry)
		}
		id, err := strconv.ParseInt(strings.TrimSpace(parts[0]), 10, 64)
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("invalid camera id in %q", entry)
		}
		source := strings.TrimSpace(parts[2])
		if source == "" {
			return nil, fmt.Errorf("empty camera source in %q", entry)
		}
		seeds = append(seeds, CameraSeed{ID: id, Name: strings.TrimSpace(parts[1]), Source: source})
	}
	return seeds, nil
}
