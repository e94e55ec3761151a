package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"ppegate/internal/config"
)

func TestLogger_WritesPerLevelFiles(t *testing.T) {
	dir := t.TempDir()
	log := NewLogger(&config.Config{LogDirectory: dir, LogLevel: "info"})

	log.Info("gate opened for camera %d", 1)
	log.Warning("stream %s lost", "yard")
	log.Error("actuator failed: %v", "timeout")
	log.Debug("hidden at info level")
	_ = log.Sync()

	tests := []struct {
		file    string
		want    string
		notWant string
	}{
		{"info.log", "gate opened for camera 1", "stream yard lost"},
		{"warning.log", "stream yard lost", "actuator failed"},
		{"error.log", "actuator failed: timeout", "gate opened"},
	}

	for _, tt := range tests {
		data, err := os.ReadFile(filepath.Join(dir, tt.file))
		if err != nil {
			t.Fatalf("Failed to read %s: %v", tt.file, err)
		}
		content := string(data)
		if !strings.Contains(content, tt.want) {
			t.Errorf("%s missing %q: %s", tt.file, tt.want, content)
		}
		if strings.Contains(content, tt.notWant) {
			t.Errorf("%s should not contain %q", tt.file, tt.notWant)
		}
		if strings.Contains(content, "hidden at info level") {
			t.Errorf("%s contains a debug entry", tt.file)
		}
	}
}

func TestLogger_Nop(t *testing.T) {
	log := NewNop().Named("test")
	log.Info("nothing %d", 1)
	log.Error("nothing")
}
