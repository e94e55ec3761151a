package notify

import (
	"encoding/json"
	"testing"
	"time"

	"ppegate/internal/config"
	"ppegate/internal/logger"
	"ppegate/internal/model"
)

func TestNewMessage(t *testing.T) {
	image := "/data/violations/rtsp_1_20240601_120000.jpg"
	operator := int64(7)
	ts := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	msg := NewMessage(&model.Violation{
		EventID:      "e-1",
		Kind:         model.KindManualOverride,
		CameraID:     1,
		MissingItems: []string{"helmet"},
		ImagePath:    &image,
		GateAction:   model.GateActionClosed,
		OperatorID:   &operator,
		Timestamp:    ts,
	})

	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	var decoded map[string]interface{}
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}

	if decoded["type"] != "manual_override" || decoded["image"] != image || decoded["gate_action"] != "CLOSED" {
		t.Errorf("unexpected payload %s", data)
	}
	if decoded["operator_id"].(float64) != 7 || decoded["timestamp"].(float64) != float64(ts.Unix()) {
		t.Errorf("unexpected operator or timestamp in %s", data)
	}
}

func TestNewMessage_OmitsMissingImage(t *testing.T) {
	data, _ := json.Marshal(NewMessage(&model.Violation{Kind: model.KindAutoModeRestored}))
	var decoded map[string]interface{}
	json.Unmarshal(data, &decoded)

	if _, ok := decoded["image"]; ok {
		t.Errorf("image should be omitted: %s", data)
	}
	if _, ok := decoded["operator_id"]; ok {
		t.Errorf("operator_id should be omitted: %s", data)
	}
}

func TestTopic(t *testing.T) {
	if got := Topic("site/gate1", model.KindAutoDenied); got != "site/gate1/violations/auto_denied" {
		t.Errorf("unexpected topic %s", got)
	}
}

func TestNewMQTTPublisher_DisabledWithoutHost(t *testing.T) {
	p, err := NewMQTTPublisher(&config.Config{}, logger.NewNop())
	if err != nil || p != nil {
		t.Errorf("expected disabled publisher, got %v, %v", p, err)
	}
}
