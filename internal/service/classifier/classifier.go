// Package classifier turns detector labels into a PPE compliance status.
package classifier

import (
	"encoding/json"
	"strings"
	"time"

	"ppegate/internal/dto"
)

// Item is a required piece of protective equipment.
type Item int

const (
	Helmet Item = iota
	Gloves
	Boots

	itemCount
)

// Items lists every required item in reporting order.
var Items = [itemCount]Item{Helmet, Gloves, Boots}

var itemNames = [itemCount]string{"helmet", "gloves", "boots"}

func (i Item) String() string {
	if i < 0 || i >= itemCount {
		return "unknown"
	}
	return itemNames[i]
}

// Verdict is the compliance classification of one processed frame.
type Verdict string

const (
	VerdictOK      Verdict = "OK"
	VerdictNotOK   Verdict = "NOT_OK"
	VerdictUnknown Verdict = "UNKNOWN"
)

const negativePrefix = "no-"

var synonyms = map[string]Item{
	"helmet":       Helmet,
	"hardhat":      Helmet,
	"hard-hat":     Helmet,
	"glove":        Gloves,
	"gloves":       Gloves,
	"boot":         Boots,
	"boots":        Boots,
	"safety-boot":  Boots,
	"safety-boots": Boots,
}

var separators = strings.NewReplacer("_", "-", " ", "-")

// Label is a detector label after normalization.
type Label struct {
	Item     Item
	Negative bool
}

// Normalize maps a raw detector label onto the closed item set.
// It returns false for labels that name no PPE item, such as "person".
func Normalize(raw string) (Label, bool) {
	name := separators.Replace(strings.ToLower(strings.TrimSpace(raw)))

	negative := strings.HasPrefix(name, negativePrefix)
	if negative {
		name = strings.TrimPrefix(name, negativePrefix)
	}

	item, ok := synonyms[name]
	if !ok {
		return Label{}, false
	}
	return Label{Item: item, Negative: negative}, true
}

// Status is the compliance snapshot derived from one processed frame.
type Status struct {
	Present   [itemCount]bool
	Absent    [itemCount]bool
	Verdict   Verdict
	Violation bool
	FPS       float64
	Timestamp time.Time
}

// Unknown returns an empty status with an UNKNOWN verdict.
func Unknown(ts time.Time) Status {
	return Status{Verdict: VerdictUnknown, Timestamp: ts}
}

// Classify builds a status from raw labels.
func Classify(labels []string) Status {
	var status Status
	for _, raw := range labels {
		label, ok := Normalize(raw)
		if !ok {
			continue
		}
		if label.Negative {
			status.Absent[label.Item] = true
		} else {
			status.Present[label.Item] = true
		}
	}

	for _, item := range Items {
		status.Violation = status.Violation || status.Absent[item]
	}

	switch {
	case status.Violation:
		status.Verdict = VerdictNotOK
	case status.allPresent():
		status.Verdict = VerdictOK
	default:
		status.Verdict = VerdictUnknown
	}
	return status
}

// ClassifyDetections is Classify over detector results.
func ClassifyDetections(detections []dto.DetectionResult) Status {
	labels := make([]string, 0, len(detections))
	for _, det := range detections {
		labels = append(labels, det.Label)
	}
	return Classify(labels)
}

func (s Status) allPresent() bool {
	for _, item := range Items {
		if !s.Present[item] {
			return false
		}
	}
	return true
}

// MissingItems lists explicitly absent items, or, when no absence label was seen,
// the items whose presence was not detected.
func (s Status) MissingItems() []string {
	var missing []string
	for _, item := range Items {
		if s.Absent[item] {
			missing = append(missing, item.String())
		}
	}
	if len(missing) > 0 {
		return missing
	}
	for _, item := range Items {
		if !s.Present[item] {
			missing = append(missing, item.String())
		}
	}
	return missing
}

// MarshalJSON flattens the item arrays into helmet/no_helmet style keys.
func (s Status) MarshalJSON() ([]byte, error) {
	out := make(map[string]interface{}, 2*int(itemCount)+4)
	for _, item := range Items {
		out[item.String()] = s.Present[item]
		out["no_"+item.String()] = s.Absent[item]
	}
	out["ppe_status"] = s.Verdict
	out["has_violation"] = s.Violation
	out["fps"] = s.FPS
	if !s.Timestamp.IsZero() {
		out["timestamp"] = s.Timestamp.Format(time.RFC3339)
	}
	return json.Marshal(out)
}

// Tracker remembers the previous verdict so that changes can be reported once.
type Tracker struct {
	prev Verdict
}

// NewTracker starts from an UNKNOWN verdict.
func NewTracker() *Tracker {
	return &Tracker{prev: VerdictUnknown}
}

// Observe records v and reports the previous verdict when it differs.
func (t *Tracker) Observe(v Verdict) (Verdict, bool) {
	prev := t.prev
	t.prev = v
	return prev, prev != v
}
