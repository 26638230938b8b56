package logging

import (
	"bytes"
	"encoding/json"
	"testing"
)

func TestLoggerWritesJSONWithService(t *testing.T) {
	var buf bytes.Buffer
	log := newLogger(&buf, "freight-api", "warn")
	log.Info("dropped")
	log.Warn("offer_accepted", "trip_id", 1)

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("expected exactly one JSON record, got %q: %v", buf.String(), err)
	}
	if rec["msg"] != "offer_accepted" || rec["service"] != "freight-api" || rec["trip_id"] != float64(1) {
		t.Fatalf("unexpected record %v", rec)
	}
}
