package server

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func TestSlogMetricsCollectorRecordsEachEventKind(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	var m MetricsCollector = NewSlogMetricsCollector(logger)

	m.RecordCommand("RETR", true, 5*time.Millisecond)
	m.RecordTransfer("RETR", 1024, 5*time.Millisecond)
	m.RecordConnection(true, "accepted")
	m.RecordAuthentication(false, "bob")
	m.RecordLockContention("STOR", "/incoming/report.csv")

	out := buf.String()
	for _, want := range []string{
		`metric=command`,
		`metric=transfer`,
		`metric=connection`,
		`metric=authentication`,
		`metric=lock_contention`,
		`cmd=STOR`,
		`path=/incoming/report.csv`,
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("log output missing %q; got:\n%s", want, out)
		}
	}
}
