package audit

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogger_WritesJSONLines(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(&buf, nil)
	l.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }

	l.Record(EventBindingBound, "ship-1", "sensor-1", map[string]string{"role": "transporter"})
	l.Record(EventAlertRaised, "ship-1", "", map[string]string{"type": "Temperature Too High"})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)

	var first Event
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	assert.Equal(t, EventBindingBound, first.Type)
	assert.Equal(t, "ship-1", first.ShipmentID)
	assert.Equal(t, "sensor-1", first.Subject)
	assert.Equal(t, "transporter", first.Detail["role"])
	assert.NotEmpty(t, first.ID)
	assert.Equal(t, time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC), first.At)

	var second Event
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &second))
	assert.Equal(t, EventAlertRaised, second.Type)
}

func TestLogger_NilIsSafe(t *testing.T) {
	var l *Logger
	l.Record(EventStageAccepted, "ship-1", "", nil)

	l = NewLogger(nil, nil)
	l.Record(EventStageAccepted, "ship-1", "", nil)
}
