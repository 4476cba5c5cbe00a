package metrics

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorder_Observe(t *testing.T) {
	t.Parallel()

	r := New("")
	r.Observe(CycleStats{
		BootCount:      42,
		HasBattery:     true,
		BatteryVolts:   3.95,
		BatteryPercent: 75,
		RSSI:           -61,
		TimeSynced:     true,
		Delivered:      1,
		FailedSteps:    []string{StepMailAuth},
		Duration:       3 * time.Second,
		Finished:       time.Unix(1700000000, 0),
	})

	assert.Equal(t, 42.0, testutil.ToFloat64(r.bootCount))
	assert.Equal(t, 3.95, testutil.ToFloat64(r.batteryVolts))
	assert.Equal(t, 75.0, testutil.ToFloat64(r.batteryPercent))
	assert.Equal(t, -61.0, testutil.ToFloat64(r.rssi))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.timeSynced))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.recipients.WithLabelValues("delivered")))
	assert.Equal(t, 0.0, testutil.ToFloat64(r.recipients.WithLabelValues("failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.stepFailures.WithLabelValues(StepMailAuth)))
	assert.Equal(t, 3.0, testutil.ToFloat64(r.duration))
	assert.Equal(t, 1700000000.0, testutil.ToFloat64(r.lastCycle))
}

func TestRecorder_StepFailuresReset(t *testing.T) {
	t.Parallel()

	r := New("")
	r.Observe(CycleStats{FailedSteps: []string{StepNetwork, StepClock}})
	assert.Equal(t, 2, testutil.CollectAndCount(r.stepFailures))

	r.Observe(CycleStats{})
	assert.Equal(t, 0, testutil.CollectAndCount(r.stepFailures))
}

func TestRecorder_PublishWritesTextfile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "mailbox.prom")
	r := New(path)
	require.NoError(t, r.Publish(CycleStats{BootCount: 7, RSSI: -70}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	out := string(data)
	assert.True(t, strings.Contains(out, "mailbox_boot_count 7"), out)
	assert.True(t, strings.Contains(out, "mailbox_wifi_rssi_dbm -70"), out)
}

func TestRecorder_PublishWithoutTextfile(t *testing.T) {
	t.Parallel()

	r := New("")
	require.NoError(t, r.Publish(CycleStats{BootCount: 1}))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.bootCount))
}

func TestRecorder_PublishBadPath(t *testing.T) {
	t.Parallel()

	r := New(filepath.Join(t.TempDir(), "missing", "dir", "mailbox.prom"))
	assert.Error(t, r.Publish(CycleStats{}))
}
