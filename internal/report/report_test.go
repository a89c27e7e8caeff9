package report

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func newBufferReporter(opts ...Option) (*Reporter, *strings.Builder) {
	out := &strings.Builder{}
	return New(append([]Option{WithWriter(out), WithColor(false)}, opts...)...), out
}

func TestReporterMessages(t *testing.T) {
	r, out := newBufferReporter()

	r.Info("waiting for %s", "master-5")
	r.Success("node %s ready", "master-5")
	r.Warning("retrying")
	r.Error("gave up")
	r.Step(3, 12, "Disabling etcd quorum guard")

	text := out.String()
	assert.Contains(t, text, "[INFO]  waiting for master-5")
	assert.Contains(t, text, "[OK] node master-5 ready")
	assert.Contains(t, text, "[??] retrying")
	assert.Contains(t, text, "[!!] gave up")
	assert.Contains(t, text, "[3/12] Disabling etcd quorum guard")
}

func TestReporterHeaderUppercases(t *testing.T) {
	r, out := newBufferReporter()
	r.Header("Control plane replacement: master-5")
	assert.Contains(t, out.String(), "CONTROL PLANE REPLACEMENT: MASTER-5")
}

func TestActionOnlyInDebug(t *testing.T) {
	r, out := newBufferReporter()
	r.Action("oc get bmh")
	assert.Empty(t, out.String())

	r, out = newBufferReporter(WithDebug(true))
	r.Action("oc get bmh")
	assert.Contains(t, out.String(), "[ACTION] oc get bmh")
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "42s", FormatDuration(42*time.Second))
	assert.Equal(t, "5m 23s", FormatDuration(5*time.Minute+23*time.Second))
	assert.Equal(t, "1h 15m 30s", FormatDuration(time.Hour+15*time.Minute+30*time.Second))
	assert.Equal(t, "0s", FormatDuration(0))
}
