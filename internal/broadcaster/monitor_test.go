package broadcaster

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/stakeordie/emp-job-queue-sub012/internal/progressbus"
)

func TestMonitorEnvelopeFormatsJobProgress(t *testing.T) {
	raw := map[string]interface{}{"job_id": "job-1", "worker_id": "w1", "progress": float64(50), "status": "processing", "message": "halfway", "updated_at": float64(123)}
	out, err := monitorEnvelope(progressbus.ChannelJobProgress, raw)
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(out, &decoded))
	require.Equal(t, "job_progress", decoded["type"])
	require.Equal(t, "job-1", decoded["job_id"])
}

func TestMonitorEnvelopeUnknownChannelReturnsNil(t *testing.T) {
	out, err := monitorEnvelope("not_a_real_channel", map[string]interface{}{})
	require.NoError(t, err)
	require.Nil(t, out)
}

func TestEmPropsEnvelopeWrapsTerminalStatus(t *testing.T) {
	raw := map[string]interface{}{"job_id": "job-1", "error": "boom", "timestamp": float64(1)}
	out, err := emPropsEnvelope(progressbus.ChannelJobFailed, raw)
	require.NoError(t, err)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(out, &decoded))
	require.Equal(t, "complete_job", decoded["type"])
	result := decoded["result"].(map[string]interface{})
	require.Equal(t, "failed", result["status"])
}
