package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/stakeordie/emp-job-queue-sub012/internal/broadcaster"
	"github.com/stakeordie/emp-job-queue-sub012/internal/jobrepo"
	"github.com/stakeordie/emp-job-queue-sub012/internal/progressbus"
	"github.com/stakeordie/emp-job-queue-sub012/internal/store/redisstore"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	mr := miniredis.RunT(t)
	s, err := redisstore.Dial(mr.Addr(), "", 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	bus := progressbus.New(s)
	jobs := jobrepo.New(s, bus)
	bc := broadcaster.New(s, broadcaster.Config{})
	return httptest.NewServer(NewRouter(jobs, bc))
}

func TestSubmitAndGetJob(t *testing.T) {
	srv := newTestServer(t)
	defer srv.Close()

	body, _ := json.Marshal(map[string]interface{}{"service_required": "comfyui", "priority": 75})
	resp, err := http.Post(srv.URL+"/jobs/", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var created map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	jobID := created["job_id"].(string)
	require.NotEmpty(t, jobID)

	getResp, err := http.Get(srv.URL + "/jobs/" + jobID)
	require.NoError(t, err)
	defer getResp.Body.Close()
	require.Equal(t, http.StatusOK, getResp.StatusCode)
}

func TestGetMissingJobReturns404(t *testing.T) {
	srv := newTestServer(t)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/jobs/does-not-exist")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCancelTwiceReturnsConflict(t *testing.T) {
	srv := newTestServer(t)
	defer srv.Close()

	body, _ := json.Marshal(map[string]interface{}{"service_required": "comfyui"})
	resp, err := http.Post(srv.URL+"/jobs/", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	var created map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	resp.Body.Close()
	jobID := created["job_id"].(string)

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/jobs/"+jobID, nil)
	first, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	first.Body.Close()
	require.Equal(t, http.StatusOK, first.StatusCode)

	req2, _ := http.NewRequest(http.MethodDelete, srv.URL+"/jobs/"+jobID, nil)
	second, err := http.DefaultClient.Do(req2)
	require.NoError(t, err)
	second.Body.Close()
	require.Equal(t, http.StatusConflict, second.StatusCode)
}
