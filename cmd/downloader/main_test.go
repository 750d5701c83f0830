package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"solar-history/internal/config"
)

// fakeOwnerAPI serves one site installed 30 hours ago
func fakeOwnerAPI(t *testing.T) *httptest.Server {
	t.Helper()
	installed := time.Now().UTC().Add(-30 * time.Hour)

	mux := http.NewServeMux()
	mux.HandleFunc("/api/1/products", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		writeEnvelope(t, w, []map[string]interface{}{
			{"id": 1, "vin": "5YJ3"},
			{"resource_type": "battery", "energy_site_id": 42, "site_name": "Home"},
		})
	})
	mux.HandleFunc("/api/1/energy_sites/42/site_info", func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(t, w, map[string]string{
			"site_name":              "Home",
			"installation_date":      installed.Format(time.RFC3339),
			"installation_time_zone": "UTC",
		})
	})
	mux.HandleFunc("/api/1/energy_sites/42/calendar_history", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		assert.Equal(t, "0", q.Get("fill_telemetry"))
		start := q.Get("start_date")

		sample := map[string]interface{}{"timestamp": start, "solar_energy_exported": 10}
		if q.Get("kind") == "power" {
			sample = map[string]interface{}{
				"timestamp":       start,
				"solar_power":     3,
				"battery_power":   -1,
				"grid_power":      0.5,
				"generator_power": 0,
			}
		}
		writeEnvelope(t, w, map[string]interface{}{
			"serial_number": "TG1",
			"time_series":   []interface{}{sample},
		})
	})
	return httptest.NewServer(mux)
}

func writeEnvelope(t *testing.T, w http.ResponseWriter, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	require.NoError(t, json.NewEncoder(w).Encode(map[string]interface{}{"response": payload}))
}

func writeConfig(t *testing.T, baseURL, dir string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "solar-history.yaml")
	content := fmt.Sprintf(`tesla:
  base_url: %s
  access_token: test-token
fetch:
  max_attempts: 1
  retry_delay: 0s
  request_spacing: 1s
store:
  backend: csv
  directory: %s
logging:
  level: error
`, baseURL, dir)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "solar-history dev\n", out)
}

func TestApplyDownloadFlags(t *testing.T) {
	cmd := newDownloadCommand(&globalOptions{})
	require.NoError(t, cmd.Flags().Parse([]string{"--kind", "energy", "--continue-on-error"}))

	cfg := &config.Config{}
	cfg.Download.Kinds = []string{"power", "energy"}
	cfg.Download.SiteIDs = []string{"7"}

	opts := &downloadOptions{kinds: []string{"energy"}, continueOnError: true}
	applyDownloadFlags(cmd, cfg, opts)

	assert.Equal(t, []string{"energy"}, cfg.Download.Kinds)
	assert.Equal(t, []string{"7"}, cfg.Download.SiteIDs, "unset flags keep configured values")
	assert.True(t, cfg.Download.ContinueOnError)
	assert.False(t, cfg.Server.Enabled)
}

func TestSitesCommand(t *testing.T) {
	srv := fakeOwnerAPI(t)
	defer srv.Close()

	out, err := execute(t, "sites", "--config", writeConfig(t, srv.URL, t.TempDir()))
	require.NoError(t, err)
	assert.Contains(t, out, "SITE ID")
	assert.Contains(t, out, "42")
	assert.Contains(t, out, "battery")
	assert.Contains(t, out, "UTC")
}

func TestDownloadCommand(t *testing.T) {
	srv := fakeOwnerAPI(t)
	defer srv.Close()
	dir := t.TempDir()
	configPath := writeConfig(t, srv.URL, dir)

	out, err := execute(t, "download", "--config", configPath, "--kind", "power")
	require.NoError(t, err)
	assert.Contains(t, out, "OLDEST PERIOD")
	assert.Contains(t, out, "power")
	assert.Contains(t, out, "period(s) fetched")

	today := time.Now().UTC().Format("2006-01-02")
	data, err := os.ReadFile(filepath.Join(dir, "42", "power", today+".partial.csv"))
	require.NoError(t, err)
	// encoding/json writes map keys sorted, so that is the upstream order here
	assert.Contains(t, string(data), "battery_power,generator_power,grid_power,solar_power,timestamp,load_power\n")
	assert.Contains(t, string(data), "-1,0,0.5,3,"+today+" 00:00:00,2.5\n")

	yesterday := time.Now().UTC().AddDate(0, 0, -1).Format("2006-01-02")
	_, err = os.Stat(filepath.Join(dir, "42", "power", yesterday+".csv"))
	assert.NoError(t, err)
}

func TestDownloadCommandRejectsBadKind(t *testing.T) {
	_, err := execute(t, "download", "--config", writeConfig(t, "http://127.0.0.1:1", t.TempDir()), "--kind", "voltage")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid configuration")
}
