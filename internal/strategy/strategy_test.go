package strategy

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeDoc(t *testing.T, dir, name, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name+".json"), []byte(body), 0o644))
}

func writeValidSet(t *testing.T, dir string) {
	t.Helper()
	for _, name := range []string{NameFlash, NameHybrid, NameCampaign} {
		writeDoc(t, dir, name, `{
			"schemaVersion": 1,
			"strategyId": "`+name+`-v1",
			"name": "`+name+`",
			"defaults": {"activationPct": 8, "trailPct": 7},
			"qualify": {"gates": [
				{"id": "g1", "type": "number_gte", "params": {"path": "risk.score", "min": 0}, "severityOnFail": "warn"}
			]}
		}`)
	}
}

func TestLoad_ValidSet(t *testing.T) {
	dir := t.TempDir()
	writeValidSet(t, dir)

	set, err := Load(dir)
	require.NoError(t, err)

	flash, ok := set.Get("flash")
	require.True(t, ok, "Get is case-insensitive")
	assert.Equal(t, "FLASH", flash.Name)
	assert.Equal(t, 8.0, flash.Defaults.ActivationPct)

	all := set.All()
	require.Len(t, all, 3)
	assert.Equal(t, NameFlash, all[0].Name)
	assert.Equal(t, NameHybrid, all[1].Name)
	assert.Equal(t, NameCampaign, all[2].Name)
}

func TestLoad_MissingDocument(t *testing.T) {
	dir := t.TempDir()
	writeDoc(t, dir, NameFlash, `{"schemaVersion":1,"strategyId":"f","name":"FLASH","qualify":{"gates":[]}}`)

	_, err := Load(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HYBRID")
}

func TestLoad_SchemaVersionMismatch(t *testing.T) {
	dir := t.TempDir()
	writeValidSet(t, dir)
	writeDoc(t, dir, NameFlash, `{"schemaVersion":2,"strategyId":"f","name":"FLASH","qualify":{"gates":[]}}`)

	_, err := Load(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "schemaVersion")
}

func TestLoad_NameMismatch(t *testing.T) {
	dir := t.TempDir()
	writeValidSet(t, dir)
	writeDoc(t, dir, NameFlash, `{"schemaVersion":1,"strategyId":"f","name":"TURBO","qualify":{"gates":[]}}`)

	_, err := Load(dir)
	require.Error(t, err)
}

func TestLoad_GateValidation(t *testing.T) {
	dir := t.TempDir()
	writeValidSet(t, dir)
	writeDoc(t, dir, NameCampaign, `{
		"schemaVersion": 1, "strategyId": "c", "name": "CAMPAIGN",
		"qualify": {"gates": [{"id": "", "type": "number_gte", "severityOnFail": "warn"}]}
	}`)

	_, err := Load(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing id")

	writeDoc(t, dir, NameCampaign, `{
		"schemaVersion": 1, "strategyId": "c", "name": "CAMPAIGN",
		"qualify": {"gates": [{"id": "g", "type": "number_gte", "severityOnFail": "catastrophic"}]}
	}`)
	_, err = Load(dir)
	require.Error(t, err)
}

func TestParseSeverity(t *testing.T) {
	cases := map[string]Severity{
		"":        SeverityNone,
		"none":    SeverityNone,
		"warn":    SeverityWarn,
		"Trim":    SeverityTrim,
		"DEGRADE": SeverityDegrade,
		"exit":    SeverityExit,
	}
	for in, want := range cases {
		got, err := ParseSeverity(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseSeverity("fatal")
	assert.Error(t, err)
}

func TestSeverityOrdering(t *testing.T) {
	assert.True(t, SeverityNone < SeverityWarn)
	assert.True(t, SeverityWarn < SeverityTrim)
	assert.True(t, SeverityTrim < SeverityDegrade)
	assert.True(t, SeverityDegrade < SeverityExit)
}
