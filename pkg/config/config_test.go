package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/jingkaihe/metaproxy/pkg/api"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), FileName)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoad_MissingFileWritesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", FileName)

	res, err := Load(path, nil)
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.Equal(t, api.DefaultProxyConfig(), res.Config)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, int64(8899), gjson.GetBytes(data, "proxyPort").Int())
	assert.Equal(t, "127.0.0.1", gjson.GetBytes(data, "redirectHost").String())
	assert.Equal(t, int64(5000), gjson.GetBytes(data, "redirectPort").Int())
	assert.Len(t, gjson.GetBytes(data, "targetDomains").Array(), 3)
}

func TestLoad_BlankFileWritesDefaults(t *testing.T) {
	path := writeConfig(t, "  \n\t ")

	res, err := Load(path, nil)
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.Empty(t, res.BackupPath)
	assert.Equal(t, api.DefaultProxyConfig(), res.Config)
}

func TestLoad_CorruptFileIsBackedUp(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"truncated json", `{"proxyPort": 8899, "redirectHost": `},
		{"not an object", `[1, 2, 3]`},
		{"wrong port type", `{"proxyPort": "not-a-number"}`},
		{"domains not a list", `{"targetDomains": "example.com"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, tt.content)

			res, err := Load(path, nil)
			require.NoError(t, err)
			assert.True(t, res.Created)
			assert.Equal(t, api.DefaultProxyConfig(), res.Config)
			assert.Equal(t, path+BackupSuffix, res.BackupPath)

			backup, err := os.ReadFile(res.BackupPath)
			require.NoError(t, err)
			assert.Equal(t, tt.content, string(backup))

			data, err := os.ReadFile(path)
			require.NoError(t, err)
			assert.True(t, gjson.ValidBytes(data))
		})
	}
}

func TestLoad_ValidFile(t *testing.T) {
	content := `{
  "proxyPort": 9000,
  "redirectHost": "10.0.0.2",
  "redirectPort": 8080,
  "targetDomains": ["example.com", "example.org"]
}`
	path := writeConfig(t, content)

	res, err := Load(path, nil)
	require.NoError(t, err)
	assert.False(t, res.Created)
	assert.Empty(t, res.Repaired)
	assert.Equal(t, &api.ProxyConfig{
		ProxyPort:     9000,
		RedirectHost:  "10.0.0.2",
		RedirectPort:  8080,
		TargetDomains: []string{"example.com", "example.org"},
	}, res.Config)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, content, string(data), "valid file is not rewritten")
}

func TestLoad_RepairsInvalidFields(t *testing.T) {
	content := `{"proxyPort": 70000, "redirectHost": "  ", "redirectPort": 5001, "targetDomains": [], "comment": "keep me"}`
	path := writeConfig(t, content)

	res, err := Load(path, nil)
	require.NoError(t, err)
	assert.False(t, res.Created)

	fields := map[string]bool{}
	for _, c := range res.Repaired {
		fields[c.Field] = true
	}
	assert.Equal(t, map[string]bool{"proxyPort": true, "redirectHost": true, "targetDomains": true}, fields)

	assert.Equal(t, 8899, res.Config.ProxyPort)
	assert.Equal(t, "127.0.0.1", res.Config.RedirectHost)
	assert.Equal(t, 5001, res.Config.RedirectPort)
	assert.Equal(t, api.DefaultTargetDomains, res.Config.TargetDomains)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, int64(8899), gjson.GetBytes(data, "proxyPort").Int())
	assert.Equal(t, "127.0.0.1", gjson.GetBytes(data, "redirectHost").String())
	assert.Equal(t, int64(5001), gjson.GetBytes(data, "redirectPort").Int())
	assert.Equal(t, "keep me", gjson.GetBytes(data, "comment").String(), "unknown keys survive a repair")
	assert.Len(t, gjson.GetBytes(data, "targetDomains").Array(), 3)

	again, err := Load(path, nil)
	require.NoError(t, err)
	assert.Empty(t, again.Repaired, "repaired file loads cleanly")
}

func TestLoad_MissingKeysArePatchedIn(t *testing.T) {
	path := writeConfig(t, `{"redirectPort": 6000}`)

	res, err := Load(path, nil)
	require.NoError(t, err)
	assert.Equal(t, 8899, res.Config.ProxyPort)
	assert.Equal(t, 6000, res.Config.RedirectPort)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, gjson.GetBytes(data, "proxyPort").Exists())
	assert.True(t, gjson.GetBytes(data, "redirectHost").Exists())
	assert.True(t, gjson.GetBytes(data, "targetDomains").Exists())
}

func TestLoad_NumericStringsAreAccepted(t *testing.T) {
	path := writeConfig(t, `{"proxyPort": "9001", "redirectHost": "localhost", "redirectPort": 5000, "targetDomains": ["a.com"]}`)

	res, err := Load(path, nil)
	require.NoError(t, err)
	assert.Equal(t, 9001, res.Config.ProxyPort)
	assert.Empty(t, res.Repaired)
}

func TestSave(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", FileName)
	cfg := &api.ProxyConfig{ProxyPort: 1, RedirectHost: "h", RedirectPort: 2, TargetDomains: []string{"d"}}

	require.NoError(t, Save(path, cfg))

	res, err := Load(path, nil)
	require.NoError(t, err)
	assert.Equal(t, cfg, res.Config)

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files are left behind")
}
