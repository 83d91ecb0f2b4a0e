package contract

import (
	"encoding/json"
	"os"
	"os/user"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sashimono/agent/pkg/types"
)

const templateConfig = `{
    "hp_version": "0.6.0",
    "node": {
        "history": "full"
    },
    "contract": {
        "execute": true,
        "environment": ""
    },
    "mesh": {
        "msg_forwarding": true
    }
}`

// writeTemplate lays out a minimal contract template tree
func writeTemplate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "cfg"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "cfg", "hp.cfg"), []byte(templateConfig), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "bootstrap_contract"), []byte("#!/bin/sh\n"), 0755))
	return dir
}

func currentUsername(t *testing.T) string {
	t.Helper()
	u, err := user.Current()
	require.NoError(t, err)
	return u.Username
}

func readConfig(t *testing.T, contractDir string) map[string]interface{} {
	t.Helper()
	raw, err := os.ReadFile(filepath.Join(contractDir, HPConfigFile))
	require.NoError(t, err)
	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &doc))
	return doc
}

// TestMaterialize verifies the full template clone and patch
func TestMaterialize(t *testing.T) {
	m := NewMaterializer(writeTemplate(t))
	contractDir := filepath.Join(t.TempDir(), "instance")
	owner := "ed" + hexString(64)
	contractID := "11f5c300-2f0d-4d4a-8a02-1a3bd43c9f10"

	keys, err := m.Materialize(currentUsername(t), owner, contractID, contractDir,
		types.PortPair{Peer: 22861, User: 26201})
	require.NoError(t, err)
	require.NotNil(t, keys)
	assert.True(t, ValidPubkey(keys.PublicKey))

	doc := readConfig(t, contractDir)

	assert.Equal(t, keys.PublicKey, GetPath(doc, "node", "public_key"))
	assert.Equal(t, keys.PrivateKey, GetPath(doc, "node", "private_key"))
	assert.Equal(t, float64(2), GetPath(doc, "node", "history_config", "max_primary_shards"))
	assert.Equal(t, float64(2), GetPath(doc, "node", "history_config", "max_raw_shards"))

	assert.Equal(t, contractID, GetPath(doc, "contract", "id"))
	assert.Equal(t, "10000:10000", GetPath(doc, "contract", "run_as"))
	assert.Equal(t, []interface{}{keys.PublicKey}, GetPath(doc, "contract", "unl"))
	assert.Equal(t, "bootstrap_contract", GetPath(doc, "contract", "bin_path"))
	assert.Equal(t, owner, GetPath(doc, "contract", "bin_args"))

	assert.Equal(t, float64(22861), GetPath(doc, "mesh", "port"))
	assert.Equal(t, float64(26201), GetPath(doc, "user", "port"))

	assert.Equal(t, true, GetPath(doc, "hpfs", "external"))
	assert.Equal(t, "err", GetPath(doc, "hpfs", "log", "log_level"))
	assert.Equal(t, "inf", GetPath(doc, "log", "log_level"))

	// Template keys the patch does not own survive
	assert.Equal(t, "full", GetPath(doc, "node", "history"))
	assert.Equal(t, true, GetPath(doc, "mesh", "msg_forwarding"))
	assert.Equal(t, "0.6.0", GetPath(doc, "hp_version"))

	// TLS material and template files made it across
	assert.FileExists(t, filepath.Join(contractDir, "cfg", "tlscert.pem"))
	assert.FileExists(t, filepath.Join(contractDir, "cfg", "tlskey.pem"))
	assert.FileExists(t, filepath.Join(contractDir, "bootstrap_contract"))
}

// TestMaterializeBadTemplate verifies nothing is left behind on failure
func TestMaterializeBadTemplate(t *testing.T) {
	m := NewMaterializer(filepath.Join(t.TempDir(), "missing"))
	contractDir := filepath.Join(t.TempDir(), "instance")

	_, err := m.Materialize(currentUsername(t), "ed"+hexString(64),
		"11f5c300-2f0d-4d4a-8a02-1a3bd43c9f10", contractDir, types.PortPair{Peer: 1, User: 2})
	require.Error(t, err)
	assert.NoDirExists(t, contractDir)
}

// TestApplyOverrides verifies sparse patches keep unrelated keys
func TestApplyOverrides(t *testing.T) {
	m := NewMaterializer(writeTemplate(t))
	contractDir := filepath.Join(t.TempDir(), "instance")

	keys, err := m.Materialize(currentUsername(t), "ed"+hexString(64),
		"11f5c300-2f0d-4d4a-8a02-1a3bd43c9f10", contractDir, types.PortPair{Peer: 22861, User: 26201})
	require.NoError(t, err)

	err = m.ApplyOverrides(contractDir, map[string]interface{}{
		"node": map[string]interface{}{"history": "custom"},
		"log":  map[string]interface{}{"log_level": "dbg"},
	})
	require.NoError(t, err)

	doc := readConfig(t, contractDir)
	assert.Equal(t, "custom", GetPath(doc, "node", "history"))
	assert.Equal(t, "dbg", GetPath(doc, "log", "log_level"))
	// Untouched keys survive
	assert.Equal(t, keys.PublicKey, GetPath(doc, "node", "public_key"))
	assert.Equal(t, float64(22861), GetPath(doc, "mesh", "port"))

	// An empty overlay is a no-op, not a rewrite
	before, err := os.ReadFile(filepath.Join(contractDir, HPConfigFile))
	require.NoError(t, err)
	require.NoError(t, m.ApplyOverrides(contractDir, nil))
	after, err := os.ReadFile(filepath.Join(contractDir, HPConfigFile))
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

// TestReadServiceSettings verifies history and hpfs level extraction
func TestReadServiceSettings(t *testing.T) {
	m := NewMaterializer(writeTemplate(t))
	contractDir := filepath.Join(t.TempDir(), "instance")

	_, err := m.Materialize(currentUsername(t), "ed"+hexString(64),
		"11f5c300-2f0d-4d4a-8a02-1a3bd43c9f10", contractDir, types.PortPair{Peer: 22861, User: 26201})
	require.NoError(t, err)

	settings, err := m.ReadServiceSettings(contractDir)
	require.NoError(t, err)
	assert.Equal(t, types.HistoryFull, settings.History)
	assert.Equal(t, "err", settings.HpfsLogLevel)

	require.NoError(t, m.ApplyOverrides(contractDir, map[string]interface{}{
		"node": map[string]interface{}{"history": "custom"},
		"hpfs": map[string]interface{}{"log": map[string]interface{}{"log_level": "dbg"}},
	}))

	settings, err = m.ReadServiceSettings(contractDir)
	require.NoError(t, err)
	assert.Equal(t, types.HistoryCustom, settings.History)
	assert.Equal(t, "dbg", settings.HpfsLogLevel)
}
