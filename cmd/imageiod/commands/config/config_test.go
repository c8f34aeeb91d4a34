package config

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/marmos91/imageiod/pkg/config"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := &cobra.Command{Use: "imageiod", SilenceUsage: true, SilenceErrors: true}
	root.PersistentFlags().String("config", "", "config file")
	root.AddCommand(Cmd)

	// Flag values are package globals and survive between runs.
	initForce = false
	showOutput = "yaml"
	schemaOutput = ""

	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestInitShowValidate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "imageiod", "config.yaml")

	out, err := run(t, "config", "init", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, path)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	_, err = run(t, "config", "init", "--config", path)
	assert.ErrorContains(t, err, "already exists")
	_, err = run(t, "config", "init", "--config", path, "--force")
	require.NoError(t, err)

	out, err = run(t, "config", "show", "--config", path)
	require.NoError(t, err)
	var shown map[string]any
	require.NoError(t, yaml.Unmarshal([]byte(out), &shown))
	assert.Contains(t, shown, "daemon")
	assert.Contains(t, shown, "control")

	out, err = run(t, "config", "show", "--config", path, "--output", "json")
	require.NoError(t, err)
	assert.True(t, json.Valid([]byte(out)))

	out, err = run(t, "config", "validate", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "Validation: OK")
	assert.Contains(t, out, "plain HTTP")
}

func TestValidateRejectsBadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	cfg := config.GetDefaultConfig()
	cfg.Control.Transport = "carrier-pigeon"
	require.NoError(t, config.SaveConfig(cfg, path))

	_, err := run(t, "config", "validate", "--config", path)
	assert.Error(t, err)

	_, err = run(t, "config", "validate", "--config", filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "not found")
}

func TestSchema(t *testing.T) {
	out, err := run(t, "config", "schema")
	require.NoError(t, err)

	var schema map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &schema))
	assert.Equal(t, "imageiod Configuration", schema["title"])
	props, ok := schema["properties"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, props, "daemon")
	assert.Contains(t, props, "backends")

	file := filepath.Join(t.TempDir(), "schema.json")
	_, err = run(t, "config", "schema", "--output", file)
	require.NoError(t, err)
	data, err := os.ReadFile(file)
	require.NoError(t, err)
	assert.True(t, json.Valid(data))
}
