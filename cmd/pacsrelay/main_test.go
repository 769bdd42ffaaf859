package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pacsrelay/pacsrelay/internal/config"
	"github.com/pacsrelay/pacsrelay/pkg/proto"
)

func TestObjectFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "1.2.840.99.dcm")
	require.NoError(t, os.WriteFile(path, []byte("payload"), 0644))

	tests := []struct {
		name     string
		flags    sendFlags
		expected proto.Metadata
	}{
		{
			name:  "all identifiers",
			flags: sendFlags{patient: "P1", study: "S1", series: "SE1", modality: "CT"},
			expected: proto.Metadata{
				PatientID: "P1", StudyUID: "S1", SeriesUID: "SE1", InstanceUID: "1.2.840.99",
				Modality: "CT", SOPClassUID: proto.Unknown,
			},
		},
		{
			name:  "missing identifiers default",
			flags: sendFlags{},
			expected: proto.Metadata{
				PatientID: proto.Unknown, StudyUID: proto.Unknown, SeriesUID: proto.Unknown,
				InstanceUID: "1.2.840.99", Modality: proto.Unknown, SOPClassUID: proto.Unknown,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			obj, err := objectFromFile(path, tt.flags)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, obj.Metadata)
			assert.Equal(t, []byte("payload"), obj.Payload)
		})
	}

	_, err := objectFromFile(filepath.Join(dir, "absent.dcm"), sendFlags{})
	assert.Error(t, err)
}

func TestWriteExampleConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "etc", "pacsrelay.yaml")

	require.NoError(t, writeExampleConfig(path, false))
	assert.Error(t, writeExampleConfig(path, false), "existing file is not overwritten")
	require.NoError(t, writeExampleConfig(path, true))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "PACSRELAY", cfg.Receiver.Identity)
	assert.True(t, filepath.IsAbs(cfg.StorageDir))
}

func TestRootCommandTree(t *testing.T) {
	root := newRootCmd()

	for _, name := range []string{"serve", "send", "echo", "sweep", "ledger", "init", "service", "version"} {
		cmd, _, err := root.Find([]string{name})
		require.NoError(t, err, name)
		assert.Equal(t, name, cmd.Name())
	}

	for _, name := range []string{"install", "uninstall", "start", "stop", "restart", "status", "logs"} {
		cmd, _, err := root.Find([]string{"service", name})
		require.NoError(t, err, name)
		assert.Equal(t, name, cmd.Name())
	}
}

func TestVersionCommand(t *testing.T) {
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"version"})

	require.NoError(t, root.Execute())
	assert.Contains(t, out.String(), "pacsrelay "+Version)
}

func TestCapitalize(t *testing.T) {
	assert.Equal(t, "Restart", capitalize("restart"))
	assert.Equal(t, "", capitalize(""))
}

func TestOpenAudit(t *testing.T) {
	cfg := config.Default()
	cfg.LogDir = t.TempDir()

	cfg.AuditLog = false
	a, closeAudit, err := openAudit(cfg)
	require.NoError(t, err)
	assert.Nil(t, a)
	closeAudit()
	assert.NoFileExists(t, filepath.Join(cfg.LogDir, "audit.log"))

	cfg.AuditLog = true
	a, closeAudit, err = openAudit(cfg)
	require.NoError(t, err)
	require.NotNil(t, a)
	a.LogSession("CT", "127.0.0.1:1", "allowed", "")
	closeAudit()
	assert.FileExists(t, filepath.Join(cfg.LogDir, "audit.log"))
}

func TestShipLogsDisabled(t *testing.T) {
	cfg := config.Default()
	stop := shipLogs(cfg)
	assert.NotPanics(t, stop)
}
