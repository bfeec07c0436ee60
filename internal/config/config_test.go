package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setBaseEnv(t *testing.T) {
	t.Helper()
	t.Setenv("VMLAB_PROXMOX_HOST", "https://pve.local:8006")
	t.Setenv("VMLAB_PROXMOX_NODE", "pve1")
	t.Setenv("VMLAB_PROXMOX_TOKEN", "examlab@pve!gateway=secret")
	t.Setenv("VMLAB_TEMPLATES", "server1=101,server2=102,server3=103")
}

func TestLoad_Defaults(t *testing.T) {
	setBaseEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, "https://pve.local:8006", cfg.Proxmox.Host)
	assert.Equal(t, "pve1", cfg.Proxmox.Node)
	assert.False(t, cfg.Proxmox.InsecureTLS)
	assert.False(t, cfg.Proxmox.FullClone)
	assert.Equal(t, "15s", cfg.Proxmox.RequestTimeout.String())
	assert.Equal(t, "2h0m0s", cfg.SessionMaxAge.String())
	assert.Equal(t, "10m0s", cfg.SweepInterval.String())
	assert.Empty(t, cfg.JWTSecret)
}

func TestLoad_TemplatesPreserveOrder(t *testing.T) {
	setBaseEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	require.Len(t, cfg.Templates, 3)
	assert.Equal(t, RoleTemplate{Role: "server1", TemplateID: 101}, cfg.Templates[0])
	assert.Equal(t, RoleTemplate{Role: "server2", TemplateID: 102}, cfg.Templates[1])
	assert.Equal(t, RoleTemplate{Role: "server3", TemplateID: 103}, cfg.Templates[2])
}

func TestLoad_TrailingSlashTrimmedFromHost(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("VMLAB_PROXMOX_HOST", "https://pve.local:8006/")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "https://pve.local:8006", cfg.Proxmox.Host)
}

func TestLoad_RequiresHostAndNode(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("VMLAB_PROXMOX_HOST", "")

	_, err := Load()
	require.ErrorContains(t, err, "VMLAB_PROXMOX_HOST")

	setBaseEnv(t)
	t.Setenv("VMLAB_PROXMOX_NODE", "")
	_, err = Load()
	require.ErrorContains(t, err, "VMLAB_PROXMOX_NODE")
}

func TestLoad_HostMustCarryScheme(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("VMLAB_PROXMOX_HOST", "pve.local:8006")

	_, err := Load()
	require.ErrorContains(t, err, "scheme")
}

func TestLoad_AuthModeExactlyOne(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("VMLAB_PROXMOX_TOKEN", "")

	_, err := Load()
	require.Error(t, err)

	t.Setenv("VMLAB_PROXMOX_USERNAME", "exam@pve")
	t.Setenv("VMLAB_PROXMOX_PASSWORD", "hunter2")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "exam@pve", cfg.Proxmox.Username)

	t.Setenv("VMLAB_PROXMOX_TOKEN", "tok")
	_, err = Load()
	require.ErrorContains(t, err, "mutually exclusive")
}

func TestLoad_TemplateValidation(t *testing.T) {
	tests := []struct {
		name  string
		value string
	}{
		{name: "missing", value: ""},
		{name: "no id", value: "server1"},
		{name: "negative id", value: "server1=-5"},
		{name: "zero id", value: "server1=0"},
		{name: "non numeric", value: "server1=abc"},
		{name: "duplicate role", value: "server1=101,server1=102"},
		{name: "empty role", value: "=101"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setBaseEnv(t)
			t.Setenv("VMLAB_TEMPLATES", tt.value)
			_, err := Load()
			require.Error(t, err)
		})
	}
}

func TestLoad_CORSOriginsCSV(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("VMLAB_CORS_ORIGINS", "http://localhost:5173, https://exam.example ")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"http://localhost:5173", "https://exam.example"}, cfg.CORSOrigins)
}

func TestLoad_DurationsMustBePositive(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("VMLAB_SESSION_MAX_AGE", "-1h")

	_, err := Load()
	require.ErrorContains(t, err, "session max age")
}
