package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaiso/vss/internal/chat"
	"github.com/shaiso/vss/internal/domain"
	"github.com/shaiso/vss/internal/mq"
	"github.com/shaiso/vss/internal/repo"
)

func env(vars map[string]string) func(string) string {
	return func(k string) string { return vars[k] }
}

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "vss.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_DefaultsWithoutFile(t *testing.T) {
	cfg, err := load(filepath.Join(t.TempDir(), "missing.yaml"), false, env(nil))
	require.NoError(t, err)

	assert.Equal(t, repo.DefaultDSN, cfg.Database.URL)
	assert.Equal(t, mq.DefaultURL(), cfg.Bus.URL)
	assert.True(t, cfg.Bus.Enabled)
	assert.True(t, cfg.Bus.AutoReconnect)
	assert.Equal(t, 30*time.Second, cfg.Bus.InitialDelay)
	assert.Equal(t, 5, cfg.Bus.MaxAttempts)
	assert.Equal(t, 8081, cfg.DCI.Port)
	assert.Equal(t, 8082, cfg.Hub.Port)
	assert.False(t, cfg.Monitor.Enabled)
}

func TestLoad_RequiredFileMissing(t *testing.T) {
	_, err := load(filepath.Join(t.TempDir(), "missing.yaml"), true, env(nil))
	assert.Error(t, err)
}

func TestLoad_FileOverlaysDefaults(t *testing.T) {
	path := writeFile(t, `
bus:
  max_attempts: 10
  initial_delay: 2s
dci:
  port: 9001
hub:
  tokens:
    secret: admin
slots:
  - id: "1"
    sip_username: slot1
    number: "+15550001"
    trunk_id: trunk-1
`)
	cfg, err := load(path, true, env(nil))
	require.NoError(t, err)

	// не указанные в файле значения остаются по умолчанию
	assert.True(t, cfg.Bus.Enabled)
	assert.Equal(t, 10, cfg.Bus.MaxAttempts)
	assert.Equal(t, 2*time.Second, cfg.Bus.InitialDelay)
	assert.Equal(t, 9001, cfg.DCI.Port)
	assert.Equal(t, "admin", cfg.Hub.Tokens["secret"])
	require.Len(t, cfg.Slots, 1)

	s := cfg.Slots[0].Slot()
	assert.Equal(t, "1", s.ID)
	assert.Equal(t, domain.DeviceTypeAuto, s.DeviceType)
	assert.Equal(t, domain.FSMStateIdle, s.FSMState)
	require.NotNil(t, s.SIP)
	assert.Equal(t, "slot1", s.SIP.Username)
	assert.Equal(t, "trunk-1", s.TrunkID)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeFile(t, "dci:\n  port: 9001\n")
	cfg, err := load(path, true, env(map[string]string{
		"DB_URL":                          "postgres://x",
		"RABBITMQ_URL":                    "amqp://y",
		"RABBITMQ_ENABLED":                "false",
		"RABBITMQ_MAX_RECONNECT_ATTEMPTS": "7",
		"RABBITMQ_RECONNECT_DELAY":        "1500",
		"DCI_PORT":                        "9100",
		"LOG_FORMAT":                      "text",
	}))
	require.NoError(t, err)

	assert.Equal(t, "postgres://x", cfg.Database.URL)
	assert.Equal(t, "amqp://y", cfg.Bus.URL)
	assert.False(t, cfg.Bus.Enabled)
	assert.Equal(t, 7, cfg.Bus.MaxAttempts)
	assert.Equal(t, 1500*time.Millisecond, cfg.Bus.InitialDelay)
	assert.Equal(t, 9100, cfg.DCI.Port)
	assert.Equal(t, "text", cfg.Log.Format)
}

func TestLoad_InvalidEnv(t *testing.T) {
	_, err := load("", false, env(map[string]string{"RABBITMQ_ENABLED": "maybe"}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "RABBITMQ_ENABLED")
}

func TestParse_Validation(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"bad format", "log:\n  format: xml\n", "log.format"},
		{"bad role", "hub:\n  tokens:\n    t: root\n", "unknown role"},
		{"duplicate slot", "slots:\n  - id: a\n  - id: a\n", "duplicate id"},
		{"bad device type", "slots:\n  - id: a\n    device_type: fax\n", "device_type"},
		{"slack without token", "chat:\n  platform: slack\n", "slack_token"},
		{"unknown platform", "chat:\n  platform: irc\n", "chat.platform"},
		{"bad monitor kind", "monitor:\n  enabled: true\n  recovery_kind: wipe\n", "recovery_kind"},
		{"bad monitor schedule", "monitor:\n  enabled: true\n  schedule: hourly\n", "monitor.schedule"},
		{"max delay below initial", "bus:\n  initial_delay: 10s\n  max_delay: 1s\n", "max_delay"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), "config: validation failed")
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestParse_CollectsAllErrors(t *testing.T) {
	_, err := Parse([]byte("log:\n  format: xml\nchat:\n  platform: irc\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "log.format")
	assert.Contains(t, err.Error(), "chat.platform")
}

func TestBusConfig_MQ(t *testing.T) {
	cfg := Default()
	mqCfg := cfg.Bus.MQ(mq.HubTopology(), nil)

	assert.Equal(t, cfg.Bus.URL, mqCfg.URL)
	assert.Equal(t, cfg.Bus.MaxAttempts, mqCfg.MaxAttempts)
	assert.Equal(t, mq.HubTopology(), mqCfg.Topology)
}

func TestChatConfig_Sender(t *testing.T) {
	_, ok := ChatConfig{}.Sender()
	assert.False(t, ok)

	c, ok := ChatConfig{Platform: "discord", DiscordToken: "d", SlackToken: "s", DefaultChannel: "ops"}.Sender()
	require.True(t, ok)
	assert.Equal(t, chat.PlatformDiscord, c.Platform)
	assert.Equal(t, "d", c.Token)
	assert.Equal(t, "ops", c.DefaultChannel)
}

func TestDRPConfig_Retry(t *testing.T) {
	r := Default().DRP.Retry()
	assert.Equal(t, 3, r.MaxAttempts)
	assert.Equal(t, time.Second, r.InitialDelay)
}
