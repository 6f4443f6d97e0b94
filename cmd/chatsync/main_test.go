package main

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	chatsync "github.com/LuminPulse-AI/chatsync"
)

// ============================================================================
// Config
// ============================================================================

func TestSetConfigValue(t *testing.T) {
	cfg := &Config{}
	require.NoError(t, setConfigValue(cfg, "default.ws_url", "wss://chat.example.com/ws"))
	require.NoError(t, setConfigValue(cfg, "default.api_url", "https://chat.example.com/api"))
	require.NoError(t, setConfigValue(cfg, "default.log_level", "debug"))
	require.NoError(t, setConfigValue(cfg, "auth.token", "tok"))
	require.NoError(t, setConfigValue(cfg, "auth.user_id", "u1"))
	require.NoError(t, setConfigValue(cfg, "auth.username", "alice"))

	assert.Equal(t, Config{
		Default: ConfigDefault{WSURL: "wss://chat.example.com/ws", APIURL: "https://chat.example.com/api", LogLevel: "debug"},
		Auth:    ConfigAuth{Token: "tok", UserID: "u1", Username: "alice"},
	}, *cfg)

	assert.Error(t, setConfigValue(cfg, "ws_url", "x"))
	assert.Error(t, setConfigValue(cfg, "default.nope", "x"))
	assert.Error(t, setConfigValue(cfg, "auth.nope", "x"))
	assert.Error(t, setConfigValue(cfg, "server.port", "x"))
}

func TestConfigRoundTrip(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	cfg, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, Config{}, *cfg)

	cfg.Default.WSURL = "ws://chat.local/ws"
	cfg.Auth.Token = "tok-123"
	require.NoError(t, saveConfig(cfg))

	data, err := os.ReadFile(filepath.Join(home, ".chatsync", "config.toml"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "[default]")
	assert.Contains(t, string(data), "ws://chat.local/ws")

	loaded, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestEffectiveConfig(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	require.NoError(t, saveConfig(&Config{Auth: ConfigAuth{Token: "from-file"}}))

	cfg, err := effectiveConfig()
	require.NoError(t, err)
	assert.Equal(t, defaultWSURL, cfg.Default.WSURL)
	assert.Equal(t, defaultAPIURL, cfg.Default.APIURL)
	assert.Equal(t, "info", cfg.Default.LogLevel)
	assert.Equal(t, "from-file", cfg.Auth.Token)

	t.Setenv("CHATSYNC_TOKEN", "from-env")
	t.Setenv("CHATSYNC_WS_URL", "wss://env/ws")
	cfg, err = effectiveConfig()
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Auth.Token)
	assert.Equal(t, "wss://env/ws", cfg.Default.WSURL)

	// Overrides are never written back.
	onDisk, err := loadConfig()
	require.NoError(t, err)
	assert.Equal(t, "from-file", onDisk.Auth.Token)
	assert.Empty(t, onDisk.Default.WSURL)
}

func TestResolveConfigSources(t *testing.T) {
	t.Setenv("CHATSYNC_WS_URL", "")
	t.Setenv("CHATSYNC_API_URL", "")
	t.Setenv("CHATSYNC_LOG_LEVEL", "")
	t.Setenv("CHATSYNC_USER_ID", "")
	t.Setenv("CHATSYNC_TOKEN", "env-token-0123456789")

	file := &Config{
		Default: ConfigDefault{WSURL: "ws://file/ws"},
		Auth:    ConfigAuth{Token: "file-token"},
	}
	cfg, settings := resolveConfig(file)
	assert.Equal(t, "env-token-0123456789", cfg.Auth.Token)
	assert.Equal(t, "file-token", file.Auth.Token)
	assert.Equal(t, []configSetting{
		{Key: "default.ws_url", Value: "ws://file/ws", Source: "file"},
		{Key: "default.api_url", Value: defaultAPIURL, Source: "default"},
		{Key: "default.log_level", Value: "info", Source: "default"},
		{Key: "auth.token", Value: "env-to...6789", Source: "env CHATSYNC_TOKEN"},
		{Key: "auth.user_id", Source: "unset"},
		{Key: "auth.username", Source: "unset"},
	}, settings)

	var buf bytes.Buffer
	writeSettings(&buf, settings)
	out := buf.String()
	assert.NotContains(t, out, "env-token-0123456789")
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 7)
	assert.True(t, strings.HasPrefix(lines[0], "KEY"))
	assert.Contains(t, lines[4], "env CHATSYNC_TOKEN")
	assert.Contains(t, lines[5], "-")
}

func TestGetConfigRequiresToken(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("CHATSYNC_TOKEN", "")
	_, err := getConfig()
	assert.ErrorContains(t, err, "chatsync init")
}

// ============================================================================
// Rendering
// ============================================================================

func TestRendererPrintsChangesOnly(t *testing.T) {
	var buf bytes.Buffer
	r := newRenderer(&buf, "bob")
	r.setSelf("alice")

	pending := chatsync.Message{ID: "t1", ProvisionalID: "t1", SenderID: "alice", Content: "hi", Status: chatsync.StatusPending}
	inbound := chatsync.Message{ID: "m9", SenderID: "bob", Content: "hey", Status: chatsync.StatusSent}

	r.messages([]chatsync.Message{inbound, pending})
	r.messages([]chatsync.Message{inbound, pending})
	acked := pending
	acked.ID, acked.Status = "m1", chatsync.StatusSent
	r.messages([]chatsync.Message{inbound, acked})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	assert.Contains(t, lines[0], "bob: hey")
	assert.Contains(t, lines[1], "you: hi  (...)")
	assert.Contains(t, lines[2], "you: hi  (sent)")
}

// ============================================================================
// Input
// ============================================================================

// fakeChat records what the input loop asks of the session.
type fakeChat struct {
	calls []string
	msgs  []chatsync.Message
}

func (f *fakeChat) Send(_ context.Context, content string) (chatsync.Message, error) {
	f.calls = append(f.calls, "send "+content)
	return chatsync.Message{Content: content}, nil
}

func (f *fakeChat) Retry(_ context.Context, id string) error {
	f.calls = append(f.calls, "retry "+id)
	return nil
}

func (f *fakeChat) Messages(context.Context) ([]chatsync.Message, error) {
	return f.msgs, nil
}

func (f *fakeChat) Typing(context.Context) error {
	f.calls = append(f.calls, "typing")
	return nil
}

func (f *fakeChat) StopTyping(context.Context) error {
	f.calls = append(f.calls, "stop typing")
	return nil
}

func TestComposer(t *testing.T) {
	ctx := context.Background()

	t.Run("continuation lines signal typing", func(t *testing.T) {
		sess := &fakeChat{}
		c := &composer{sess: sess, r: newRenderer(io.Discard, "bob")}
		require.NoError(t, c.handle(ctx, `first line \`))
		require.NoError(t, c.handle(ctx, `second\`))
		require.NoError(t, c.handle(ctx, "last"))
		assert.Equal(t, []string{"typing", "typing", "send first line\nsecond\nlast"}, sess.calls)
	})

	t.Run("cancel discards the draft", func(t *testing.T) {
		sess := &fakeChat{}
		c := &composer{sess: sess, r: newRenderer(io.Discard, "bob")}
		require.NoError(t, c.handle(ctx, `draft \`))
		require.NoError(t, c.handle(ctx, "/cancel"))
		require.NoError(t, c.handle(ctx, "/cancel"))
		require.NoError(t, c.handle(ctx, "fresh"))
		assert.Equal(t, []string{"typing", "stop typing", "send fresh"}, sess.calls)
	})

	t.Run("commands", func(t *testing.T) {
		sess := &fakeChat{msgs: []chatsync.Message{
			{ID: "t1", ProvisionalID: "t1", Status: chatsync.StatusFailed, ErrorReason: chatsync.ReasonTimeout},
			{ID: "m2", ProvisionalID: "t2", Status: chatsync.StatusSent},
		}}
		var buf bytes.Buffer
		c := &composer{sess: sess, r: newRenderer(&buf, "bob")}

		require.NoError(t, c.handle(ctx, "   "))
		require.NoError(t, c.handle(ctx, "/retry t9"))
		require.NoError(t, c.handle(ctx, "/retry"))
		assert.ErrorIs(t, c.handle(ctx, "/quit"), errQuit)
		assert.ErrorContains(t, c.handle(ctx, "/nope"), "unknown command")
		assert.Equal(t, []string{"retry t9", "retry t1"}, sess.calls)
		assert.Contains(t, buf.String(), "retried 1 message(s)")
	})
}

func TestStatusMark(t *testing.T) {
	failed := chatsync.Message{ProvisionalID: "t1", Status: chatsync.StatusFailed, ErrorReason: chatsync.ReasonTimeout}
	assert.Equal(t, "FAILED: timeout (/retry t1)", statusMark(failed))
	assert.Equal(t, "read", statusMark(chatsync.Message{Status: chatsync.StatusRead}))
}

func TestMaskKey(t *testing.T) {
	assert.Equal(t, "****", maskKey("short"))
	assert.Equal(t, "eyJhbG...wxyz", maskKey("eyJhbGciOiJIUzI1NiJ9.wxyz"))
}
