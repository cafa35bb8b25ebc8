package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return p
}

const validYAML = `
telegram:
  token: "123:abc"
canvas:
  base_url: "https://canvas.example.edu"
storage:
  path: "/tmp/bot.db"
coordinator:
  tick: "30s"
`

func TestLoadYAML(t *testing.T) {
	t.Parallel()
	m := NewManager(writeFile(t, "config.yaml", validYAML))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Telegram.Token != "123:abc" {
		t.Fatalf("token = %q", cfg.Telegram.Token)
	}
	if cfg.Coordinator.Tick != "30s" {
		t.Fatalf("tick = %q", cfg.Coordinator.Tick)
	}
	if got := m.Get(); got != cfg {
		t.Fatal("Get did not return the committed config")
	}
}

func TestLoadJSON(t *testing.T) {
	t.Parallel()
	m := NewManager(writeFile(t, "config.json", `{
		"telegram": {"token": "123:abc"},
		"canvas": {"base_url": "https://canvas.example.edu"},
		"storage": {"path": "/tmp/bot.db"}
	}`))
	if _, err := m.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}
}

func TestUnknownFieldRejected(t *testing.T) {
	t.Parallel()
	m := NewManager(writeFile(t, "config.yaml", validYAML+"\nsurprise: true\n"))
	if _, err := m.Load(); err == nil {
		t.Fatal("unknown top-level field accepted")
	}
}

func TestValidateRequiredFields(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		body string
		want string
	}{
		{"missing token", `{"canvas":{"base_url":"https://c"},"storage":{"path":"x"}}`, "telegram.token"},
		{"missing base url", `{"telegram":{"token":"t"},"storage":{"path":"x"}}`, "canvas.base_url"},
		{"missing db path", `{"telegram":{"token":"t"},"canvas":{"base_url":"https://c"}}`, "storage.path"},
		{"bad duration", `{"telegram":{"token":"t"},"canvas":{"base_url":"https://c"},"storage":{"path":"x"},"coordinator":{"tick":"soon"}}`, "coordinator.tick"},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			m := NewManager(writeFile(t, "config.json", tc.body))
			_, err := m.Load()
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("err = %v, want mention of %s", err, tc.want)
			}
		})
	}
}

func TestParseDurationField(t *testing.T) {
	t.Parallel()
	if d, err := ParseDurationField("x", " 90s "); err != nil || d.Seconds() != 90 {
		t.Fatalf("d=%v err=%v", d, err)
	}
	if d, err := ParseDurationField("x", ""); err != nil || d != 0 {
		t.Fatalf("empty: d=%v err=%v", d, err)
	}
	if _, err := ParseDurationField("x", "-5s"); err == nil {
		t.Fatal("negative duration accepted")
	}
}
