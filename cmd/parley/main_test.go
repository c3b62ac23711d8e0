package main

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/MrWong99/parley/internal/config"
	"github.com/MrWong99/parley/internal/preflight"
)

func TestRun_ArgumentErrors(t *testing.T) {
	tests := []struct {
		name       string
		args       []string
		wantCode   int
		wantStdout string
		wantStderr []string
	}{
		{name: "no mode", args: nil, wantCode: 1, wantStderr: []string{"no mode specified", "Usage:"}},
		{name: "invalid mode", args: []string{"gradio"}, wantCode: 1, wantStderr: []string{`invalid mode "gradio"`, "terminal"}},
		{name: "two modes", args: []string{"web", "terminal"}, wantCode: 1, wantStderr: []string{"expected one mode, got 2"}},
		{name: "unknown flag", args: []string{"--loud", "web"}, wantCode: 1, wantStderr: []string{"unknown flag", "Usage:"}},
		{name: "bad log level", args: []string{"--log-level", "chatty", "web"}, wantCode: 1, wantStderr: []string{"invalid --log-level"}},
		{name: "help", args: []string{"--help"}, wantCode: 0, wantStdout: "Usage:"},
		{name: "short help", args: []string{"-h"}, wantCode: 0, wantStdout: "--fixed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var stdout, stderr bytes.Buffer
			if code := run(tt.args, &stdout, &stderr); code != tt.wantCode {
				t.Errorf("exit code = %d, want %d (stderr: %s)", code, tt.wantCode, stderr.String())
			}
			if tt.wantStdout != "" && !strings.Contains(stdout.String(), tt.wantStdout) {
				t.Errorf("stdout missing %q:\n%s", tt.wantStdout, stdout.String())
			}
			for _, want := range tt.wantStderr {
				if !strings.Contains(stderr.String(), want) {
					t.Errorf("stderr missing %q:\n%s", want, stderr.String())
				}
			}
		})
	}
}

func TestRun_InvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("server:\n  listen_adress: typo\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	var stdout, stderr bytes.Buffer
	if code := run([]string{"--config", path, "web"}, &stdout, &stderr); code != 1 {
		t.Errorf("exit code = %d, want 1", code)
	}
	if !strings.Contains(stderr.String(), "listen_adress") {
		t.Errorf("stderr should name the unknown field:\n%s", stderr.String())
	}
}

func TestLoadConfig_MissingFileUsesDefaults(t *testing.T) {
	cfg, current, stop, err := loadConfig(filepath.Join(t.TempDir(), "nope.yaml"), nil)
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	defer stop()
	if cfg.Assistant.Name != config.DefaultAssistantName {
		t.Errorf("assistant = %q, want %q", cfg.Assistant.Name, config.DefaultAssistantName)
	}
	if current() != cfg {
		t.Error("current() should return the default config")
	}
}

func TestLoadConfig_WatchesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("assistant:\n  name: Nova\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, current, stop, err := loadConfig(path, nil)
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	defer stop()
	if cfg.Assistant.Name != "Nova" || current().Assistant.Name != "Nova" {
		t.Errorf("assistant = %q, want Nova", cfg.Assistant.Name)
	}
}

func TestBannerInfo(t *testing.T) {
	cfg := config.Default()
	cfg.Providers.TTS.Model = ""
	info := bannerInfo(cfg, "web")

	if info.LLM != "ollama / gemma3:4b" {
		t.Errorf("LLM = %q, want ollama / gemma3:4b", info.LLM)
	}
	if info.TTS != cfg.Providers.TTS.Name {
		t.Errorf("TTS = %q, want the bare provider name", info.TTS)
	}
	if info.Mode != "web" || info.Assistant != config.DefaultAssistantName {
		t.Errorf("info = %+v", info)
	}
}

func TestOutput_Diagnostics(t *testing.T) {
	var stdout, stderr bytes.Buffer
	newOutput(&stdout, &stderr).Diagnostics([]*preflight.Failure{
		{Check: "ollama", Err: errors.New("daemon not reachable"), Hint: "Run: ollama serve"},
		{Check: "whisper model", Err: errors.New("model file missing")},
	})

	got := stderr.String()
	for _, want := range []string{"Prerequisites check failed", "ollama: daemon not reachable", "Run: ollama serve", "whisper model: model file missing", "try again"} {
		if !strings.Contains(got, want) {
			t.Errorf("diagnostics missing %q:\n%s", want, got)
		}
	}
	if stdout.Len() != 0 {
		t.Errorf("stdout = %q, want empty", stdout.String())
	}
}
