package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Scheduler.Slots != DefaultSlots {
		t.Errorf("Slots = %d, want %d", cfg.Scheduler.Slots, DefaultSlots)
	}
	if cfg.Upload.SessionTTL != DefaultSessionTTL {
		t.Errorf("SessionTTL = %v, want %v", cfg.Upload.SessionTTL, DefaultSessionTTL)
	}
	if cfg.Analyzer.Command != DefaultAnalyzerCmd {
		t.Errorf("Analyzer.Command = %q, want %q", cfg.Analyzer.Command, DefaultAnalyzerCmd)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("SCHEDULER_SLOTS", "7")
	t.Setenv("CANCEL_GRACE", "2s")
	t.Setenv("ANALYZER_CMD", "/opt/vqa/bin/vqa")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Scheduler.Slots != 7 {
		t.Errorf("Slots = %d, want 7", cfg.Scheduler.Slots)
	}
	if cfg.Scheduler.CancelGrace != 2*time.Second {
		t.Errorf("CancelGrace = %v, want 2s", cfg.Scheduler.CancelGrace)
	}
	if cfg.Analyzer.Command != "/opt/vqa/bin/vqa" {
		t.Errorf("Analyzer.Command = %q", cfg.Analyzer.Command)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid", func(c *Config) {}, false},
		{"zero slots", func(c *Config) { c.Scheduler.Slots = 0 }, true},
		{"empty data dir", func(c *Config) { c.Storage.DataDir = "" }, true},
		{"empty analyzer", func(c *Config) { c.Analyzer.Command = "" }, true},
		{"aws without region", func(c *Config) {
			c.AWS.ArchiveBucket = "bucket"
			c.AWS.Region = ""
		}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load()
			if err != nil {
				t.Fatalf("Load() error = %v", err)
			}
			tt.mutate(cfg)
			err = cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestAllowedExtension(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	tests := []struct {
		filename string
		want     bool
	}{
		{"video.mp4", true},
		{"video.MP4", true},
		{"clip.y4m", true},
		{"doc.txt", false},
		{"noext", false},
	}

	for _, tt := range tests {
		t.Run(tt.filename, func(t *testing.T) {
			if got := cfg.AllowedExtension(tt.filename); got != tt.want {
				t.Errorf("AllowedExtension(%q) = %v, want %v", tt.filename, got, tt.want)
			}
		})
	}
}
