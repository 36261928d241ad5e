package quorum

import (
	"errors"
	"testing"
)

func TestParseSpec(t *testing.T) {
	tests := []struct {
		spec    string
		k, n    int
		wantErr bool
	}{
		{"2/3", 2, 3, false},
		{" 1 / 1 ", 1, 1, false},
		{"3/3", 3, 3, false},
		{"4/3", 0, 0, true},
		{"0/3", 0, 0, true},
		{"2", 0, 0, true},
		{"a/3", 0, 0, true},
		{"2/b", 0, 0, true},
		{"-1/3", 0, 0, true},
		{"", 0, 0, true},
	}

	for _, tt := range tests {
		k, n, err := ParseSpec(tt.spec)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseSpec(%q) error = %v, wantErr %v", tt.spec, err, tt.wantErr)
			continue
		}
		if tt.wantErr {
			var ce *ConfigError
			if !errors.As(err, &ce) {
				t.Errorf("ParseSpec(%q) error %T is not *ConfigError", tt.spec, err)
			}
			continue
		}
		if k != tt.k || n != tt.n {
			t.Errorf("ParseSpec(%q) = %d/%d, want %d/%d", tt.spec, k, n, tt.k, tt.n)
		}
	}
}

func TestConfigValidate(t *testing.T) {
	cfg := Config{K: 2, N: 3}.withDefaults()
	if err := cfg.Validate(3); err != nil {
		t.Errorf("Expected valid config, got %v", err)
	}
	if cfg.Aggregation != Unanimous {
		t.Errorf("Expected unanimous default, got %s", cfg.Aggregation)
	}
	if cfg.JudgeTimeout != DefaultJudgeTimeout {
		t.Errorf("Expected default timeout, got %s", cfg.JudgeTimeout)
	}

	err := Config{K: 4, N: 3}.Validate(3)
	var ce *ConfigError
	if !errors.As(err, &ce) {
		t.Fatalf("Expected ConfigError for k > n, got %v", err)
	}
	if ce.Field != "k" {
		t.Errorf("Expected field k, got %q", ce.Field)
	}
}
