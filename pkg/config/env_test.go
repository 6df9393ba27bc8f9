package config

import (
	"os"
	"testing"
	"time"
)

func TestGetEnv(t *testing.T) {
	tests := []struct {
		name         string
		key          string
		envValue     string
		defaultValue string
		want         string
	}{
		{
			name:         "returns env value when set",
			key:          "TEST_GET_ENV_SET",
			envValue:     "custom_value",
			defaultValue: "default",
			want:         "custom_value",
		},
		{
			name:         "returns default when not set",
			key:          "TEST_GET_ENV_UNSET",
			envValue:     "",
			defaultValue: "default_value",
			want:         "default_value",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.envValue != "" {
				os.Setenv(tt.key, tt.envValue)
				defer os.Unsetenv(tt.key)
			} else {
				os.Unsetenv(tt.key)
			}

			got := GetEnv(tt.key, tt.defaultValue)
			if got != tt.want {
				t.Fatalf("GetEnv(%q, %q) = %q, want %q", tt.key, tt.defaultValue, got, tt.want)
			}
		})
	}
}

func TestGetEnvInt(t *testing.T) {
	tests := []struct {
		name         string
		key          string
		envValue     string
		defaultValue int
		want         int
	}{
		{
			name:         "returns parsed int when valid",
			key:          "TEST_GET_ENV_INT_VALID",
			envValue:     "42",
			defaultValue: 0,
			want:         42,
		},
		{
			name:         "returns default when not set",
			key:          "TEST_GET_ENV_INT_UNSET",
			envValue:     "",
			defaultValue: 10,
			want:         10,
		},
		{
			name:         "returns default when invalid",
			key:          "TEST_GET_ENV_INT_INVALID",
			envValue:     "not_a_number",
			defaultValue: 5,
			want:         5,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.envValue != "" {
				os.Setenv(tt.key, tt.envValue)
				defer os.Unsetenv(tt.key)
			} else {
				os.Unsetenv(tt.key)
			}

			got := GetEnvInt(tt.key, tt.defaultValue)
			if got != tt.want {
				t.Fatalf("GetEnvInt(%q, %d) = %d, want %d", tt.key, tt.defaultValue, got, tt.want)
			}
		})
	}
}

func TestGetEnvBool(t *testing.T) {
	tests := []struct {
		name         string
		key          string
		envValue     string
		defaultValue bool
		want         bool
	}{
		{
			name:         "returns true for 'true'",
			key:          "TEST_GET_ENV_BOOL_TRUE",
			envValue:     "true",
			defaultValue: false,
			want:         true,
		},
		{
			name:         "returns true for '1'",
			key:          "TEST_GET_ENV_BOOL_ONE",
			envValue:     "1",
			defaultValue: false,
			want:         true,
		},
		{
			name:         "returns default when invalid",
			key:          "TEST_GET_ENV_BOOL_INVALID",
			envValue:     "yes",
			defaultValue: false,
			want:         false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.envValue != "" {
				os.Setenv(tt.key, tt.envValue)
				defer os.Unsetenv(tt.key)
			} else {
				os.Unsetenv(tt.key)
			}

			got := GetEnvBool(tt.key, tt.defaultValue)
			if got != tt.want {
				t.Fatalf("GetEnvBool(%q, %v) = %v, want %v", tt.key, tt.defaultValue, got, tt.want)
			}
		})
	}
}

func TestGetEnvDuration(t *testing.T) {
	tests := []struct {
		name         string
		key          string
		envValue     string
		defaultValue time.Duration
		want         time.Duration
	}{
		{
			name:         "returns parsed duration minutes",
			key:          "TEST_GET_ENV_DUR_MIN",
			envValue:     "5m",
			defaultValue: 0,
			want:         5 * time.Minute,
		},
		{
			name:         "returns parsed complex duration",
			key:          "TEST_GET_ENV_DUR_COMPLEX",
			envValue:     "1h30m",
			defaultValue: 0,
			want:         90 * time.Minute,
		},
		{
			name:         "returns default when invalid",
			key:          "TEST_GET_ENV_DUR_INVALID",
			envValue:     "invalid",
			defaultValue: 5 * time.Second,
			want:         5 * time.Second,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.envValue != "" {
				os.Setenv(tt.key, tt.envValue)
				defer os.Unsetenv(tt.key)
			} else {
				os.Unsetenv(tt.key)
			}

			got := GetEnvDuration(tt.key, tt.defaultValue)
			if got != tt.want {
				t.Fatalf("GetEnvDuration(%q, %v) = %v, want %v", tt.key, tt.defaultValue, got, tt.want)
			}
		})
	}
}

func TestGetEnvSlice(t *testing.T) {
	tests := []struct {
		name         string
		key          string
		envValue     string
		defaultValue []string
		want         []string
	}{
		{
			name:         "returns parsed slice",
			key:          "TEST_GET_ENV_SLICE_VALID",
			envValue:     "a,b,c",
			defaultValue: nil,
			want:         []string{"a", "b", "c"},
		},
		{
			name:         "trims whitespace and filters empty parts",
			key:          "TEST_GET_ENV_SLICE_SPACE",
			envValue:     " a ,, b ",
			defaultValue: nil,
			want:         []string{"a", "b"},
		},
		{
			name:         "returns default when only commas",
			key:          "TEST_GET_ENV_SLICE_COMMAS",
			envValue:     ",,,",
			defaultValue: []string{"fallback"},
			want:         []string{"fallback"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.envValue != "" {
				os.Setenv(tt.key, tt.envValue)
				defer os.Unsetenv(tt.key)
			} else {
				os.Unsetenv(tt.key)
			}

			got := GetEnvSlice(tt.key, tt.defaultValue)

			if len(got) != len(tt.want) {
				t.Fatalf("GetEnvSlice(%q, %v) length = %d, want %d", tt.key, tt.defaultValue, len(got), len(tt.want))
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Fatalf("GetEnvSlice(%q, %v)[%d] = %q, want %q", tt.key, tt.defaultValue, i, got[i], tt.want[i])
				}
			}
		})
	}
}
