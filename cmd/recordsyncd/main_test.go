package main

import (
	"reflect"
	"testing"
	"time"
)

func TestEnvOrDefault(t *testing.T) {
	t.Setenv("RECORDSYNC_TEST_STR", "set")
	if got := envOrDefault("RECORDSYNC_TEST_STR", "fallback"); got != "set" {
		t.Fatalf("expected set, got %q", got)
	}
	if got := envOrDefault("RECORDSYNC_TEST_STR_MISSING", "fallback"); got != "fallback" {
		t.Fatalf("expected fallback, got %q", got)
	}
}

func TestIntEnv(t *testing.T) {
	t.Setenv("RECORDSYNC_TEST_INT", "42")
	if got := intEnv("RECORDSYNC_TEST_INT", 7); got != 42 {
		t.Fatalf("expected 42, got %d", got)
	}
	t.Setenv("RECORDSYNC_TEST_INT", "not-a-number")
	if got := intEnv("RECORDSYNC_TEST_INT", 7); got != 7 {
		t.Fatalf("invalid value should fall back, got %d", got)
	}
	if got := intEnv("RECORDSYNC_TEST_INT_MISSING", 7); got != 7 {
		t.Fatalf("missing value should fall back, got %d", got)
	}
}

func TestInt64Env(t *testing.T) {
	t.Setenv("RECORDSYNC_TEST_INT64", "5242880")
	if got := int64Env("RECORDSYNC_TEST_INT64", 1); got != 5242880 {
		t.Fatalf("expected 5242880, got %d", got)
	}
	t.Setenv("RECORDSYNC_TEST_INT64", "nope")
	if got := int64Env("RECORDSYNC_TEST_INT64", 1); got != 1 {
		t.Fatalf("invalid value should fall back, got %d", got)
	}
}

func TestFloatEnv(t *testing.T) {
	t.Setenv("RECORDSYNC_TEST_FLOAT", "0.25")
	if got := floatEnv("RECORDSYNC_TEST_FLOAT", 0.1); got != 0.25 {
		t.Fatalf("expected 0.25, got %v", got)
	}
	t.Setenv("RECORDSYNC_TEST_FLOAT", "nope")
	if got := floatEnv("RECORDSYNC_TEST_FLOAT", 0.1); got != 0.1 {
		t.Fatalf("invalid value should fall back, got %v", got)
	}
}

func TestBoolEnv(t *testing.T) {
	t.Setenv("RECORDSYNC_TEST_BOOL", "false")
	if got := boolEnv("RECORDSYNC_TEST_BOOL", true); got {
		t.Fatal("expected false")
	}
	t.Setenv("RECORDSYNC_TEST_BOOL", "1")
	if got := boolEnv("RECORDSYNC_TEST_BOOL", false); !got {
		t.Fatal("expected true for 1")
	}
	t.Setenv("RECORDSYNC_TEST_BOOL", "maybe")
	if got := boolEnv("RECORDSYNC_TEST_BOOL", true); !got {
		t.Fatal("invalid value should fall back")
	}
}

func TestDurationEnv(t *testing.T) {
	t.Setenv("RECORDSYNC_TEST_DUR", "90s")
	if got := durationEnv("RECORDSYNC_TEST_DUR", time.Minute); got != 90*time.Second {
		t.Fatalf("expected 90s, got %v", got)
	}
	t.Setenv("RECORDSYNC_TEST_DUR", "soon")
	if got := durationEnv("RECORDSYNC_TEST_DUR", time.Minute); got != time.Minute {
		t.Fatalf("invalid value should fall back, got %v", got)
	}
}

func TestSplitList(t *testing.T) {
	cases := []struct {
		raw  string
		want []string
	}{
		{"", nil},
		{"tasks", []string{"tasks"}},
		{"tasks, notes ,projects", []string{"tasks", "notes", "projects"}},
		{" , ,", nil},
	}
	for _, tc := range cases {
		got := splitList(tc.raw)
		if len(got) == 0 && len(tc.want) == 0 {
			continue
		}
		if !reflect.DeepEqual(got, tc.want) {
			t.Fatalf("splitList(%q) = %v, want %v", tc.raw, got, tc.want)
		}
	}
}
