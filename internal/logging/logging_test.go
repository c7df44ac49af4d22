package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"
)

func TestWithContext_AddsRequestFields(t *testing.T) {
	l := New("plaza-test", "debug", "json")
	var buf bytes.Buffer
	l.SetOutput(&buf)

	ctx := WithTraceID(context.Background(), "trace-1")
	ctx = WithUserID(ctx, "user-1")
	ctx = WithRole(ctx, "admin")
	l.WithContext(ctx).Info("hello")

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("unmarshal log line: %v", err)
	}
	for k, want := range map[string]string{
		"service":  "plaza-test",
		"trace_id": "trace-1",
		"user_id":  "user-1",
		"role":     "admin",
		"msg":      "hello",
	} {
		if entry[k] != want {
			t.Errorf("%s = %v, want %s", k, entry[k], want)
		}
	}
}

func TestLogRequest_LevelFollowsStatus(t *testing.T) {
	l := New("plaza-test", "info", "json")
	var buf bytes.Buffer
	l.SetOutput(&buf)

	cases := map[int]string{
		http.StatusOK:                  "info",
		http.StatusNotFound:            "warning",
		http.StatusInternalServerError: "error",
	}
	for status, level := range cases {
		buf.Reset()
		l.LogRequest(context.Background(), "GET", "/api/x", status, 5*time.Millisecond)

		var entry map[string]any
		if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if entry["level"] != level {
			t.Errorf("status %d logged at %v, want %s", status, entry["level"], level)
		}
	}
}

func TestContextHelpers_Empty(t *testing.T) {
	ctx := context.Background()
	if GetTraceID(ctx) != "" || GetUserID(ctx) != "" || GetRole(ctx) != "" {
		t.Error("expected empty values from bare context")
	}
	if WithTraceID(ctx, "") != ctx {
		t.Error("WithTraceID with empty ID should return ctx unchanged")
	}
	if NewTraceID() == NewTraceID() {
		t.Error("NewTraceID should be unique")
	}
}
