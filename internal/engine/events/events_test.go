package events

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"testing"
	"time"
)

// =============================================================================
// DownloadErrorMsg JSON
// =============================================================================

func TestDownloadErrorMsg_MarshalJSON(t *testing.T) {
	msg := DownloadErrorMsg{
		DownloadID: "err-1",
		Filename:   "a.jpg",
		Kind:       "fatal",
		Attempts:   3,
		Err:        errors.New("status 404"),
	}

	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if !strings.Contains(string(data), `"Err":"status 404"`) {
		t.Errorf("Err should be encoded as string, got %s", data)
	}

	var back DownloadErrorMsg
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if back.Err == nil || back.Err.Error() != "status 404" {
		t.Errorf("Err not restored: %v", back.Err)
	}
	if back.Kind != "fatal" || back.Attempts != 3 {
		t.Errorf("Fields not restored: %+v", back)
	}
}

func TestDownloadErrorMsg_UnmarshalVariants(t *testing.T) {
	testCases := []struct {
		name    string
		payload string
		wantErr string
	}{
		{"missing", `{"DownloadID":"x"}`, ""},
		{"null", `{"DownloadID":"x","Err":null}`, ""},
		{"empty string", `{"DownloadID":"x","Err":""}`, ""},
		{"object", `{"DownloadID":"x","Err":{}}`, "{}"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			var m DownloadErrorMsg
			if err := json.Unmarshal([]byte(tc.payload), &m); err != nil {
				t.Fatalf("Unmarshal failed: %v", err)
			}
			got := ""
			if m.Err != nil {
				got = m.Err.Error()
			}
			if got != tc.wantErr {
				t.Errorf("Expected %q, got %q", tc.wantErr, got)
			}
		})
	}
}

// =============================================================================
// Envelope encoding
// =============================================================================

func TestEncode(t *testing.T) {
	at := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	messages := map[string]any{
		"started":  DownloadStartedMsg{DownloadID: "1"},
		"progress": ProgressMsg{DownloadID: "1", Downloaded: 10},
		"complete": DownloadCompleteMsg{DownloadID: "1"},
		"skipped":  DownloadSkippedMsg{DownloadID: "1", Reason: "duplicate"},
		"error":    DownloadErrorMsg{DownloadID: "1", Err: errors.New("x")},
	}
	for want, msg := range messages {
		data, err := Encode(msg, at)
		if err != nil {
			t.Fatalf("%s: %v", want, err)
		}
		var env struct {
			Type string `json:"type"`
			Time string `json:"time"`
		}
		if err := json.Unmarshal(data, &env); err != nil {
			t.Fatalf("%s: %v", want, err)
		}
		if env.Type != want {
			t.Errorf("Expected type %s, got %s", want, env.Type)
		}
		if env.Time != "2025-01-02T03:04:05Z" {
			t.Errorf("Unexpected time %s", env.Time)
		}
	}

	if _, err := Encode(42, at); err == nil {
		t.Error("Expected error for unknown event")
	}
}

// =============================================================================
// Sinks
// =============================================================================

func TestChannelSink_NonBlocking(t *testing.T) {
	ch := make(chan any, 2)
	sink := NewChannelSink(ch)

	sink.OnTaskStarted(DownloadStartedMsg{DownloadID: "a"})
	sink.OnTaskProgress(ProgressMsg{DownloadID: "a", Downloaded: 5})
	sink.OnTaskTerminal(DownloadCompleteMsg{DownloadID: "a"}) // channel full

	if sink.Dropped() != 1 {
		t.Errorf("Expected 1 dropped event, got %d", sink.Dropped())
	}
	if m, ok := (<-ch).(DownloadStartedMsg); !ok || m.DownloadID != "a" {
		t.Errorf("Unexpected first event %#v", m)
	}
	if m, ok := (<-ch).(ProgressMsg); !ok || m.Downloaded != 5 {
		t.Errorf("Unexpected second event %#v", m)
	}
}

type recordingSink struct {
	events []string
}

func (r *recordingSink) OnTaskStarted(m DownloadStartedMsg) {
	r.events = append(r.events, "started:"+m.DownloadID)
}
func (r *recordingSink) OnTaskProgress(m ProgressMsg) {
	r.events = append(r.events, fmt.Sprintf("progress:%d", m.Downloaded))
}
func (r *recordingSink) OnTaskTerminal(m any) {
	r.events = append(r.events, fmt.Sprintf("terminal:%T", m))
}

func TestMultiSink(t *testing.T) {
	a, b := &recordingSink{}, &recordingSink{}
	sink := MultiSink{a, b}

	sink.OnTaskStarted(DownloadStartedMsg{DownloadID: "x"})
	sink.OnTaskProgress(ProgressMsg{Downloaded: 7})
	sink.OnTaskTerminal(DownloadErrorMsg{})

	want := []string{"started:x", "progress:7", "terminal:events.DownloadErrorMsg"}
	for _, r := range []*recordingSink{a, b} {
		if strings.Join(r.events, ",") != strings.Join(want, ",") {
			t.Errorf("Expected %v, got %v", want, r.events)
		}
	}
}

type panickySink struct{ NopSink }

func (panickySink) OnTaskProgress(ProgressMsg) { panic("ui exploded") }

func TestSafe_RecoversPanics(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	sink := Safe(panickySink{}, logger)

	sink.OnTaskStarted(DownloadStartedMsg{})
	sink.OnTaskProgress(ProgressMsg{})
	sink.OnTaskTerminal(DownloadCompleteMsg{})

	if !strings.Contains(buf.String(), "ui exploded") {
		t.Errorf("Expected panic to be logged, got %q", buf.String())
	}
}

func TestSafe_NilAndIdempotent(t *testing.T) {
	if _, ok := Safe(nil, nil).(NopSink); !ok {
		t.Error("nil sink should become NopSink")
	}
	s := Safe(&recordingSink{}, nil)
	if Safe(s, nil) != s {
		t.Error("Safe should not double wrap")
	}
}
