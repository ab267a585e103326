// Package events carries task progress out of the engine. The engine calls a
// Sink synchronously; sinks must not block and their failures never reach
// the engine.
package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Sink receives task transitions.
type Sink interface {
	OnTaskStarted(DownloadStartedMsg)
	OnTaskProgress(ProgressMsg)
	OnTaskTerminal(msg any) // DownloadCompleteMsg, DownloadErrorMsg or DownloadSkippedMsg
}

// ProgressMsg reports bytes written so far for one task
type ProgressMsg struct {
	DownloadID string
	Downloaded int64
	Total      int64 // 0 when unknown
	Delta      int64
	Elapsed    time.Duration
}

// DownloadStartedMsg is sent when a task leaves Pending for the first time
type DownloadStartedMsg struct {
	DownloadID string
	URL        string
	Filename   string
	Total      int64
	DestPath   string
}

// DownloadCompleteMsg signals that the file was committed
type DownloadCompleteMsg struct {
	DownloadID string
	Filename   string
	DestPath   string
	Elapsed    time.Duration
	Total      int64
	Attempts   int
}

// DownloadSkippedMsg signals that a task never went to the network
type DownloadSkippedMsg struct {
	DownloadID string
	URL        string
	Filename   string
	Reason     string
}

// DownloadErrorMsg signals that the task failed for good
type DownloadErrorMsg struct {
	DownloadID string
	Filename   string
	Kind       string
	Attempts   int
	Err        error
}

func (m DownloadErrorMsg) MarshalJSON() ([]byte, error) {
	type encoded struct {
		DownloadID string `json:"DownloadID"`
		Filename   string `json:"Filename,omitempty"`
		Kind       string `json:"Kind,omitempty"`
		Attempts   int    `json:"Attempts,omitempty"`
		Err        string `json:"Err,omitempty"`
	}

	out := encoded{
		DownloadID: m.DownloadID,
		Filename:   m.Filename,
		Kind:       m.Kind,
		Attempts:   m.Attempts,
	}
	if m.Err != nil {
		out.Err = m.Err.Error()
	}
	return json.Marshal(out)
}

func (m *DownloadErrorMsg) UnmarshalJSON(data []byte) error {
	var aux struct {
		DownloadID string          `json:"DownloadID"`
		Filename   string          `json:"Filename"`
		Kind       string          `json:"Kind"`
		Attempts   int             `json:"Attempts"`
		Err        json.RawMessage `json:"Err"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	m.DownloadID = aux.DownloadID
	m.Filename = aux.Filename
	m.Kind = aux.Kind
	m.Attempts = aux.Attempts
	m.Err = nil

	if len(aux.Err) == 0 {
		return nil
	}
	var errStr string
	if err := json.Unmarshal(aux.Err, &errStr); err == nil {
		if errStr != "" {
			m.Err = errors.New(errStr)
		}
		return nil
	}
	// Tolerate non-string payloads.
	if raw := string(aux.Err); raw != "null" {
		m.Err = errors.New(raw)
	}
	return nil
}

// Envelope tags a message with its type for line-delimited JSON output.
type Envelope struct {
	Type string `json:"type"`
	Time string `json:"time"`
	Data any    `json:"data"`
}

// Encode wraps msg in an Envelope and marshals it.
func Encode(msg any, at time.Time) ([]byte, error) {
	var typ string
	switch msg.(type) {
	case DownloadStartedMsg:
		typ = "started"
	case ProgressMsg:
		typ = "progress"
	case DownloadCompleteMsg:
		typ = "complete"
	case DownloadSkippedMsg:
		typ = "skipped"
	case DownloadErrorMsg:
		typ = "error"
	default:
		return nil, fmt.Errorf("unknown event %T", msg)
	}
	return json.Marshal(Envelope{Type: typ, Time: at.UTC().Format(time.RFC3339Nano), Data: msg})
}

// NopSink discards everything.
type NopSink struct{}

func (NopSink) OnTaskStarted(DownloadStartedMsg) {}
func (NopSink) OnTaskProgress(ProgressMsg)       {}
func (NopSink) OnTaskTerminal(any)               {}

// ChannelSink forwards every event to a channel without blocking. Events
// that do not fit are counted and dropped.
type ChannelSink struct {
	ch      chan<- any
	dropped atomic.Int64
}

// NewChannelSink returns a sink writing to ch.
func NewChannelSink(ch chan<- any) *ChannelSink {
	return &ChannelSink{ch: ch}
}

func (s *ChannelSink) send(msg any) {
	select {
	case s.ch <- msg:
	default:
		s.dropped.Add(1)
	}
}

func (s *ChannelSink) OnTaskStarted(m DownloadStartedMsg) { s.send(m) }
func (s *ChannelSink) OnTaskProgress(m ProgressMsg)       { s.send(m) }
func (s *ChannelSink) OnTaskTerminal(m any)               { s.send(m) }

// Dropped is the number of events that found the channel full.
func (s *ChannelSink) Dropped() int64 { return s.dropped.Load() }

// MultiSink fans out to several sinks in order.
type MultiSink []Sink

func (m MultiSink) OnTaskStarted(msg DownloadStartedMsg) {
	for _, s := range m {
		s.OnTaskStarted(msg)
	}
}

func (m MultiSink) OnTaskProgress(msg ProgressMsg) {
	for _, s := range m {
		s.OnTaskProgress(msg)
	}
}

func (m MultiSink) OnTaskTerminal(msg any) {
	for _, s := range m {
		s.OnTaskTerminal(msg)
	}
}

// Safe shields the engine from a misbehaving sink. A panic inside the sink
// is logged and swallowed.
func Safe(s Sink, logger *slog.Logger) Sink {
	if s == nil {
		return NopSink{}
	}
	if _, ok := s.(safeSink); ok {
		return s
	}
	return safeSink{inner: s, logger: logger}
}

type safeSink struct {
	inner  Sink
	logger *slog.Logger
}

func (s safeSink) guard(event string) {
	if r := recover(); r != nil && s.logger != nil {
		s.logger.Warn("progress sink panicked", "event", event, "panic", r)
	}
}

func (s safeSink) OnTaskStarted(m DownloadStartedMsg) {
	defer s.guard("started")
	s.inner.OnTaskStarted(m)
}

func (s safeSink) OnTaskProgress(m ProgressMsg) {
	defer s.guard("progress")
	s.inner.OnTaskProgress(m)
}

func (s safeSink) OnTaskTerminal(m any) {
	defer s.guard("terminal")
	s.inner.OnTaskTerminal(m)
}
