package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMonitorUpdate(t *testing.T) {
	testCases := []struct {
		name         string
		payload      string
		status       int
		wantErr      bool
		wantDepth    float64
		wantMessages float64
		wantChannels map[string][2]float64 // depth, in flight
	}{
		{
			name: "dead letter topic updates gauges",
			payload: `{"topics": [
				{"topic_name": "bpe_events_dlq", "depth": 2, "message_count": 9, "channels": [
					{"channel_name": "replay", "depth": 5, "in_flight_count": 1},
					{"channel_name": "archive", "depth": 0, "in_flight_count": 0}
				]},
				{"topic_name": "other", "depth": 100, "message_count": 100, "channels": []}
			]}`,
			wantDepth:    2,
			wantMessages: 9,
			wantChannels: map[string][2]float64{"replay": {5, 1}, "archive": {0, 0}},
		},
		{
			name:    "missing topic reads as empty",
			payload: `{"topics": []}`,
		},
		{
			name:    "invalid payload returns error",
			payload: `invalid-json`,
			wantErr: true,
		},
		{
			name:    "server error returns error",
			status:  http.StatusInternalServerError,
			payload: `{}`,
			wantErr: true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/stats" {
					t.Errorf("unexpected path %q", r.URL.Path)
				}
				if got := r.URL.Query().Get("topic"); got != "bpe_events_dlq" {
					t.Errorf("topic = %q, want bpe_events_dlq", got)
				}
				if tc.status != 0 {
					w.WriteHeader(tc.status)
				}
				_, _ = w.Write([]byte(tc.payload))
			}))
			defer server.Close()

			m := newMonitor(strings.TrimPrefix(server.URL, "http://"), "bpe_events_dlq", prometheus.NewRegistry())
			err := m.update(context.Background())
			if tc.wantErr {
				if err == nil {
					t.Fatal("update() error = nil, want error")
				}
				return
			}
			if err != nil {
				t.Fatalf("update() error = %v", err)
			}

			if got := testutil.ToFloat64(m.gauges.topicDepth); got != tc.wantDepth {
				t.Errorf("topicDepth = %v, want %v", got, tc.wantDepth)
			}
			if got := testutil.ToFloat64(m.gauges.topicMessages); got != tc.wantMessages {
				t.Errorf("topicMessages = %v, want %v", got, tc.wantMessages)
			}
			for ch, want := range tc.wantChannels {
				if got := testutil.ToFloat64(m.gauges.channelDepth.WithLabelValues(ch)); got != want[0] {
					t.Errorf("channelDepth[%s] = %v, want %v", ch, got, want[0])
				}
				if got := testutil.ToFloat64(m.gauges.channelInflight.WithLabelValues(ch)); got != want[1] {
					t.Errorf("channelInflight[%s] = %v, want %v", ch, got, want[1])
				}
			}
		})
	}
}

func TestPollInterval(t *testing.T) {
	tests := []struct {
		raw  string
		want time.Duration
	}{
		{"30s", 30 * time.Second},
		{"", 15 * time.Second},
		{"soon", 15 * time.Second},
		{"-1s", 15 * time.Second},
	}
	for _, tt := range tests {
		if got := pollInterval(tt.raw); got != tt.want {
			t.Errorf("pollInterval(%q) = %v, want %v", tt.raw, got, tt.want)
		}
	}
}
