// dlq-monitor exports the backlog of the dead letter topic that bpe-subscriber
// publishes dropped events to.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bytedance/sonic"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/austindbirch/harbor_bpe/internal/config"
	"github.com/austindbirch/harbor_bpe/internal/logging"
)

const serviceName = "harborbpe-dlq-monitor"

// nsqStats is the part of nsqd's /stats?format=json document we read
type nsqStats struct {
	Topics []struct {
		TopicName    string `json:"topic_name"`
		Depth        int64  `json:"depth"`
		MessageCount int64  `json:"message_count"`
		Channels     []struct {
			ChannelName   string `json:"channel_name"`
			Depth         int64  `json:"depth"`
			InFlightCount int64  `json:"in_flight_count"`
		} `json:"channels"`
	} `json:"topics"`
}

type gauges struct {
	topicDepth      prometheus.Gauge
	topicMessages   prometheus.Gauge
	channelDepth    *prometheus.GaugeVec
	channelInflight *prometheus.GaugeVec
}

func newGauges(reg prometheus.Registerer) *gauges {
	g := &gauges{
		topicDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "harborbpe_dlq_topic_depth",
			Help: "Dropped events waiting on the dead letter topic itself.",
		}),
		topicMessages: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "harborbpe_dlq_topic_messages",
			Help: "Dropped events published to the dead letter topic since nsqd started.",
		}),
		channelDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "harborbpe_dlq_channel_depth",
			Help: "Dropped events waiting in each dead letter channel.",
		}, []string{"channel"}),
		channelInflight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "harborbpe_dlq_channel_inflight",
			Help: "Dropped events being replayed by each dead letter channel.",
		}, []string{"channel"}),
	}
	reg.MustRegister(g.topicDepth, g.topicMessages, g.channelDepth, g.channelInflight)
	return g
}

type monitor struct {
	statsURL string
	topic    string
	client   *http.Client
	gauges   *gauges
}

func newMonitor(nsqdHTTPAddr, topic string, reg prometheus.Registerer) *monitor {
	return &monitor{
		statsURL: fmt.Sprintf("http://%s/stats?format=json&topic=%s", nsqdHTTPAddr, topic),
		topic:    topic,
		client:   &http.Client{Timeout: 5 * time.Second},
		gauges:   newGauges(reg),
	}
}

// update polls nsqd once. A topic that does not exist yet reads as empty.
func (m *monitor) update(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.statsURL, nil)
	if err != nil {
		return err
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("get nsq stats: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("get nsq stats: status %d", resp.StatusCode)
	}

	var stats nsqStats
	if err := sonic.ConfigDefault.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return fmt.Errorf("decode nsq stats: %w", err)
	}

	m.gauges.topicDepth.Set(0)
	for _, topic := range stats.Topics {
		if topic.TopicName != m.topic {
			continue
		}
		m.gauges.topicDepth.Set(float64(topic.Depth))
		m.gauges.topicMessages.Set(float64(topic.MessageCount))
		for _, ch := range topic.Channels {
			m.gauges.channelDepth.WithLabelValues(ch.ChannelName).Set(float64(ch.Depth))
			m.gauges.channelInflight.WithLabelValues(ch.ChannelName).Set(float64(ch.InFlightCount))
		}
	}
	return nil
}

func (m *monitor) run(ctx context.Context, interval time.Duration, logger *logging.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := m.update(ctx); err != nil && ctx.Err() == nil {
			logger.Plain().WithError(err).WithField("topic", m.topic).Warn("dead letter stats unavailable")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func main() {
	logging.SetDefaultService(serviceName)
	logger := logging.New(serviceName)
	defer logger.Sync()

	cfg := config.FromEnv()
	interval := pollInterval(os.Getenv("POLL_INTERVAL"))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	m := newMonitor(cfg.NSQ.NsqdHTTPAddr, cfg.NSQ.DLQTopic, reg)
	go m.run(ctx, interval, logger)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK\n"))
	})
	srv := &http.Server{Addr: cfg.HTTPPort, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Plain().WithFields(map[string]any{
		"addr":     cfg.HTTPPort,
		"nsqd":     cfg.NSQ.NsqdHTTPAddr,
		"topic":    cfg.NSQ.DLQTopic,
		"interval": interval.String(),
	}).Info("dlq monitor starting")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Plain().WithError(err).Error("HTTP server failed")
		os.Exit(1)
	}
}

func pollInterval(raw string) time.Duration {
	if d, err := time.ParseDuration(raw); err == nil && d > 0 {
		return d
	}
	return 15 * time.Second
}
