package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/austindbirch/claimrelay/internal/logging"
	"github.com/austindbirch/claimrelay/internal/metrics"
)

// Stats is the subset of nsqd's /stats?format=json response we read
type Stats struct {
	Topics []struct {
		TopicName string `json:"topic_name"`
		Depth     int64  `json:"depth"`
		Channels  []struct {
			ChannelName   string `json:"channel_name"`
			Depth         int64  `json:"depth"`
			InFlightCount int64  `json:"in_flight_count"`
			DeferredCount int64  `json:"deferred_count"`
		} `json:"channels"`
	} `json:"topics"`
}

// Monitor polls nsqd and exports per-channel depth for the watched topics
type Monitor struct {
	statsURL string
	topics   map[string]bool
	interval time.Duration
	client   *http.Client
}

func NewMonitor(nsqdHTTPAddr string, interval time.Duration, topics ...string) *Monitor {
	addr := nsqdHTTPAddr
	if !strings.HasPrefix(addr, "http://") && !strings.HasPrefix(addr, "https://") {
		addr = "http://" + addr
	}
	watched := make(map[string]bool, len(topics))
	for _, t := range topics {
		watched[t] = true
	}
	return &Monitor{
		statsURL: strings.TrimSuffix(addr, "/") + "/stats?format=json",
		topics:   watched,
		interval: interval,
		client:   &http.Client{Timeout: 5 * time.Second},
	}
}

// Run polls until ctx is cancelled
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		if err := m.Poll(ctx); err != nil && ctx.Err() == nil {
			logging.WithContext(ctx).WithError(err).Warn("failed to update queue depth")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Poll fetches stats once and updates the queue depth gauge. A channel's depth
// includes deferred messages, since scheduled retries are still outstanding work.
func (m *Monitor) Poll(ctx context.Context) error {
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
		return fmt.Errorf("get nsq stats: HTTP %d", resp.StatusCode)
	}

	var stats Stats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return fmt.Errorf("decode nsq stats: %w", err)
	}

	for _, topic := range stats.Topics {
		if len(m.topics) > 0 && !m.topics[topic.TopicName] {
			continue
		}
		for _, ch := range topic.Channels {
			metrics.UpdateQueueDepth(topic.TopicName, ch.ChannelName, float64(ch.Depth+ch.DeferredCount))
		}
	}
	return nil
}

// Ping checks that nsqd's HTTP API answers, for health endpoints
func (m *Monitor) Ping(ctx context.Context) error {
	url := strings.TrimSuffix(m.statsURL, "/stats?format=json") + "/ping"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("nsqd ping: HTTP %d", resp.StatusCode)
	}
	return nil
}
