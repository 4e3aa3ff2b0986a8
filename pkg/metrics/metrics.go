// Package metrics exposes peer byte counters and connection counts as
// Prometheus metrics. A Collector holds a snapshot updated by its
// owner (typically once per tick from the same goroutine that drives
// Process) rather than reading engine state directly from the scrape
// goroutine, since the engine itself carries no internal
// synchronisation.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	ufavonet "ufavonet-go"
)

// ServerCollector reports a server's cumulative byte counters and
// connected-client count.
type ServerCollector struct {
	mu sync.Mutex

	received    *prometheus.Desc
	sent        *prometheus.Desc
	clientCount *prometheus.Desc

	stats   ufavonet.Stats
	clients int
}

// NewServerCollector builds a collector whose metric names are
// prefixed with prefix (e.g. "ufavonet_server") and carry constLabels
// on every sample.
func NewServerCollector(prefix string, constLabels prometheus.Labels) *ServerCollector {
	return &ServerCollector{
		received:    prometheus.NewDesc(prefix+"_received_bytes_total", "Cumulative bytes received from all clients.", nil, constLabels),
		sent:        prometheus.NewDesc(prefix+"_sent_bytes_total", "Cumulative bytes sent to all clients.", nil, constLabels),
		clientCount: prometheus.NewDesc(prefix+"_clients", "Number of established clients.", nil, constLabels),
	}
}

// Update replaces the snapshot Collect reports. Call this once per
// server tick.
func (s *ServerCollector) Update(stats ufavonet.Stats, connectedClients int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats = stats
	s.clients = connectedClients
}

func (s *ServerCollector) Describe(descs chan<- *prometheus.Desc) {
	descs <- s.received
	descs <- s.sent
	descs <- s.clientCount
}

func (s *ServerCollector) Collect(metrics chan<- prometheus.Metric) {
	s.mu.Lock()
	defer s.mu.Unlock()
	metrics <- prometheus.MustNewConstMetric(s.received, prometheus.CounterValue, float64(s.stats.TotalReceivedBytes))
	metrics <- prometheus.MustNewConstMetric(s.sent, prometheus.CounterValue, float64(s.stats.TotalSentBytes))
	metrics <- prometheus.MustNewConstMetric(s.clientCount, prometheus.GaugeValue, float64(s.clients))
}

// ClientCollector reports one client connection's cumulative byte
// counters and whether it currently considers itself connected.
type ClientCollector struct {
	mu sync.Mutex

	received  *prometheus.Desc
	sent      *prometheus.Desc
	connected *prometheus.Desc

	stats       ufavonet.Stats
	isConnected bool
}

// NewClientCollector builds a collector whose metric names are
// prefixed with prefix (e.g. "ufavonet_client") and carry constLabels
// on every sample.
func NewClientCollector(prefix string, constLabels prometheus.Labels) *ClientCollector {
	return &ClientCollector{
		received:  prometheus.NewDesc(prefix+"_received_bytes_total", "Cumulative bytes received from the server.", nil, constLabels),
		sent:      prometheus.NewDesc(prefix+"_sent_bytes_total", "Cumulative bytes sent to the server.", nil, constLabels),
		connected: prometheus.NewDesc(prefix+"_connected", "1 if the connection is established, 0 otherwise.", nil, constLabels),
	}
}

// Update replaces the snapshot Collect reports. Call this once per
// client tick.
func (c *ClientCollector) Update(stats ufavonet.Stats, connected bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats = stats
	c.isConnected = connected
}

func (c *ClientCollector) Describe(descs chan<- *prometheus.Desc) {
	descs <- c.received
	descs <- c.sent
	descs <- c.connected
}

func (c *ClientCollector) Collect(metrics chan<- prometheus.Metric) {
	c.mu.Lock()
	defer c.mu.Unlock()
	metrics <- prometheus.MustNewConstMetric(c.received, prometheus.CounterValue, float64(c.stats.TotalReceivedBytes))
	metrics <- prometheus.MustNewConstMetric(c.sent, prometheus.CounterValue, float64(c.stats.TotalSentBytes))
	connectedVal := 0.0
	if c.isConnected {
		connectedVal = 1.0
	}
	metrics <- prometheus.MustNewConstMetric(c.connected, prometheus.GaugeValue, connectedVal)
}
