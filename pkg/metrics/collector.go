// Package metrics экспортирует уведомления сессий звонков в Prometheus.
//
// Collector реализует call.Emitter и обычно подключается через
// emitter.Multi рядом с транспортным эмиттером.
package metrics

import (
	"strconv"
	"sync"

	"github.com/arzzra/sipcall/pkg/call"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Config конфигурация метрик
type Config struct {
	// Namespace префикс для Prometheus метрик
	Namespace string
	// Subsystem подсистема для Prometheus метрик
	Subsystem string
}

// DefaultConfig возвращает конфигурацию по умолчанию
func DefaultConfig() Config {
	return Config{Namespace: "sip", Subsystem: "call"}
}

const (
	directionRx = "rx"
	directionTx = "tx"
)

// Collector считает переходы состояний, медиа-команды и итоговую статистику звонков
type Collector struct {
	stateTransitions *prometheus.CounterVec
	callsActive      prometheus.Gauge
	mediaChanges     *prometheus.CounterVec
	callDuration     prometheus.Histogram
	packets          *prometheus.CounterVec
	packetsLost      *prometheus.CounterVec
	jitterMean       *prometheus.HistogramVec
	videoSizeChanges prometheus.Counter

	mu     sync.Mutex
	active map[string]struct{}
}

// NewCollector регистрирует метрики в reg
func NewCollector(reg prometheus.Registerer, cfg Config) *Collector {
	factory := promauto.With(reg)
	ns, sub := cfg.Namespace, cfg.Subsystem

	return &Collector{
		stateTransitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "state_transitions_total",
			Help:      "Number of call signaling state notifications by state",
		}, []string{"state"}),

		callsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "active",
			Help:      "Number of calls that have not reached DISCONNECTED",
		}),

		mediaChanges: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "media_state_changes_total",
			Help:      "Number of local hold/mute/video mute changes",
		}, []string{"kind", "value"}),

		callDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "duration_seconds",
			Help:      "Connected duration of finished calls",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		}),

		packets: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "packets_total",
			Help:      "RTP packets of finished calls by direction",
		}, []string{"direction"}),

		packetsLost: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "packets_lost_total",
			Help:      "Lost RTP packets of finished calls by direction",
		}, []string{"direction"}),

		jitterMean: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "jitter_mean_microseconds",
			Help:      "Mean interarrival jitter of finished calls",
			Buckets:   []float64{500, 1000, 5000, 10000, 20000, 50000, 100000},
		}, []string{"direction"}),

		videoSizeChanges: factory.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: sub,
			Name:      "video_size_changes_total",
			Help:      "Number of incoming video size notifications",
		}),

		active: make(map[string]struct{}),
	}
}

func activeKey(ownerID string, callID int) string {
	return ownerID + "/" + strconv.Itoa(callID)
}

func (c *Collector) CallState(ownerID string, callID int, state call.State, _ call.StatusCode, _ int64) error {
	c.stateTransitions.WithLabelValues(state.String()).Inc()

	key := activeKey(ownerID, callID)
	c.mu.Lock()
	defer c.mu.Unlock()

	_, known := c.active[key]
	switch {
	case state.IsTerminal() && known:
		delete(c.active, key)
		c.callsActive.Dec()
	case !state.IsTerminal() && !known:
		c.active[key] = struct{}{}
		c.callsActive.Inc()
	}
	return nil
}

func (c *Collector) CallMediaState(_ string, _ int, kind call.MediaStateKind, value bool) error {
	c.mediaChanges.WithLabelValues(string(kind), strconv.FormatBool(value)).Inc()
	return nil
}

func (c *Collector) VideoSize(_, _ int) error {
	c.videoSizeChanges.Inc()
	return nil
}

func (c *Collector) CallStats(stats call.CallStats) error {
	c.callDuration.Observe(float64(stats.DurationSeconds))

	for dir, s := range map[string]call.RtpStreamStats{directionRx: stats.Rx, directionTx: stats.Tx} {
		c.packets.WithLabelValues(dir).Add(float64(s.Packets))
		c.packetsLost.WithLabelValues(dir).Add(float64(s.Lost))
		c.jitterMean.WithLabelValues(dir).Observe(float64(s.Jitter.Mean))
	}
	return nil
}

// Active количество незавершенных звонков
func (c *Collector) Active() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.active)
}
