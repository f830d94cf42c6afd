// Package metrics records chat turn activity for Prometheus.
package metrics

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/zhouzirui/z-study/internal/decoder"
	"github.com/zhouzirui/z-study/internal/model/chat"
	"github.com/zhouzirui/z-study/internal/service/turn"
	"github.com/zhouzirui/z-study/internal/transport"
)

// TurnMetrics holds the turn collectors of one registry.
type TurnMetrics struct {
	turns     *prometheus.CounterVec
	errors    *prometheus.CounterVec
	responses *prometheus.CounterVec
	chunks    prometheus.Counter
	bytes     prometheus.Counter
	duration  *prometheus.HistogramVec
}

// NewTurnMetrics registers the turn collectors with reg.
func NewTurnMetrics(reg prometheus.Registerer) *TurnMetrics {
	factory := promauto.With(reg)
	return &TurnMetrics{
		// Labels: outcome (success, cancelled, failed)
		turns: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "z_study",
			Subsystem: "chat",
			Name:      "turns_total",
			Help:      "Chat turns by outcome",
		}, []string{"outcome"}),
		// Labels: kind (http_status, idle_timeout, frame, network)
		errors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "z_study",
			Subsystem: "chat",
			Name:      "turn_errors_total",
			Help:      "Failed chat turns by error kind",
		}, []string{"kind"}),
		responses: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "z_study",
			Subsystem: "chat",
			Name:      "responses_total",
			Help:      "Streaming endpoint responses by status code",
		}, []string{"code"}),
		chunks: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "z_study",
			Subsystem: "chat",
			Name:      "stream_chunks_total",
			Help:      "Chunks read from streaming responses",
		}),
		bytes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "z_study",
			Subsystem: "chat",
			Name:      "stream_bytes_total",
			Help:      "Bytes read from streaming responses",
		}),
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "z_study",
			Subsystem: "chat",
			Name:      "turn_duration_seconds",
			Help:      "Time from request to the end of a turn",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
		}, []string{"outcome"}),
	}
}

// Hooks returns next with the collectors chained in front of it.
func (m *TurnMetrics) Hooks(next turn.Hooks) turn.Hooks {
	return turn.Hooks{
		OnStatus: next.OnStatus,
		OnStart:  next.OnStart,
		OnResponse: func(chatID chat.ChatID, resp *http.Response) {
			m.responses.WithLabelValues(strconv.Itoa(resp.StatusCode)).Inc()
			if next.OnResponse != nil {
				next.OnResponse(chatID, resp)
			}
		},
		OnChunk: func(chatID chat.ChatID, size int) {
			m.chunks.Inc()
			m.bytes.Add(float64(size))
			if next.OnChunk != nil {
				next.OnChunk(chatID, size)
			}
		},
		OnFinish: func(chatID chat.ChatID, result turn.Result) {
			m.finish(result)
			if next.OnFinish != nil {
				next.OnFinish(chatID, result)
			}
		},
		OnError: func(chatID chat.ChatID, result turn.Result) {
			m.finish(result)
			m.errors.WithLabelValues(errorKind(result.Err)).Inc()
			if next.OnError != nil {
				next.OnError(chatID, result)
			}
		},
		OnCancel: func(chatID chat.ChatID, result turn.Result) {
			m.finish(result)
			if next.OnCancel != nil {
				next.OnCancel(chatID, result)
			}
		},
	}
}

func (m *TurnMetrics) finish(result turn.Result) {
	outcome := string(result.Outcome)
	m.turns.WithLabelValues(outcome).Inc()
	m.duration.WithLabelValues(outcome).Observe(result.Elapsed.Seconds())
}

func errorKind(err error) string {
	var frameErr *decoder.FrameError
	if errors.As(err, &frameErr) {
		return "frame"
	}
	if errors.Is(err, transport.ErrIdleTimeout) {
		return "idle_timeout"
	}
	var transportErr *transport.TransportError
	if errors.As(err, &transportErr) && transportErr.StatusCode != 0 {
		return "http_status"
	}
	return "network"
}
