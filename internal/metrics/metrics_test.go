package metrics

import (
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/zhouzirui/z-study/internal/decoder"
	"github.com/zhouzirui/z-study/internal/model/chat"
	"github.com/zhouzirui/z-study/internal/service/turn"
	"github.com/zhouzirui/z-study/internal/transport"
)

func TestHooksCountTurns(t *testing.T) {
	m := NewTurnMetrics(prometheus.NewRegistry())

	var finished, failed int
	hooks := m.Hooks(turn.Hooks{
		OnFinish: func(chat.ChatID, turn.Result) { finished++ },
		OnError:  func(chat.ChatID, turn.Result) { failed++ },
	})

	hooks.OnResponse("chat_1", &http.Response{StatusCode: http.StatusOK})
	hooks.OnChunk("chat_1", 5)
	hooks.OnChunk("chat_1", 7)
	hooks.OnFinish("chat_1", turn.Result{TurnID: "turn_1", Outcome: turn.OutcomeSuccess})

	hooks.OnError("chat_1", turn.Result{
		TurnID:  "turn_2",
		Outcome: turn.OutcomeFailed,
		Err:     &transport.TransportError{StatusCode: http.StatusBadGateway},
	})
	hooks.OnCancel("chat_2", turn.Result{TurnID: "turn_3", Outcome: turn.OutcomeCancelled})

	if finished != 1 || failed != 1 {
		t.Fatalf("wrapped hooks not called: finished=%d failed=%d", finished, failed)
	}
	if got := testutil.ToFloat64(m.turns.WithLabelValues("success")); got != 1 {
		t.Fatalf("success turns = %v", got)
	}
	if got := testutil.ToFloat64(m.turns.WithLabelValues("failed")); got != 1 {
		t.Fatalf("failed turns = %v", got)
	}
	if got := testutil.ToFloat64(m.turns.WithLabelValues("cancelled")); got != 1 {
		t.Fatalf("cancelled turns = %v", got)
	}
	if got := testutil.ToFloat64(m.bytes); got != 12 {
		t.Fatalf("bytes = %v", got)
	}
	if got := testutil.ToFloat64(m.chunks); got != 2 {
		t.Fatalf("chunks = %v", got)
	}
	if got := testutil.ToFloat64(m.responses.WithLabelValues("200")); got != 1 {
		t.Fatalf("200 responses = %v", got)
	}
	if got := testutil.ToFloat64(m.errors.WithLabelValues("http_status")); got != 1 {
		t.Fatalf("http_status errors = %v", got)
	}
	if got := testutil.CollectAndCount(m.duration); got != 3 {
		t.Fatalf("duration series = %d", got)
	}
}

func TestDurationUsesEachTurnsElapsedTime(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewTurnMetrics(reg)
	hooks := m.Hooks(turn.Hooks{})

	// a stopped turn and its replacement on the same chat
	hooks.OnCancel("chat_1", turn.Result{TurnID: "turn_1", Outcome: turn.OutcomeCancelled, Elapsed: 2 * time.Second})
	hooks.OnFinish("chat_1", turn.Result{TurnID: "turn_2", Outcome: turn.OutcomeSuccess, Elapsed: 500 * time.Millisecond})

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather err: %v", err)
	}
	sums := map[string]float64{}
	for _, family := range families {
		if family.GetName() != "z_study_chat_turn_duration_seconds" {
			continue
		}
		for _, metric := range family.GetMetric() {
			for _, label := range metric.GetLabel() {
				if label.GetName() == "outcome" {
					sums[label.GetValue()] += metric.GetHistogram().GetSampleSum()
				}
			}
		}
	}
	if sums["cancelled"] != 2 || sums["success"] != 0.5 {
		t.Fatalf("unexpected duration sums %v", sums)
	}
}

func TestErrorKind(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{&decoder.FrameError{Message: "quota"}, "frame"},
		{&transport.TransportError{Err: transport.ErrIdleTimeout}, "idle_timeout"},
		{&transport.TransportError{StatusCode: 500}, "http_status"},
		{&transport.TransportError{Err: errors.New("reset")}, "network"},
	}
	for _, tc := range cases {
		if got := errorKind(tc.err); got != tc.want {
			t.Fatalf("errorKind(%v) = %s, want %s", tc.err, got, tc.want)
		}
	}
}
