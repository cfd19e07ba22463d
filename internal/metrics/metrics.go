// Package metrics exposes prometheus counters for the bridge and the /metrics endpoint.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Chunk outcomes.
const (
	OutcomeRendered   = "rendered"
	OutcomeSuppressed = "suppressed"
	OutcomeThrottled  = "throttled"
	OutcomeStatus     = "status"
	OutcomeUnroutable = "unroutable"
	OutcomeFailed     = "failed"
)

var (
	chunks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatbridge_chunks_total",
			Help: "Outbound response chunks by platform and outcome.",
		},
		[]string{"platform", "outcome"},
	)

	platformCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatbridge_platform_calls_total",
			Help: "Platform API calls made while rendering responses.",
		},
		[]string{"platform", "op", "result"},
	)

	responses = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "chatbridge_responses_tracked",
			Help: "Responses currently held in dispatcher state.",
		},
		[]string{"platform"},
	)

	interactions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatbridge_interactions_total",
			Help: "Interaction events routed to a handler.",
		},
		[]string{"platform", "custom_id"},
	)

	feedbackPosts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatbridge_feedback_posts_total",
			Help: "Feedback submissions sent to the feedback endpoint.",
		},
		[]string{"result"},
	)

	inbound = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatbridge_inbound_messages_total",
			Help: "Platform messages published to the broker.",
		},
		[]string{"platform"},
	)

	brokerFrames = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatbridge_broker_frames_total",
			Help: "Frames exchanged with the broker.",
		},
		[]string{"direction", "type"},
	)
)

func init() {
	prometheus.MustRegister(chunks)
	prometheus.MustRegister(platformCalls)
	prometheus.MustRegister(responses)
	prometheus.MustRegister(interactions)
	prometheus.MustRegister(feedbackPosts)
	prometheus.MustRegister(inbound)
	prometheus.MustRegister(brokerFrames)
}

func Chunk(platform, outcome string) { chunks.WithLabelValues(platform, outcome).Inc() }

// PlatformCall records one send/edit/attach/clear call.
func PlatformCall(platform, op string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	platformCalls.WithLabelValues(platform, op, result).Inc()
}

func Responses(platform string, n int) { responses.WithLabelValues(platform).Set(float64(n)) }

func Interaction(platform, customID string) { interactions.WithLabelValues(platform, customID).Inc() }

func FeedbackPost(err error) {
	if err != nil {
		feedbackPosts.WithLabelValues("error").Inc()
		return
	}
	feedbackPosts.WithLabelValues("ok").Inc()
}

func Inbound(platform string) { inbound.WithLabelValues(platform).Inc() }

func BrokerFrame(direction, frameType string) { brokerFrames.WithLabelValues(direction, frameType).Inc() }

// Serve runs the /metrics endpoint on addr until ctx is done.
func Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("metrics listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
