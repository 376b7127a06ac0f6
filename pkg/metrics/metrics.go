package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ntu_agent"

// Session outcomes.
const (
	OutcomeUploaded       = "uploaded"
	OutcomeUploadFailed   = "upload_failed"
	OutcomeSamplingFailed = "sampling_failed"
	OutcomeAborted        = "aborted"
)

// Recorder instruments the agent loop. A nil *Recorder is valid and
// records nothing.
type Recorder struct {
	polls         *prometheus.CounterVec
	sessions      *prometheus.CounterVec
	readings      prometheus.Counter
	uploadLatency prometheus.Histogram
	tickLateness  prometheus.Histogram
	state         prometheus.Gauge
	lastNTU       prometheus.Gauge
}

func New(reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		polls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "polls_total",
			Help:      "Command polls by result (start, idle, transport, decode, invalid_command).",
		}, []string{"result"}),
		sessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Sessions by outcome.",
		}, []string{"outcome"}),
		readings: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "readings_total",
			Help:      "Readings taken on grid ticks.",
		}),
		uploadLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upload_duration_seconds",
			Help:      "Duration of session report uploads.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		tickLateness: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tick_lateness_seconds",
			Help:      "Delay between a grid tick and the start of its acquisition.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 12),
		}),
		state: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "state",
			Help:      "Current agent state (0 polling, 1 cooldown short, 2 scheduling, 3 sampling, 4 uploading, 5 cooldown long).",
		}),
		lastNTU: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_ntu",
			Help:      "Most recent turbidity reading.",
		}),
	}
	reg.MustRegister(r.polls, r.sessions, r.readings, r.uploadLatency, r.tickLateness, r.state, r.lastNTU)
	return r
}

func (r *Recorder) Poll(result string) {
	if r != nil {
		r.polls.WithLabelValues(result).Inc()
	}
}

func (r *Recorder) Session(outcome string) {
	if r != nil {
		r.sessions.WithLabelValues(outcome).Inc()
	}
}

// SessionCounter exposes the counter behind Session for one outcome. A nil
// recorder returns a detached counter that stays at zero.
func (r *Recorder) SessionCounter(outcome string) prometheus.Counter {
	if r == nil {
		return prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "sessions_total"})
	}
	return r.sessions.WithLabelValues(outcome)
}

func (r *Recorder) Reading(lateness time.Duration, ntu float64) {
	if r == nil {
		return
	}
	r.readings.Inc()
	r.tickLateness.Observe(lateness.Seconds())
	r.lastNTU.Set(ntu)
}

func (r *Recorder) Upload(d time.Duration) {
	if r != nil {
		r.uploadLatency.Observe(d.Seconds())
	}
}

func (r *Recorder) State(s int) {
	if r != nil {
		r.state.Set(float64(s))
	}
}

// Serve exposes g on addr under /metrics until ctx is done.
func Serve(ctx context.Context, addr string, g prometheus.Gatherer) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		<-errCh
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
