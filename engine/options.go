package engine

import (
	"log/slog"

	"github.com/benbjohnson/clock"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/orcasched/orca/dispatcher"
	"github.com/orcasched/orca/internal/eventqueue"
	"github.com/orcasched/orca/metrics"
)

const TracerName = "orca"

type Options struct {
	Logger *slog.Logger

	Metrics metrics.Client

	TracerProvider trace.TracerProvider

	Clock clock.Clock

	// QueueCapacity bounds the task event buffer.
	QueueCapacity int

	// Backpressure selects Enqueue behavior when the buffer is full.
	Backpressure eventqueue.BackpressureMode

	// ProcessWorkers is the size of the event processing pool.
	ProcessWorkers int

	Dispatch dispatcher.Options

	LoadBalancer dispatcher.LoadBalancer
}

func DefaultOptions() *Options {
	return &Options{
		Logger:         slog.Default(),
		Metrics:        metrics.NewNoopClient(),
		TracerProvider: noop.NewTracerProvider(),
		Clock:          clock.New(),
		QueueCapacity:  1024,
		Backpressure:   eventqueue.Block,
		ProcessWorkers: 8,
		Dispatch:       dispatcher.DefaultOptions,
		LoadBalancer:   dispatcher.NewLowerLoad(),
	}
}

type Option func(*Options)

func WithLogger(logger *slog.Logger) Option {
	return func(o *Options) {
		o.Logger = logger
	}
}

func WithMetrics(client metrics.Client) Option {
	return func(o *Options) {
		o.Metrics = client
	}
}

func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *Options) {
		o.TracerProvider = tp
	}
}

func WithClock(c clock.Clock) Option {
	return func(o *Options) {
		o.Clock = c
	}
}

func WithQueueCapacity(capacity int) Option {
	return func(o *Options) {
		o.QueueCapacity = capacity
	}
}

func WithBackpressure(mode eventqueue.BackpressureMode) Option {
	return func(o *Options) {
		o.Backpressure = mode
	}
}

func WithProcessWorkers(workers int) Option {
	return func(o *Options) {
		o.ProcessWorkers = workers
	}
}

func WithDispatchOptions(options dispatcher.Options) Option {
	return func(o *Options) {
		o.Dispatch = options
	}
}

func WithLoadBalancer(balancer dispatcher.LoadBalancer) Option {
	return func(o *Options) {
		o.LoadBalancer = balancer
	}
}

func ApplyOptions(opts ...Option) *Options {
	options := DefaultOptions()

	for _, opt := range opts {
		opt(options)
	}

	return options
}
