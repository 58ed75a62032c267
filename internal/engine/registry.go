package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/loqalabs/loqa-voicechat/internal/bus"
	"github.com/loqalabs/loqa-voicechat/internal/protocol"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Info is the last known state of a tracked engine.
type Info struct {
	Name      string    `json:"name"`
	State     State     `json:"state"`
	LastError string    `json:"last_error,omitempty"`
	Since     time.Time `json:"since"`
}

// Registry tracks engine lifecycles, exports their states as gauges and
// announces every transition on the bus.
type Registry struct {
	log        *slog.Logger
	bus        *bus.Client
	mu         sync.RWMutex
	engines    map[string]*Info
	heartbeat  *time.Ticker
	cancel     context.CancelFunc
	meter      metric.Meter
	stateGauge metric.Int64ObservableGauge
	busyGauge  metric.Int64ObservableGauge
}

// NewRegistry creates a registry. busClient may be nil, in which case state
// changes are only recorded locally. A zero heartbeat disables periodic
// re-announcement.
func NewRegistry(ctx context.Context, busClient *bus.Client, heartbeat time.Duration, log *slog.Logger) *Registry {
	ctx, cancel := context.WithCancel(ctx)
	r := &Registry{
		log:     log.With(slog.String("component", "engine-registry")),
		bus:     busClient,
		engines: make(map[string]*Info),
		meter:   otel.Meter("github.com/loqalabs/loqa-voicechat/engine"),
		cancel:  cancel,
	}
	if err := r.initMetrics(); err != nil {
		r.log.Warn("failed to initialize metrics", slogError(err))
	}
	if heartbeat > 0 && busClient != nil {
		r.heartbeat = time.NewTicker(heartbeat)
		go r.runHeartbeat(ctx)
	}
	return r
}

// Track returns a lifecycle whose transitions are recorded by the registry.
func (r *Registry) Track(name string) *Lifecycle {
	r.mu.Lock()
	r.engines[name] = &Info{Name: name, State: Uninitialized, Since: time.Now().UTC()}
	r.mu.Unlock()
	return NewLifecycle(name, r.observe)
}

func (r *Registry) Close() {
	if r.cancel != nil {
		r.cancel()
	}
	if r.heartbeat != nil {
		r.heartbeat.Stop()
	}
}

func (r *Registry) Get(name string) (Info, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.engines[name]
	if !ok {
		return Info{}, false
	}
	return *info, true
}

// Query returns tracked engines matching filter, ordered by name.
func (r *Registry) Query(filter func(Info) bool) []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var results []Info
	for _, info := range r.engines {
		copy := *info
		if filter == nil || filter(copy) {
			results = append(results, copy)
		}
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Name < results[j].Name })
	return results
}

// Healthy reports whether no tracked engine has faulted.
func (r *Registry) Healthy() bool {
	return len(r.Query(WithState(Faulted))) == 0
}

func WithState(state State) func(Info) bool {
	return func(info Info) bool { return info.State == state }
}

func (r *Registry) observe(t Transition) {
	r.mu.Lock()
	info, ok := r.engines[t.Engine]
	if !ok {
		info = &Info{Name: t.Engine}
		r.engines[t.Engine] = info
	}
	info.State = t.To
	info.Since = t.At
	if t.Err != nil {
		info.LastError = t.Err.Error()
	} else if t.To == Ready {
		info.LastError = ""
	}
	snapshot := *info
	r.mu.Unlock()

	attrs := []any{slog.String("engine", t.Engine), slog.String("from", t.From.String()), slog.String("to", t.To.String())}
	if t.Err != nil {
		attrs = append(attrs, slogError(t.Err))
		r.log.Warn("engine state changed", attrs...)
	} else {
		r.log.Debug("engine state changed", attrs...)
	}
	if err := r.publish(snapshot); err != nil {
		r.log.Warn("failed to publish engine state", slogError(err))
	}
}

func (r *Registry) runHeartbeat(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.heartbeat.C:
			for _, info := range r.Query(nil) {
				if err := r.publish(info); err != nil {
					r.log.Warn("failed to publish engine heartbeat", slogError(err))
				}
			}
		}
	}
}

func (r *Registry) publish(info Info) error {
	if r.bus == nil || r.bus.Conn() == nil {
		return nil
	}
	msg := protocol.EngineState{
		Engine:    info.Name,
		State:     info.State.String(),
		Error:     info.LastError,
		Timestamp: info.Since,
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return r.bus.Conn().Publish(protocol.SubjectEngineState, payload)
}

func (r *Registry) initMetrics() error {
	if r.meter == nil {
		return nil
	}
	stateGauge, err := r.meter.Int64ObservableGauge("voicechat.engine.state", metric.WithDescription("Current lifecycle state per engine"))
	if err != nil {
		return err
	}
	busyGauge, err := r.meter.Int64ObservableGauge("voicechat.engine.busy", metric.WithDescription("Number of engines in a busy period"))
	if err != nil {
		return err
	}
	r.stateGauge = stateGauge
	r.busyGauge = busyGauge
	_, err = r.meter.RegisterCallback(func(ctx context.Context, obs metric.Observer) error {
		var busy int64
		for _, info := range r.Query(nil) {
			obs.ObserveInt64(stateGauge, int64(info.State), metric.WithAttributes(attribute.String("engine", info.Name)))
			if info.State == Busy {
				busy++
			}
		}
		obs.ObserveInt64(busyGauge, busy)
		return nil
	}, stateGauge, busyGauge)
	return err
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
