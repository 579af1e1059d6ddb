package alerts

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmerrifield20/arenaguard/internal/background"
	"github.com/jmerrifield20/arenaguard/internal/threat"
	"go.uber.org/zap"
)

// DefaultMaxAlerts bounds the in-memory alert history.
const DefaultMaxAlerts = 1000

// Notifier forwards an alert to an external sink.
type Notifier interface {
	Name() string
	Notify(ctx context.Context, a Alert) error
}

// MetricsRecorder is an optional callback for notification outcomes.
type MetricsRecorder func(sink string, success bool)

// Dispatcher turns qualifying events into alerts and fans them out to the
// configured notifiers in the background.
type Dispatcher struct {
	mu     sync.Mutex
	alerts []*Alert // oldest first
	byID   map[string]*Alert
	max    int

	notifiers []Notifier
	runner    *background.Runner
	now       func() time.Time
	onMetrics MetricsRecorder
	logger    *zap.Logger
}

// NewDispatcher creates a Dispatcher. Notifications run on runner; a nil
// runner disables them.
func NewDispatcher(runner *background.Runner, maxAlerts int, logger *zap.Logger, notifiers ...Notifier) *Dispatcher {
	if maxAlerts <= 0 {
		maxAlerts = DefaultMaxAlerts
	}
	return &Dispatcher{
		byID:      make(map[string]*Alert),
		max:       maxAlerts,
		notifiers: notifiers,
		runner:    runner,
		now:       time.Now,
		logger:    logger,
	}
}

// SetClock overrides the time source.
func (d *Dispatcher) SetClock(now func() time.Time) {
	d.now = now
}

// SetMetricsRecorder configures the metrics callback.
func (d *Dispatcher) SetMetricsRecorder(fn MetricsRecorder) {
	d.onMetrics = fn
}

// MaybeAlert raises an alert for ev if its severity is high or critical and
// returns it, or nil. Notification is best effort: each sink is called at
// most once, off the caller's goroutine.
func (d *Dispatcher) MaybeAlert(_ context.Context, ev threat.Event) *Alert {
	if !Qualifies(ev.Severity) {
		return nil
	}

	a := &Alert{
		ID:        uuid.NewString(),
		Type:      ev.Type,
		Severity:  ev.Severity,
		Title:     titleFor(ev.Type),
		Message:   ev.Message,
		OriginIP:  ev.OriginIP,
		UserID:    ev.UserID,
		EventID:   ev.ID,
		Details:   ev.Details,
		Status:    StatusActive,
		CreatedAt: d.now().UTC(),
	}

	d.mu.Lock()
	d.alerts = append(d.alerts, a)
	d.byID[a.ID] = a
	if over := len(d.alerts) - d.max; over > 0 {
		for _, old := range d.alerts[:over] {
			delete(d.byID, old.ID)
		}
		d.alerts = append(d.alerts[:0:0], d.alerts[over:]...)
	}
	snapshot := *a
	d.mu.Unlock()

	d.logger.Warn("security alert",
		zap.String("alert_id", a.ID),
		zap.String("type", string(a.Type)),
		zap.String("severity", string(a.Severity)),
		zap.String("origin_ip", a.OriginIP),
	)

	d.notify(snapshot)
	return &snapshot
}

func (d *Dispatcher) notify(a Alert) {
	if d.runner == nil {
		return
	}
	for _, n := range d.notifiers {
		d.runner.Go("alert-notify:"+n.Name(), func(ctx context.Context) {
			err := n.Notify(ctx, a)
			if d.onMetrics != nil {
				d.onMetrics(n.Name(), err == nil)
			}
			if err != nil {
				d.logger.Warn("alert notification failed",
					zap.String("sink", n.Name()),
					zap.String("alert_id", a.ID),
					zap.Error(err),
				)
			}
		})
	}
}

// Active returns unresolved alerts, newest first.
func (d *Dispatcher) Active() []Alert {
	return d.List(StatusActive)
}

// List returns alerts with the given status (all when empty), newest first.
func (d *Dispatcher) List(status Status) []Alert {
	d.mu.Lock()
	out := make([]Alert, 0, len(d.alerts))
	for i := len(d.alerts) - 1; i >= 0; i-- {
		if status == "" || d.alerts[i].Status == status {
			out = append(out, *d.alerts[i])
		}
	}
	d.mu.Unlock()
	return out
}

// Resolve marks an alert resolved. Resolving twice is a no-op.
func (d *Dispatcher) Resolve(id string) (Alert, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	a, ok := d.byID[id]
	if !ok {
		return Alert{}, ErrNotFound
	}
	if a.Status != StatusResolved {
		now := d.now().UTC()
		a.Status = StatusResolved
		a.ResolvedAt = &now
	}
	return *a, nil
}
