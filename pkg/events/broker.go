package events

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/bootstrappo/bootstrappo/pkg/engine"
	"github.com/bootstrappo/bootstrappo/pkg/telemetry"
)

// defaultBuffer is the trigger channel capacity. Bursts beyond it drop the
// oldest semantics to the loop's coalescing; the channel never blocks sources.
const defaultBuffer = 16

// BrokerOptions configures a trigger broker.
type BrokerOptions struct {
	// Interval is the periodic trigger interval. Zero disables the timer.
	Interval time.Duration

	// PlanPath is the plan file to watch for changes. Empty disables the
	// file watcher.
	PlanPath string

	// External is an optional channel of cluster-event triggers produced
	// by an outside watcher. Nil disables it.
	External <-chan engine.Trigger

	// Buffer is the output channel capacity. Zero means a sane default.
	Buffer int

	// Logger receives broker diagnostics. Nil means a no-op logger.
	Logger *telemetry.Logger
}

// Broker fans trigger sources into a single channel for the reconcile loop:
// a periodic timer, a plan-file watcher, an injectable cluster-event channel,
// and manual triggers. The broker never blocks a source; when the loop is
// mid-pass, pending triggers sit in the buffer and coalesce there.
type Broker struct {
	interval time.Duration
	planPath string
	external <-chan engine.Trigger

	out chan engine.Trigger
	log *telemetry.Logger
	wg  sync.WaitGroup
}

// NewBroker creates a trigger broker.
func NewBroker(opts BrokerOptions) *Broker {
	if opts.Buffer <= 0 {
		opts.Buffer = defaultBuffer
	}
	if opts.Logger == nil {
		opts.Logger = telemetry.NopLogger()
	}
	return &Broker{
		interval: opts.Interval,
		planPath: opts.PlanPath,
		external: opts.External,
		out:      make(chan engine.Trigger, opts.Buffer),
		log:      opts.Logger.NewComponentLogger("triggers"),
	}
}

// Start launches the configured sources. The returned channel closes after
// the context ends and every source has stopped.
func (b *Broker) Start(ctx context.Context) (<-chan engine.Trigger, error) {
	if b.interval > 0 {
		b.wg.Add(1)
		go b.runTimer(ctx)
	}

	if b.planPath != "" {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			return nil, fmt.Errorf("create plan watcher: %w", err)
		}
		// Watch the directory: editors and config tools replace the file
		// by rename, which drops a direct file watch.
		if err := watcher.Add(filepath.Dir(b.planPath)); err != nil {
			watcher.Close()
			return nil, fmt.Errorf("watch plan directory: %w", err)
		}
		b.wg.Add(1)
		go b.runWatcher(ctx, watcher)
	}

	if b.external != nil {
		b.wg.Add(1)
		go b.runExternal(ctx)
	}

	go func() {
		b.wg.Wait()
		close(b.out)
	}()

	return b.out, nil
}

// Trigger injects a manual trigger.
func (b *Broker) Trigger(cause engine.TriggerCause, retryFailed bool) {
	b.publish(engine.Trigger{
		Cause:       cause,
		RetryFailed: retryFailed,
		At:          time.Now(),
	})
}

// publish offers a trigger without ever blocking the source.
func (b *Broker) publish(trigger engine.Trigger) {
	select {
	case b.out <- trigger:
	default:
		// The loop is behind and the buffer is full; the queued triggers
		// already guarantee a follow-up pass.
		b.log.WithField("cause", string(trigger.Cause)).Debug("trigger dropped, pass already queued")
	}
}

// runTimer emits periodic triggers.
func (b *Broker) runTimer(ctx context.Context) {
	defer b.wg.Done()

	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.publish(engine.Trigger{Cause: engine.TriggerTimer, At: time.Now()})
		}
	}
}

// runWatcher emits plan-change triggers on writes to the plan file.
func (b *Broker) runWatcher(ctx context.Context, watcher *fsnotify.Watcher) {
	defer b.wg.Done()
	defer watcher.Close()

	planBase := filepath.Base(b.planPath)

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != planBase {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			b.log.WithField("file", event.Name).Debug("plan file changed")
			b.publish(engine.Trigger{Cause: engine.TriggerPlanChange, At: time.Now()})

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			b.log.WithError(err).Warn("plan watcher error")
		}
	}
}

// runExternal forwards cluster-event triggers from the injected channel.
func (b *Broker) runExternal(ctx context.Context) {
	defer b.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case trigger, ok := <-b.external:
			if !ok {
				return
			}
			if trigger.Cause == "" {
				trigger.Cause = engine.TriggerClusterEvent
			}
			if trigger.At.IsZero() {
				trigger.At = time.Now()
			}
			b.publish(trigger)
		}
	}
}
