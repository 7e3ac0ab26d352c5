// Package fanout delivers domain events to the sessions entitled to see them.
//
// Every handler goes through Dispatcher.Dispatch: the payload is encoded once,
// the registry is snapshotted once and, when the eligibility rule needs
// persisted viewer state, all viewers are loaded with a single batched read.
// A failed enqueue affects only that session.
package fanout

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/luciancaetano/chatgate"
	"github.com/luciancaetano/chatgate/internal/metrics"
	"github.com/luciancaetano/chatgate/internal/protocol"
	"github.com/luciancaetano/chatgate/internal/store"
)

// Sessions is the part of the registry the dispatcher reads.
type Sessions interface {
	Snapshot() []chatgate.Session
}

// Rule decides who receives an event.
type Rule struct {
	// Intents the session must have subscribed to. Zero matches everyone.
	Intents chatgate.Intents
	// Allow is evaluated against the persisted viewer after the intent
	// filter. Sessions whose user is unknown to the store are skipped.
	Allow func(s chatgate.Session, viewer store.User) bool
}

// Result counts what happened to each session of the snapshot.
type Result struct {
	Delivered int
	Failed    int
	Skipped   int
}

// Options configures a Dispatcher.
type Options struct {
	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

// Dispatcher delivers events to the sessions of a snapshot. It is safe for
// concurrent use; each Dispatch takes its own snapshot.
type Dispatcher struct {
	sessions Sessions
	store    store.Store
	logger   *zap.Logger
	metrics  *metrics.Metrics
}

// NewDispatcher returns a Dispatcher over sessions. st is only read, and only
// for rules with an Allow predicate.
func NewDispatcher(sessions Sessions, st store.Store, opts Options) *Dispatcher {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Dispatcher{
		sessions: sessions,
		store:    st,
		logger:   opts.Logger.With(zap.String("component", "fanout")),
		metrics:  opts.Metrics,
	}
}

// Dispatch encodes data as a dispatch envelope named event and enqueues it on
// every session matching rule. The returned error is only set when the
// payload could not be encoded or the viewers could not be loaded; in both
// cases nothing was delivered.
func (d *Dispatcher) Dispatch(ctx context.Context, event string, data any, rule Rule) (Result, error) {
	var res Result

	env, err := protocol.NewDispatch(event, data)
	if err != nil {
		return res, err
	}
	payload, err := protocol.Encode(env)
	if err != nil {
		return res, err
	}

	snapshot := d.sessions.Snapshot()
	candidates := snapshot[:0:0]
	for _, s := range snapshot {
		if rule.Intents != chatgate.IntentsNone && !s.Intents().Has(rule.Intents) {
			res.Skipped++
			continue
		}
		candidates = append(candidates, s)
	}

	var viewers map[string]store.User
	if rule.Allow != nil && len(candidates) > 0 {
		ids := make([]string, 0, len(candidates))
		for _, s := range candidates {
			ids = append(ids, s.UserID())
		}
		viewers, err = d.store.Users(ctx, ids)
		if err != nil {
			return res, fmt.Errorf("load viewers for %s: %w", event, err)
		}
	}

	for _, s := range candidates {
		if rule.Allow != nil {
			viewer, ok := viewers[s.UserID()]
			if !ok || !rule.Allow(s, viewer) {
				res.Skipped++
				continue
			}
		}
		if err := s.Enqueue(payload); err != nil {
			res.Failed++
			d.logger.Debug("enqueue failed",
				zap.String("event", event),
				zap.String("session_id", s.ID()),
				zap.Error(err),
			)
			continue
		}
		res.Delivered++
	}

	d.metrics.Dispatched(event, res.Delivered, res.Failed)
	return res, nil
}
