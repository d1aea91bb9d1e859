// Package hunt implements the fleet-wide flow factory. A hunt pairs a flow
// class with a client rule set; the dispatcher matches polling clients
// against every started hunt and fans out one child flow per matching
// client, subject to a dispatch rate, a total client limit and four damage
// ceilings that stop the hunt when its children misbehave at scale.
package hunt

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/vigilsec/fleet/internal/datastore"
	"github.com/vigilsec/fleet/internal/events"
	"github.com/vigilsec/fleet/internal/flow"
	"github.com/vigilsec/fleet/internal/ids"
	"github.com/vigilsec/fleet/internal/metrics"
	"github.com/vigilsec/fleet/internal/wire"
)

// HuntCreator is recorded on every hunt-induced flow.
const HuntCreator = "hunt"

const clientScanPage = 1000

// Dispatcher owns hunt lifecycle and fan-out.
type Dispatcher struct {
	store  datastore.Store
	engine *flow.Engine
	bus    *events.Bus
	log    *logrus.Entry
	clock  func() time.Time

	// minClientsForAverages defers the per-client average ceilings until the
	// sample is large enough to mean anything.
	minClientsForAverages uint64

	mu       sync.Mutex
	limiters map[ids.HuntID]*rate.Limiter
}

func NewDispatcher(store datastore.Store, engine *flow.Engine, bus *events.Bus, log *logrus.Logger, minClientsForAverages uint64) *Dispatcher {
	d := &Dispatcher{
		store:                 store,
		engine:                engine,
		bus:                   bus,
		log:                   log.WithField("component", "hunt"),
		clock:                 time.Now,
		minClientsForAverages: minClientsForAverages,
		limiters:              make(map[ids.HuntID]*rate.Limiter),
	}
	engine.OnHuntFlowDone = d.onFlowDone
	return d
}

// CreateHunt validates and persists a new hunt in PAUSED state.
func (d *Dispatcher) CreateHunt(ctx context.Context, h *datastore.Hunt) (*datastore.Hunt, error) {
	if _, err := flow.Lookup(h.FlowClass); err != nil {
		return nil, err
	}
	if err := validateRules(&h.ClientRule); err != nil {
		return nil, err
	}
	if h.ID == 0 {
		h.ID = ids.NewFlowID()
	}
	h.State = datastore.HuntPaused
	h.CreatedAt = d.clock()
	if err := d.store.WriteHuntObject(ctx, h); err != nil {
		return nil, err
	}
	d.log.WithFields(logrus.Fields{"hunt": h.ID, "class": h.FlowClass}).Info("hunt created")
	return h, nil
}

// StartHunt transitions a paused hunt to STARTED and runs the initial
// fan-out scan over the current client population.
func (d *Dispatcher) StartHunt(ctx context.Context, id ids.HuntID) error {
	now := d.clock()
	err := d.store.UpdateHuntObject(ctx, id, func(h *datastore.Hunt) error {
		if h.State != datastore.HuntPaused {
			return fmt.Errorf("hunt %s is %s, only paused hunts start", id, h.State)
		}
		h.State = datastore.HuntStarted
		h.StartedAt = now
		return nil
	})
	if err != nil {
		return err
	}
	d.log.WithField("hunt", id).Info("hunt started")
	return d.scanAllClients(ctx, id)
}

// StopHunt halts fan-out. Already-dispatched child flows keep running.
func (d *Dispatcher) StopHunt(ctx context.Context, id ids.HuntID, reason string) error {
	err := d.store.UpdateHuntObject(ctx, id, func(h *datastore.Hunt) error {
		if h.State != datastore.HuntStarted && h.State != datastore.HuntPaused {
			return fmt.Errorf("hunt %s is already %s", id, h.State)
		}
		h.State = datastore.HuntStopped
		h.StopReason = reason
		return nil
	})
	if err != nil {
		return err
	}
	d.bus.Publish(events.Event{Type: events.HuntStopped, HuntID: id, Subject: reason, Time: d.clock()})
	return nil
}

// EvaluateClient matches one client against every started hunt it has not
// seen yet. Called on foreman check-ins and by the periodic scan.
func (d *Dispatcher) EvaluateClient(ctx context.Context, clientID ids.ClientID) error {
	client, err := d.store.ReadClient(ctx, clientID)
	if err != nil {
		return err
	}
	snap, err := d.store.ReadClientSnapshot(ctx, clientID)
	if err != nil {
		snap = nil // unsnapshotted clients can still match label and age rules
	}

	hunts, err := d.store.ListStartedHunts(ctx)
	if err != nil {
		return err
	}
	sort.Slice(hunts, func(i, j int) bool { return hunts[i].StartedAt.Before(hunts[j].StartedAt) })

	// The foreman cursor skips hunts the client was already evaluated
	// against. A throttled hunt stops the cursor so the next check-in
	// retries it.
	cursor := client.LastForeman
	for _, h := range hunts {
		if !h.StartedAt.After(client.LastForeman) {
			continue
		}
		outcome, err := d.evaluate(ctx, h, client, snap)
		if err != nil {
			return err
		}
		if outcome == outcomeThrottled {
			break
		}
		cursor = h.StartedAt
	}
	if cursor.After(client.LastForeman) {
		if err := d.store.UpdateClientForemanTime(ctx, clientID, cursor); err != nil {
			return err
		}
	}
	return nil
}

// RunForeman periodically sweeps the fleet through EvaluateClient so that
// clients which never send foreman check-ins still join new hunts.
func (d *Dispatcher) RunForeman(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := d.sweep(ctx); err != nil {
				d.log.WithError(err).Error("foreman sweep failed")
			}
		}
	}
}

func (d *Dispatcher) sweep(ctx context.Context) error {
	for offset := 0; ; offset += clientScanPage {
		clients, err := d.store.ListClients(ctx, offset, clientScanPage)
		if err != nil {
			return err
		}
		for _, c := range clients {
			if err := d.EvaluateClient(ctx, c.ID); err != nil {
				d.log.WithError(err).WithField("client", c.ID).Warn("evaluation failed")
			}
		}
		if len(clients) < clientScanPage {
			return nil
		}
	}
}

func (d *Dispatcher) scanAllClients(ctx context.Context, id ids.HuntID) error {
	hunt, err := d.store.ReadHuntObject(ctx, id)
	if err != nil {
		return err
	}
	for offset := 0; ; offset += clientScanPage {
		clients, err := d.store.ListClients(ctx, offset, clientScanPage)
		if err != nil {
			return err
		}
		for _, c := range clients {
			if hunt.State != datastore.HuntStarted {
				return nil
			}
			snap, err := d.store.ReadClientSnapshot(ctx, c.ID)
			if err != nil {
				snap = nil
			}
			if _, err := d.evaluate(ctx, hunt, c, snap); err != nil {
				d.log.WithError(err).WithField("client", c.ID).Warn("dispatch failed")
			}
			// Re-read so limit transitions are observed mid-scan.
			if hunt, err = d.store.ReadHuntObject(ctx, id); err != nil {
				return err
			}
		}
		if len(clients) < clientScanPage {
			return nil
		}
	}
}

type outcome int

const (
	outcomeSkipped outcome = iota
	outcomeLimitReached
	outcomeThrottled
	outcomeAlreadyDispatched
	outcomeDispatched
)

func (d *Dispatcher) evaluate(ctx context.Context, h *datastore.Hunt, client *datastore.Client, snap *datastore.ClientSnapshot) (outcome, error) {
	if h.State != datastore.HuntStarted {
		return outcomeSkipped, nil
	}
	matched, err := Matches(&h.ClientRule, client, snap, d.clock())
	if err != nil || !matched {
		return outcomeSkipped, err
	}

	if h.ClientLimit > 0 && h.Counters.NumClients >= h.ClientLimit {
		metrics.HuntDispatches.WithLabelValues("limit_reached").Inc()
		err := d.store.UpdateHuntObject(ctx, h.ID, func(u *datastore.Hunt) error {
			if u.State == datastore.HuntStarted {
				u.State = datastore.HuntCompleted
			}
			return nil
		})
		return outcomeLimitReached, err
	}

	if !d.limiter(h).Allow() {
		metrics.HuntDispatches.WithLabelValues("throttled").Inc()
		return outcomeThrottled, nil
	}

	fresh, err := d.store.MarkHuntClient(ctx, h.ID, client.ID)
	if err != nil {
		return outcomeSkipped, err
	}
	if !fresh {
		return outcomeAlreadyDispatched, nil
	}

	var args wire.Payload
	if h.FlowArgsType != "" {
		if args, err = wire.UnmarshalPayload(h.FlowArgsType, h.FlowArgs); err != nil {
			return outcomeSkipped, err
		}
	}
	if _, err := d.engine.StartFlow(ctx, &flow.StartSpec{
		ClientID:     client.ID,
		Class:        h.FlowClass,
		Creator:      HuntCreator,
		Args:         args,
		ParentHuntID: h.ID,
	}); err != nil {
		return outcomeSkipped, err
	}
	if err := d.store.UpdateHuntObject(ctx, h.ID, func(u *datastore.Hunt) error {
		u.Counters.NumClients++
		return nil
	}); err != nil {
		return outcomeDispatched, err
	}
	metrics.HuntDispatches.WithLabelValues("started").Inc()
	return outcomeDispatched, nil
}

// limiter returns the hunt's dispatch throttle; nil-safe via an unlimited
// limiter when ClientRate is zero (rapid-hunt mode).
func (d *Dispatcher) limiter(h *datastore.Hunt) *rate.Limiter {
	d.mu.Lock()
	defer d.mu.Unlock()
	if l, ok := d.limiters[h.ID]; ok {
		return l
	}
	limit := rate.Inf
	if h.ClientRate > 0 {
		limit = rate.Limit(h.ClientRate / 60.0) // ClientRate is per minute
	}
	l := rate.NewLimiter(limit, 1)
	d.limiters[h.ID] = l
	return l
}

// onFlowDone is installed on the flow engine and runs after every
// hunt-induced flow reaches a terminal state. It feeds the hunt counters and
// enforces the ceilings.
func (d *Dispatcher) onFlowDone(ctx context.Context, f *datastore.Flow) {
	var stoppedFor string
	err := d.store.UpdateHuntObject(ctx, f.ParentHuntID, func(h *datastore.Hunt) error {
		switch f.State {
		case datastore.FlowFinished:
			h.Counters.NumSuccessful++
		case datastore.FlowCrashed:
			h.Counters.NumCrashed++
		default:
			h.Counters.NumFailed++
		}
		h.Counters.NumResults += f.NumResults
		h.Counters.TotalCPU += f.CPUTimeUsed
		h.Counters.TotalNetwork += f.NetworkBytesSent

		if h.State != datastore.HuntStarted {
			return nil
		}
		if ceiling := d.breachedCeiling(h); ceiling != "" {
			h.State = datastore.HuntStopped
			h.StopReason = fmt.Sprintf("%s ceiling exceeded", ceiling)
			stoppedFor = ceiling
		}
		return nil
	})
	if err != nil {
		d.log.WithError(err).WithField("hunt", f.ParentHuntID).Error("hunt accounting failed")
		return
	}
	if stoppedFor != "" {
		metrics.HuntsStopped.WithLabelValues(stoppedFor).Inc()
		d.bus.Publish(events.Event{
			Type:    events.HuntStopped,
			HuntID:  f.ParentHuntID,
			Subject: stoppedFor + " ceiling exceeded",
			Time:    d.clock(),
		})
		d.log.WithFields(logrus.Fields{
			"hunt": f.ParentHuntID, "ceiling": stoppedFor,
		}).Warn("hunt stopped")
	}
}

// breachedCeiling names the first exceeded ceiling, or "". The crash limit
// is absolute; the other three are per-client averages checked only once
// enough clients have reported.
func (d *Dispatcher) breachedCeiling(h *datastore.Hunt) string {
	c := &h.Counters
	if h.CrashLimit > 0 && c.NumCrashed >= h.CrashLimit {
		return "crash"
	}
	if c.NumClients < d.minClientsForAverages {
		return ""
	}
	clients := float64(c.NumClients)
	if h.AvgCPUSecondsLimit > 0 && c.TotalCPU/clients > h.AvgCPUSecondsLimit {
		return "cpu"
	}
	if h.AvgNetworkLimit > 0 && float64(c.TotalNetwork)/clients > float64(h.AvgNetworkLimit) {
		return "network"
	}
	if h.AvgResultsLimit > 0 && float64(c.NumResults)/clients > h.AvgResultsLimit {
		return "results"
	}
	return ""
}

// Matches evaluates a rule set against one client.
func Matches(rs *datastore.ClientRuleSet, client *datastore.Client, snap *datastore.ClientSnapshot, now time.Time) (bool, error) {
	if len(rs.Rules) == 0 {
		return true, nil
	}
	any := strings.EqualFold(rs.MatchMode, "ANY")
	for _, rule := range rs.Rules {
		ok, err := matchRule(&rule, client, snap, now)
		if err != nil {
			return false, err
		}
		if any && ok {
			return true, nil
		}
		if !any && !ok {
			return false, nil
		}
	}
	return !any, nil
}

func matchRule(rule *datastore.ClientRule, client *datastore.Client, snap *datastore.ClientSnapshot, now time.Time) (bool, error) {
	switch rule.Kind {
	case "os":
		kb, err := knowledge(snap)
		if err != nil || kb == nil {
			return false, err
		}
		return strings.EqualFold(kb.System, rule.Value), nil
	case "label":
		for _, l := range client.Labels {
			if l.Name == rule.Value {
				return true, nil
			}
		}
		return false, nil
	case "regex_hostname":
		kb, err := knowledge(snap)
		if err != nil || kb == nil {
			return false, err
		}
		re, err := regexp.Compile(rule.Value)
		if err != nil {
			return false, fmt.Errorf("bad hostname regex %q: %w", rule.Value, err)
		}
		return re.MatchString(kb.Hostname), nil
	case "min_age_days":
		days, err := strconv.Atoi(rule.Value)
		if err != nil {
			return false, fmt.Errorf("bad min_age_days %q: %w", rule.Value, err)
		}
		return client.FirstSeen.Before(now.AddDate(0, 0, -days)), nil
	default:
		return false, fmt.Errorf("unknown rule kind %q", rule.Kind)
	}
}

func knowledge(snap *datastore.ClientSnapshot) (*wire.KnowledgeBase, error) {
	if snap == nil || len(snap.Knowledge) == 0 {
		return nil, nil
	}
	p, err := wire.UnmarshalPayload("KnowledgeBase", snap.Knowledge)
	if err != nil {
		return nil, err
	}
	kb, ok := p.(*wire.KnowledgeBase)
	if !ok {
		return nil, nil
	}
	return kb, nil
}

func validateRules(rs *datastore.ClientRuleSet) error {
	if rs.MatchMode != "" && !strings.EqualFold(rs.MatchMode, "ALL") && !strings.EqualFold(rs.MatchMode, "ANY") {
		return fmt.Errorf("unknown match mode %q", rs.MatchMode)
	}
	for _, rule := range rs.Rules {
		switch rule.Kind {
		case "os", "label":
		case "regex_hostname":
			if _, err := regexp.Compile(rule.Value); err != nil {
				return fmt.Errorf("bad hostname regex %q: %w", rule.Value, err)
			}
		case "min_age_days":
			if _, err := strconv.Atoi(rule.Value); err != nil {
				return fmt.Errorf("bad min_age_days %q: %w", rule.Value, err)
			}
		default:
			return fmt.Errorf("unknown rule kind %q", rule.Kind)
		}
	}
	return nil
}
