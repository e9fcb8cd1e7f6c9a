// Package engine assembles the Intelliceil traffic protection pipeline: the
// ring counter feeds the baseline estimator and threat state machine once per
// second, while the admission controller gates every inbound request inline.
package engine

import (
	"context"
	"time"

	"go.uber.org/zap"

	"intelliceil/engine/admission"
	"intelliceil/engine/audit"
	"intelliceil/engine/baseline"
	"intelliceil/engine/config"
	"intelliceil/engine/counter"
	"intelliceil/engine/geo"
	"intelliceil/engine/metrics"
	"intelliceil/engine/notify"
	"intelliceil/engine/snapshot"
	"intelliceil/engine/threat"
)

const defaultGeoCap = 500

// Options wires an Engine. Store is required; everything else has defaults.
type Options struct {
	Store        *config.Store
	GeoProvider  geo.Provider
	Notifier     notify.Notifier
	Audit        audit.Log
	Logger       *zap.Logger
	Baseline     baseline.Options
	Resolver     geo.ResolverOptions
	HistorySize  int
	TopK         int
	GeoCap       int           // max geo locations in a status payload
	TickInterval time.Duration // default 1s; tests may shorten
}

// Engine owns all the moving parts and the single background ticker.
type Engine struct {
	store      *config.Store
	counter    *counter.Counter
	resolver   *geo.Resolver
	baseline   *baseline.Estimator
	threat     *threat.StateMachine
	admission  *admission.Controller
	aggregator *snapshot.Aggregator
	notifier   notify.Notifier
	audit      audit.Log
	logger     *zap.Logger

	geoCap       int
	tickInterval time.Duration
	tickCount    int64
	stopChan     chan struct{}
	doneChan     chan struct{}
}

// New builds an engine. Start must be called to run the background ticker.
func New(opts Options) (*Engine, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Notifier == nil {
		opts.Notifier = notify.Nop{}
	}
	if opts.Audit == nil {
		opts.Audit = audit.Nop{}
	}
	if opts.GeoCap <= 0 {
		opts.GeoCap = defaultGeoCap
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = time.Second
	}

	ctr := counter.New(0)
	resolver, err := geo.NewResolver(opts.Store, opts.GeoProvider, opts.Logger, opts.Resolver)
	if err != nil {
		return nil, err
	}
	sm := threat.New()

	e := &Engine{
		store:        opts.Store,
		counter:      ctr,
		resolver:     resolver,
		baseline:     baseline.New(opts.Baseline),
		threat:       sm,
		admission:    admission.NewController(opts.Store, resolver, ctr, sm, opts.Logger),
		aggregator:   snapshot.New(snapshot.Options{HistorySize: opts.HistorySize, TopK: opts.TopK}),
		notifier:     opts.Notifier,
		audit:        opts.Audit,
		logger:       opts.Logger,
		geoCap:       opts.GeoCap,
		tickInterval: opts.TickInterval,
		stopChan:     make(chan struct{}),
		doneChan:     make(chan struct{}),
	}
	return e, nil
}

// Start runs the 1 Hz background ticker for the process lifetime.
func (e *Engine) Start() {
	go func() {
		defer close(e.doneChan)
		ticker := time.NewTicker(e.tickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-e.stopChan:
				return
			case now := <-ticker.C:
				e.Tick(now)
			}
		}
	}()
	e.logger.Info("engine started", zap.Duration("tick_interval", e.tickInterval))
}

// Stop halts the ticker without waiting for an in-progress tick's outbound
// notifications. In-flight admission calls are unaffected.
func (e *Engine) Stop() {
	select {
	case <-e.stopChan:
	default:
		close(e.stopChan)
	}
	<-e.doneChan
	e.store.Flush()
	e.logger.Info("engine stopped")
}

// Admit gates one inbound request.
func (e *Engine) Admit(ip, referrerDomain string) (admission.Decision, admission.Reason) {
	return e.admission.Admit(ip, referrerDomain, time.Now())
}

// RecordEndpoint notes an endpoint hit for the top-K listing.
func (e *Engine) RecordEndpoint(endpoint string) {
	e.aggregator.RecordEndpoint(endpoint)
}

// Status returns the read-only snapshot for dashboards.
func (e *Engine) Status() snapshot.Status {
	return e.aggregator.Status(e.store.Config(), e.baseline.Snapshot(), e.threat.Snapshot(), e.resolver, e.geoCap)
}

// Store exposes the config store for the admin API.
func (e *Engine) Store() *config.Store { return e.store }

// UpdateConfig applies a partial policy update.
func (e *Engine) UpdateConfig(patch config.Patch) (*config.Config, error) {
	cfg, err := e.store.Update(patch)
	if err != nil {
		return nil, err
	}
	e.recordAudit(audit.Event{Time: time.Now(), Kind: audit.KindConfigUpdate})
	return cfg, nil
}

// BlockIP adds an IP to the blocklist; idempotent.
func (e *Engine) BlockIP(ip string) bool {
	changed := e.store.BlockIP(ip)
	if changed {
		e.recordAudit(audit.Event{Time: time.Now(), Kind: audit.KindIPBlock, Detail: ip})
	}
	return changed
}

// UnblockIP removes an IP from the blocklist; idempotent.
func (e *Engine) UnblockIP(ip string) bool {
	changed := e.store.UnblockIP(ip)
	if changed {
		e.recordAudit(audit.Event{Time: time.Now(), Kind: audit.KindIPUnblock, Detail: ip})
	}
	return changed
}

// TrustDomain adds a referrer domain to the allowlist; idempotent.
func (e *Engine) TrustDomain(domain string) bool {
	changed := e.store.TrustDomain(domain)
	if changed {
		e.recordAudit(audit.Event{Time: time.Now(), Kind: audit.KindDomainTrust, Detail: domain})
	}
	return changed
}

// UntrustDomain removes a referrer domain from the allowlist; idempotent.
func (e *Engine) UntrustDomain(domain string) bool {
	changed := e.store.UntrustDomain(domain)
	if changed {
		e.recordAudit(audit.Event{Time: time.Now(), Kind: audit.KindDomainUntrust, Detail: domain})
	}
	return changed
}

// TrustIP marks an IP trusted; idempotent.
func (e *Engine) TrustIP(ip string) bool {
	changed := e.store.TrustIP(ip)
	if changed {
		e.recordAudit(audit.Event{Time: time.Now(), Kind: audit.KindIPTrust, Detail: ip})
	}
	return changed
}

// UntrustIP removes an IP from the trusted set; idempotent.
func (e *Engine) UntrustIP(ip string) bool {
	changed := e.store.UntrustIP(ip)
	if changed {
		e.recordAudit(audit.Event{Time: time.Now(), Kind: audit.KindIPUntrust, Detail: ip})
	}
	return changed
}

// ActivateMitigation is the manual override; it wins until the next
// auto-eligible transition.
func (e *Engine) ActivateMitigation(actor string) bool {
	changed := e.threat.ActivateMitigation()
	e.recordAudit(audit.Event{Time: time.Now(), Kind: audit.KindMitigationManual, Detail: "activate", Actor: actor})
	metrics.MitigationActive.Set(1)
	return changed
}

// DeactivateMitigation is the manual override counterpart.
func (e *Engine) DeactivateMitigation(actor string) bool {
	changed := e.threat.DeactivateMitigation()
	e.recordAudit(audit.Event{Time: time.Now(), Kind: audit.KindMitigationManual, Detail: "deactivate", Actor: actor})
	metrics.MitigationActive.Set(0)
	return changed
}

// Tick executes one engine tick: roll the counters, update the baseline,
// evaluate the threat level, refresh the snapshot. Order is fixed so the
// state machine always sees the just-closed second. Exported so tests can
// drive virtual time.
//
// A failure inside a tick is logged and the tick skipped; a single bad tick
// must never halt detection.
func (e *Engine) Tick(now time.Time) {
	defer func() {
		if r := recover(); r != nil {
			metrics.TickErrors.Inc()
			e.logger.Error("tick failed, state carried forward", zap.Any("panic", r))
		}
	}()

	cfg := e.store.Policy().Config

	total, perIP := e.counter.Roll()
	rps := float64(total)
	base := e.baseline.Update(rps)

	metrics.CurrentRPS.Set(rps)
	metrics.BaselineRPS.Set(base.AvgRequestsPerSecond)
	metrics.PeakRPS.Set(base.PeakRequestsPerSecond)
	metrics.TrackedIPs.Set(float64(e.resolver.TrackedIPs()))

	if e.baseline.Ready() && cfg.Enabled {
		th := threat.Thresholds{
			AlertPct:       cfg.AlertThresholdPct,
			MitigationPct:  cfg.MitigationThresholdPct,
			HardCeilingRPS: cfg.HardCeilingRPS,
			CooldownTicks:  cfg.CooldownSeconds,
			SustainedTicks: cfg.SustainedTicks,
			AutoMitigate:   cfg.AutoMitigate,
		}
		tr, changed := e.threat.Tick(rps, base.AvgRequestsPerSecond, th, now)
		metrics.ThreatLevel.Set(float64(e.threat.Level()))
		if e.threat.MitigationActive() {
			metrics.MitigationActive.Set(1)
		} else {
			metrics.MitigationActive.Set(0)
		}
		if changed {
			e.onTransition(tr, cfg)
		}
	}

	e.tickCount++
	if cfg.WindowSeconds > 0 && e.tickCount%int64(cfg.WindowSeconds) == 0 {
		e.admission.Sweep(now, cfg.WindowSeconds)
	}

	e.aggregator.Tick(now, total, perIP, e.resolver)
}

func (e *Engine) onTransition(tr threat.Transition, cfg *config.Config) {
	metrics.LevelTransitions.WithLabelValues(tr.To.String()).Inc()
	e.logger.Warn("threat level changed",
		zap.Stringer("from", tr.From),
		zap.Stringer("to", tr.To),
		zap.Float64("percent_over_baseline", tr.PercentOverBaseline),
		zap.Float64("rps", tr.RPS),
		zap.Bool("mitigation_active", tr.MitigationActive))

	e.recordAudit(audit.Event{
		Time:       tr.At,
		Kind:       audit.KindLevelTransition,
		FromLevel:  tr.From.String(),
		ToLevel:    tr.To.String(),
		Percentage: tr.PercentOverBaseline,
	})

	if !cfg.NotifyOnAttack {
		return
	}
	event := notify.Event{
		From:       tr.From,
		To:         tr.To,
		Percentage: tr.PercentOverBaseline,
		RPS:        tr.RPS,
		Timestamp:  tr.At,
		Recipient:  cfg.NotifyEmail,
	}
	go func() {
		if err := e.notifier.Send(event); err != nil {
			metrics.NotificationsSent.WithLabelValues("error").Inc()
			e.logger.Warn("transition notification failed", zap.Error(err))
			return
		}
		metrics.NotificationsSent.WithLabelValues("ok").Inc()
	}()
}

func (e *Engine) recordAudit(ev audit.Event) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := e.audit.Record(ctx, ev); err != nil {
			e.logger.Warn("audit write failed", zap.Error(err))
		}
	}()
}
