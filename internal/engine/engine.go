// Package engine runs the agent's decision cycle end to end: collect a
// market snapshot, gate it through the data health check, scan exits
// before entries, arbitrate one signal per symbol, execute, and finish
// with a supervisor pass. A cycle that dies partway publishes a
// safe-hold batch so the executor can never replay a stale trade batch.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/Naofumi-1000ri/MyClawTradingBot/internal/arbiter"
	"github.com/Naofumi-1000ri/MyClawTradingBot/internal/collector"
	"github.com/Naofumi-1000ri/MyClawTradingBot/internal/config"
	"github.com/Naofumi-1000ri/MyClawTradingBot/internal/exchange"
	"github.com/Naofumi-1000ri/MyClawTradingBot/internal/executor"
	"github.com/Naofumi-1000ri/MyClawTradingBot/internal/journal"
	"github.com/Naofumi-1000ri/MyClawTradingBot/internal/notify"
	"github.com/Naofumi-1000ri/MyClawTradingBot/internal/retry"
	"github.com/Naofumi-1000ri/MyClawTradingBot/internal/risk"
	"github.com/Naofumi-1000ri/MyClawTradingBot/internal/state"
	"github.com/Naofumi-1000ri/MyClawTradingBot/internal/store"
	"github.com/Naofumi-1000ri/MyClawTradingBot/internal/strategy"
	"github.com/Naofumi-1000ri/MyClawTradingBot/internal/supervisor"
	"github.com/Naofumi-1000ri/MyClawTradingBot/pkg/types"
)

// reconcileTolerance is the unrealized-PnL drift (USD) tolerated between
// the daily ledger and the synced positions before a rewrite.
const reconcileTolerance = 0.01

// cycleRetry backs the cycle-boundary calls (collect, position sync).
// Exhaustion here means the venue or the disk is persistently down and
// escalates past the ordinary failure counter.
var cycleRetry = retry.Config{MaxRetries: 2, BaseDelay: 2 * time.Second, MaxDelay: 10 * time.Second, Factor: 2}

// Engine owns one full pass of the pipeline and the loop that repeats
// it. All subsystems are wired once in New; nothing durable lives on
// the Engine itself, every file goes through the state manager and the
// stores.
type Engine struct {
	cfg       *config.Config
	collector *collector.Collector
	state     *state.Manager
	arbiter   *arbiter.Arbiter
	executor  *executor.Executor
	monitor   *supervisor.Monitor
	notifier  *notify.Notifier
	scanners  []strategy.SpikeScanner
	riders    []*strategy.WaveRider
	exits     *strategy.ExitScanner

	// feed is the live mid stream; nil until New wires the real venue,
	// started by Run for the lifetime of the loop.
	feed *exchange.MidFeed
	log  zerolog.Logger
}

// New wires the full agent from configuration: signer, REST client and
// venue adapter, mid stream, stores, state manager, collector,
// strategies, arbiter, executor and supervisor. Without a private key
// the client runs read-only (dry-run still works; live orders fail at
// the venue boundary).
func New(cfg *config.Config, riskParams *config.RiskParams, stratParams *config.StrategyParams, log zerolog.Logger) (*Engine, error) {
	var signer *exchange.Signer
	if cfg.Hyperliquid.PrivateKey != "" {
		s, err := exchange.NewSigner(cfg.Hyperliquid.PrivateKey, cfg.Environment == "mainnet")
		if err != nil {
			return nil, fmt.Errorf("exchange signer: %w", err)
		}
		signer = s
	}
	client := exchange.NewClient(cfg, signer, log)
	venue := exchange.NewAdapter(client, log)
	feed := exchange.NewMidFeed(cfg.WSURL(), log)

	eng, err := assemble(cfg, riskParams, stratParams, venue, feed, log)
	if err != nil {
		return nil, err
	}
	eng.feed = feed
	return eng, nil
}

// assemble builds the pipeline around an abstract venue. Split from New
// so tests can drive the same wiring with a scripted venue and no mid
// stream.
func assemble(cfg *config.Config, riskParams *config.RiskParams, stratParams *config.StrategyParams, venue exchange.Venue, feed collector.MidSource, log zerolog.Logger) (*Engine, error) {
	stateStore, err := store.Open(cfg.Paths.StateDir)
	if err != nil {
		return nil, fmt.Errorf("state store: %w", err)
	}
	dataStore, err := store.Open(cfg.Paths.DataDir)
	if err != nil {
		return nil, fmt.Errorf("data store: %w", err)
	}
	signalsStore, err := store.Open(cfg.Paths.SignalsDir)
	if err != nil {
		return nil, fmt.Errorf("signals store: %w", err)
	}
	jnl, err := journal.Open(cfg.Journal, log)
	if err != nil {
		return nil, fmt.Errorf("journal: %w", err)
	}

	st := state.NewManager(stateStore, venue, log)
	notifier := notify.New(cfg.Telegram, log)
	coll := collector.New(cfg, riskParams, venue, st, dataStore, feed, notifier, log)
	riskMgr := risk.New(riskParams, log)
	exec := executor.New(cfg, riskMgr, st, venue, jnl, log)
	arb := arbiter.New(cfg, st, signalsStore, log)
	mon := supervisor.NewMonitor(riskMgr, st, signalsStore, exec, notifier, log)

	scanners, riders := buildStrategies(cfg, stratParams, log)

	return &Engine{
		cfg:       cfg,
		collector: coll,
		state:     st,
		arbiter:   arb,
		executor:  exec,
		monitor:   mon,
		notifier:  notifier,
		scanners:  scanners,
		riders:    riders,
		exits:     strategy.NewExitScanner(st, riders, stratParams.VAS, log),
		log:       log.With().Str("component", "engine").Logger(),
	}, nil
}

// buildStrategies instantiates the enabled strategies whose symbols are
// configured for trading. A strategy disabled in the params or aimed at
// an unconfigured symbol never runs.
func buildStrategies(cfg *config.Config, params *config.StrategyParams, log zerolog.Logger) ([]strategy.SpikeScanner, []*strategy.WaveRider) {
	configured := make(map[string]bool, len(cfg.Trading.Symbols))
	for _, sym := range cfg.Trading.Symbols {
		configured[sym] = true
	}

	var scanners []strategy.SpikeScanner
	if configured["BTC"] && params.BTCWall.Enabled {
		scanners = append(scanners, strategy.NewBTCWall(params.BTCWall, params.VAS, log))
	}
	if configured["ETH"] && params.ETHBand.Enabled {
		scanners = append(scanners, strategy.NewETHBand(params.ETHBand, log))
	}
	if configured["SOL"] && params.SOLWall.Enabled {
		scanners = append(scanners, strategy.NewSOLWall(params.SOLWall, log))
	}

	var riders []*strategy.WaveRider
	if configured["BTC"] && params.WaveRider.BTC.Enabled {
		riders = append(riders, strategy.NewWaveRider("BTC", params.WaveRider.BTC, params.VAS, log))
	}
	if configured["HYPE"] && params.WaveRider.HYPE.Enabled {
		riders = append(riders, strategy.NewWaveRider("HYPE", params.WaveRider.HYPE, params.VAS, log))
	}
	return scanners, riders
}

// Collector exposes the collector for the collect and healthcheck
// subcommands.
func (e *Engine) Collector() *collector.Collector { return e.collector }

// Monitor exposes the supervisor for the monitor subcommand.
func (e *Engine) Monitor() *supervisor.Monitor { return e.monitor }

// Run executes cycles on the configured interval until ctx is
// cancelled. The first cycle starts immediately and the mid stream runs
// in the background for the whole session. Cycle errors are contained
// by the safe-hold path and never stop the loop.
func (e *Engine) Run(ctx context.Context) error {
	if e.feed != nil {
		go func() {
			if err := e.feed.Run(ctx); err != nil && ctx.Err() == nil {
				e.log.Error().Err(err).Msg("mid stream stopped")
			}
		}()
		defer e.feed.Close()
	}

	e.log.Info().
		Dur("interval", e.cfg.Cycle.Interval).
		Strs("symbols", e.cfg.Trading.Symbols).
		Bool("dry_run", e.cfg.DryRun).
		Msg("engine started")

	ticker := time.NewTicker(e.cfg.Cycle.Interval)
	defer ticker.Stop()

	if err := e.Cycle(ctx, time.Now().UTC()); err != nil {
		e.log.Error().Err(err).Msg("cycle failed")
	}
	for {
		select {
		case <-ctx.Done():
			e.log.Info().Msg("engine stopped")
			return nil
		case tick := <-ticker.C:
			if err := e.Cycle(ctx, tick.UTC()); err != nil {
				e.log.Error().Err(err).Msg("cycle failed")
			}
		}
	}
}

// Cycle runs one pass of the pipeline. Any failure before the batch is
// published falls through failSafe: a hold batch replaces the stale
// one, the failure counter ticks, and a retry-exhausted cause (venue or
// disk persistently down) additionally flags the kill-switch warning
// and notifies. The error comes back for the caller's exit code.
func (e *Engine) Cycle(ctx context.Context, now time.Time) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("cycle panic: %v", r)
			e.failSafe(ctx, now, err)
		}
	}()

	e.log.Info().Time("at", now).Msg("cycle start")

	var md *types.MarketData
	err = retry.Do(ctx, e.log, "collect market data", cycleRetry, func(ctx context.Context) error {
		var cerr error
		md, cerr = e.collector.Collect(ctx)
		return cerr
	})
	if err != nil {
		err = fmt.Errorf("collect: %w", err)
		e.failSafe(ctx, now, err)
		return err
	}

	health := e.collector.HealthCheck(ctx, true)
	if rerr := e.collector.ReportHealth(health); rerr != nil {
		e.log.Error().Err(rerr).Msg("health report write failed")
	}
	if health.AttemptedRecollect {
		// The recollect refreshed the snapshot on disk; trade on it.
		if fresh, serr := e.collector.Snapshot(); serr == nil {
			md = fresh
		}
	}
	if !health.Healthy {
		e.log.Warn().
			Int("score", health.Score).
			Str("mode", string(health.ExecutionMode)).
			Strs("errors", health.Errors).
			Msg("degraded data health")
	}

	var positions []types.Position
	err = retry.Do(ctx, e.log, "sync positions", cycleRetry, func(ctx context.Context) error {
		var serr error
		positions, serr = e.state.SyncPositions(ctx)
		return serr
	})
	if err != nil {
		err = fmt.Errorf("sync positions: %w", err)
		e.failSafe(ctx, now, err)
		return err
	}
	if _, derr := e.state.ReconcileDailyUnrealized(positions, reconcileTolerance); derr != nil {
		e.log.Error().Err(derr).Msg("daily pnl reconcile failed")
	}

	candidates, fed := e.scan(now, md, positions)

	batch := e.arbiter.Merge(now, candidates, positions, md)
	if perr := e.arbiter.Publish(&batch); perr != nil {
		err = fmt.Errorf("publish batch: %w", perr)
		e.failSafe(ctx, now, err)
		return err
	}

	results := e.executor.ExecuteSignals(ctx, &batch, md, health.ExecutionMode, health.Score)
	for _, res := range results {
		e.log.Info().
			Str("symbol", res.Symbol).
			Str("action", string(res.Action)).
			Str("status", string(res.Status)).
			Str("reason", res.Reason).
			Msg("execution result")
	}

	if !fed {
		counter, ferr := e.state.RecordFailure("insufficient candle data for every configured symbol")
		if ferr != nil {
			e.log.Error().Err(ferr).Msg("failure counter write failed")
		}
		e.log.Warn().Int("consecutive", counter.ConsecutiveFailures).Msg("all strategies starved of data")
	} else if serr := e.state.RecordSuccess(); serr != nil {
		e.log.Error().Err(serr).Msg("failure counter reset failed")
	}

	report := e.monitor.Run(ctx, now)
	e.log.Info().
		Str("action_type", string(batch.ActionType)).
		Int("signals", len(batch.Signals)).
		Int("executed", len(results)).
		Int("alerts", len(report.Alerts)).
		Msg("cycle complete")
	return nil
}

// scan runs the exit scan, then every spike scan with its threshold
// cache, then the wave riders with their pending reversions. The second
// result is false when every configured spike scan was starved of
// candles; such a cycle counts as an agent failure.
func (e *Engine) scan(now time.Time, md *types.MarketData, positions []types.Position) ([]types.Signal, bool) {
	held := make(map[string]bool, len(positions))
	for _, pos := range positions {
		held[pos.Symbol] = true
	}

	candidates := e.exits.Scan(now, md, positions)

	fed := false
	for _, scanner := range e.scanners {
		snap := md.Symbols[scanner.Symbol()]
		if snap == nil {
			e.log.Warn().Str("symbol", scanner.Symbol()).Msg("no snapshot for spike scan")
			continue
		}
		cache := e.state.ThresholdCache(scanner.CacheKey())
		sig, next := scanner.Scan(snap, cache)
		if next != nil {
			fed = true
			if err := e.state.SaveThresholdCache(scanner.CacheKey(), next); err != nil {
				e.log.Error().Err(err).Str("strategy", scanner.CacheKey()).Msg("threshold cache write failed")
			}
		}
		if sig != nil {
			candidates = append(candidates, *sig)
		}
	}

	for _, rider := range e.riders {
		snap := md.Symbols[rider.Symbol()]
		if snap == nil {
			continue
		}
		pending := e.state.ReversionPending(rider.Symbol())
		sig, consumed := rider.ScanEntry(now, snap, pending, held[rider.Symbol()])
		if consumed {
			if err := e.state.DeleteReversionPending(rider.Symbol()); err != nil {
				e.log.Error().Err(err).Str("symbol", rider.Symbol()).Msg("pending reversion delete failed")
			}
		}
		if sig != nil {
			candidates = append(candidates, *sig)
		}
	}

	return candidates, fed || len(e.scanners) == 0
}

// failSafe replaces the published batch with a hold batch and records
// the failure. Retry exhaustion means the infrastructure is down, not
// one bad tick: that tier also flags the kill-switch warning (enabled
// stays untouched) and pages the operator. The supervisor still runs so
// its watchdogs keep firing while cycles fail.
func (e *Engine) failSafe(ctx context.Context, now time.Time, cause error) {
	e.log.Error().Err(cause).Msg("cycle aborted, publishing safe hold")

	batch := e.arbiter.SafeHold(now, cause.Error())
	if err := e.arbiter.Publish(&batch); err != nil {
		e.log.Error().Err(err).Msg("safe hold publish failed")
	}

	counter, err := e.state.RecordFailure(cause.Error())
	if err != nil {
		e.log.Error().Err(err).Msg("failure counter write failed")
	}

	var exhausted *retry.ExhaustedError
	if errors.As(cause, &exhausted) {
		if werr := e.state.SetKillSwitchWarning("cycle failure: " + cause.Error()); werr != nil {
			e.log.Error().Err(werr).Msg("kill switch warning write failed")
		}
		e.notifier.Send(fmt.Sprintf("*Safe Hold* %s (failure #%d)", cause.Error(), counter.ConsecutiveFailures))
	}

	e.monitor.Run(ctx, now)
}
