// Package monitor runs the ingestion/matching/metrics cycle. One cycle
// runs to completion before the next begins: the scan ticker and the
// safety-net rescan both funnel through a mutex-guarded Cycle.
package monitor

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"gorm.io/gorm"

	"webull-pnl-monitor-go/internal/config"
	"webull-pnl-monitor-go/internal/detector"
	"webull-pnl-monitor-go/internal/ledger"
	"webull-pnl-monitor-go/internal/matcher"
	"webull-pnl-monitor-go/internal/metrics"
	"webull-pnl-monitor-go/internal/models"
	"webull-pnl-monitor-go/internal/parser"
)

// Result is the immutable outcome of the latest cycle, handed to the
// presentation layer on request.
type Result struct {
	Snapshot  metrics.Snapshot
	Warnings  []detector.Warning
	Closed    []matcher.ClosedTrade
	NewTrades []matcher.ClosedTrade
	Open      map[string]matcher.OpenPosition
	LastScan  time.Time
}

// Engine coordinates source, store, matcher, metrics, detector and
// persistence across cycles.
type Engine struct {
	logger   *zap.Logger
	cfg      *config.Config
	store    *ledger.Store
	source   Source
	db       *gorm.DB // optional persistence collaborator
	notifier *Notifier
	detect   *detector.Detector
	policy   matcher.Policy

	rescanLimiter *rate.Limiter

	cycleMu sync.Mutex // serializes cycles; scan and rescan share it

	stateMu    sync.RWMutex
	latest     Result
	seenTrades map[string]bool // closed trades already reported as new
}

// NewEngine creates the monitoring engine. An invalid pricing
// configuration falls back to strict FIFO, the last-known-good default,
// rather than failing the run.
func NewEngine(logger *zap.Logger, cfg *config.Config, store *ledger.Store, source Source, db *gorm.DB) *Engine {
	policy := matcher.NewFIFO()
	if cfg.Pricing.Policy == config.PolicyTimeWindowed {
		p, err := matcher.NewTimeWindowed(cfg.Pricing.BucketMinutes)
		if err != nil {
			logger.Warn("Invalid time-windowed pricing configuration, keeping FIFO", zap.Error(err))
		} else {
			policy = p
		}
	}

	limit := rate.Limit(cfg.Monitor.RescanRateLimit)
	if limit <= 0 {
		limit = rate.Every(10 * time.Minute)
	}

	return &Engine{
		logger:        logger,
		cfg:           cfg,
		store:         store,
		source:        source,
		db:            db,
		notifier:      NewNotifier(cfg.Monitor.WebhookURL, logger),
		detect:        detector.New(cfg.Detector.AnomalyMultiple),
		policy:        policy,
		rescanLimiter: rate.NewLimiter(limit, 1),
		seenTrades:    make(map[string]bool),
	}
}

// Policy returns the pricing policy in effect for this run.
func (e *Engine) Policy() matcher.Policy { return e.policy }

// Run starts the monitoring loop: a regular incremental scan plus a
// periodic full rescan that recovers from missed file changes. Returns
// when the context is cancelled.
func (e *Engine) Run(ctx context.Context) {
	if err := e.Replay(); err != nil {
		e.logger.Error("Ledger replay failed, starting from live logs only", zap.Error(err))
	}

	scanTicker := time.NewTicker(time.Duration(e.cfg.Monitor.ScanInterval) * time.Second)
	defer scanTicker.Stop()
	rescanTicker := time.NewTicker(time.Duration(e.cfg.Monitor.RescanInterval) * time.Second)
	defer rescanTicker.Stop()

	e.logger.Info("Starting monitor loop",
		zap.Int("scan_interval_s", e.cfg.Monitor.ScanInterval),
		zap.Int("rescan_interval_s", e.cfg.Monitor.RescanInterval),
		zap.Stringer("policy", e.policy))

	// Prime once so the presentation layer has data immediately.
	if err := e.Cycle(ctx, false); err != nil {
		e.logger.Error("Initial cycle failed", zap.Error(err))
	}

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("Stopping monitor loop")
			return
		case <-scanTicker.C:
			if err := e.Cycle(ctx, false); err != nil {
				e.logger.Error("Scan cycle failed", zap.Error(err))
			}
		case <-rescanTicker.C:
			if !e.rescanLimiter.Allow() {
				e.logger.Debug("Full rescan suppressed by rate limit")
				continue
			}
			if err := e.Cycle(ctx, true); err != nil {
				e.logger.Error("Rescan cycle failed", zap.Error(err))
			}
		}
	}
}

// Replay loads persisted executions into the store through the same
// dedup path as live ingestion.
func (e *Engine) Replay() error {
	if e.db == nil {
		return nil
	}
	var records []models.Execution
	if err := e.db.Order("timestamp asc, id asc").Find(&records).Error; err != nil {
		return fmt.Errorf("loading persisted executions: %w", err)
	}
	if len(records) == 0 {
		return nil
	}
	execs := make([]parser.Execution, len(records))
	for i, r := range records {
		execs[i] = r.ToExecution()
	}
	res := e.store.Append(execs)
	e.logger.Info("Replayed persisted ledger",
		zap.Int("restored", res.NewCount),
		zap.Int("duplicates", res.SkippedDuplicates))
	return nil
}

// Cycle runs one full ingestion/matching/metrics pass. Errors local to
// one line or one file never abort the cycle; it degrades to partial
// results plus diagnostics.
func (e *Engine) Cycle(ctx context.Context, fullRescan bool) error {
	payload, err := e.runCycle(fullRescan)
	if err != nil {
		return err
	}

	// Webhook delivery stays outside the cycle lock: its retries and
	// timeouts must not stall the next scheduled scan.
	if err := e.notifier.Notify(ctx, payload); err != nil {
		e.logger.Warn("Presentation webhook not delivered", zap.Error(err))
	}
	return nil
}

func (e *Engine) runCycle(fullRescan bool) (CyclePayload, error) {
	e.cycleMu.Lock()
	defer e.cycleMu.Unlock()

	scanTime := time.Now()
	files, err := e.source.Files()
	if err != nil {
		// File-level I/O trouble is retried on the next scheduled scan.
		return CyclePayload{}, fmt.Errorf("log source unavailable: %w", err)
	}

	var ingested ledger.IngestResult
	for _, path := range files {
		res, err := e.ingestFile(path, fullRescan)
		if err != nil {
			e.logger.Warn("Skipping unreadable log file for this cycle",
				zap.String("file", path), zap.Error(err))
			continue
		}
		ingested.NewCount += res.NewCount
		ingested.SkippedDuplicates += res.SkippedDuplicates
		ingested.Errors = append(ingested.Errors, res.Errors...)
	}
	for _, perr := range ingested.Errors {
		e.logger.Warn("Unparseable execution line skipped", zap.Error(perr))
	}

	// Copy-on-read: matching and metrics work on ledger copies, so the
	// next ingestion cannot race with a reader of the last Result.
	ledgers := make(map[string][]parser.Execution)
	for _, sym := range e.store.Instruments() {
		ledgers[sym] = e.store.Executions(sym)
	}

	matched := matcher.Match(ledgers, e.policy)
	snapshot := metrics.Compute(matched.Closed)
	warnings := e.detect.Inspect(ledgers, matched)

	newTrades := e.markNewTrades(matched.Closed)

	if err := e.persist(ledgers, matched.Closed); err != nil {
		e.logger.Error("Persisting cycle results failed", zap.Error(err))
	}

	e.stateMu.Lock()
	e.latest = Result{
		Snapshot:  snapshot,
		Warnings:  warnings,
		Closed:    matched.Closed,
		NewTrades: newTrades,
		Open:      matched.Open,
		LastScan:  scanTime,
	}
	e.stateMu.Unlock()

	if ingested.NewCount > 0 || len(newTrades) > 0 {
		e.logger.Info("Cycle complete",
			zap.Int("new_executions", ingested.NewCount),
			zap.Int("duplicates", ingested.SkippedDuplicates),
			zap.Int("closed_trades", len(matched.Closed)),
			zap.Int("new_trades", len(newTrades)),
			zap.String("total_pnl", snapshot.TotalPnL.String()),
			zap.Int("warnings", len(warnings)))
	}

	return CyclePayload{
		Snapshot:  snapshot,
		Warnings:  warnings,
		NewTrades: newTrades,
		ScanTime:  scanTime,
	}, nil
}

// Result returns a copy of the latest cycle outcome.
func (e *Engine) Result() Result {
	e.stateMu.RLock()
	defer e.stateMu.RUnlock()
	res := e.latest
	res.Warnings = append([]detector.Warning(nil), e.latest.Warnings...)
	res.Closed = append([]matcher.ClosedTrade(nil), e.latest.Closed...)
	res.NewTrades = append([]matcher.ClosedTrade(nil), e.latest.NewTrades...)
	open := make(map[string]matcher.OpenPosition, len(e.latest.Open))
	for k, v := range e.latest.Open {
		open[k] = v
	}
	res.Open = open
	return res
}

// ingestFile reads the lines appended since the last consumed offset.
// A file smaller than its recorded offset was rewritten, not appended:
// the offset is discarded and the whole file re-parsed, relying on
// source-ref dedup for idempotence.
func (e *Engine) ingestFile(path string, fullRescan bool) (ledger.IngestResult, error) {
	info, err := os.Stat(path)
	if err != nil {
		return ledger.IngestResult{}, err
	}

	offset := e.store.Offset(path)
	if fullRescan || info.Size() < offset {
		if info.Size() < offset {
			e.logger.Warn("Log file shrank, falling back to full re-parse",
				zap.String("file", path),
				zap.Int64("had_offset", offset),
				zap.Int64("size", info.Size()))
		}
		e.store.ResetFile(path)
		offset = 0
	}
	if info.Size() == offset {
		return ledger.IngestResult{}, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return ledger.IngestResult{}, err
	}
	defer f.Close()

	if offset > 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			return ledger.IngestResult{}, err
		}
	}

	lines, consumed, err := readCompleteLines(f)
	if err != nil {
		return ledger.IngestResult{}, err
	}
	res := e.store.Ingest(lines, path)
	e.store.SetOffset(path, offset+consumed)
	return res, nil
}

// readCompleteLines collects newline-terminated lines and reports how
// many bytes they cover. A trailing partial line is left unconsumed so
// a write in progress is picked up whole on the next scan.
func readCompleteLines(r io.Reader) ([]string, int64, error) {
	br := bufio.NewReaderSize(r, 256*1024)
	var lines []string
	var consumed int64
	for {
		line, err := br.ReadString('\n')
		if err == nil {
			consumed += int64(len(line))
			lines = append(lines, strings.TrimRight(line, "\r\n"))
			continue
		}
		if err == io.EOF {
			return lines, consumed, nil
		}
		return lines, consumed, err
	}
}

// markNewTrades returns the closed trades not reported by an earlier
// cycle. Matching rebuilds the full trade list each run, so newness is
// tracked by identity, not position.
func (e *Engine) markNewTrades(closed []matcher.ClosedTrade) []matcher.ClosedTrade {
	e.stateMu.Lock()
	defer e.stateMu.Unlock()
	var fresh []matcher.ClosedTrade
	for _, t := range closed {
		key := tradeKey(t)
		if !e.seenTrades[key] {
			e.seenTrades[key] = true
			fresh = append(fresh, t)
		}
	}
	return fresh
}

func tradeKey(t matcher.ClosedTrade) string {
	return fmt.Sprintf("%s|%s|%d|%s|%s|%d|%d",
		t.Instrument, t.OpenSide, t.Quantity,
		t.EntryPrice.String(), t.ExitPrice.String(),
		t.EntryTime.Unix(), t.ExitTime.Unix())
}

// persist writes the ledger and the rebuilt closed-trade cache. The
// ledger rows are insert-only keyed by source ref; the closed trades
// are a cache and are replaced wholesale.
func (e *Engine) persist(ledgers map[string][]parser.Execution, closed []matcher.ClosedTrade) error {
	if e.db == nil {
		return nil
	}
	return e.db.Transaction(func(tx *gorm.DB) error {
		for _, execs := range ledgers {
			for _, exec := range execs {
				record := models.FromExecution(exec)
				if err := tx.Where(models.Execution{SourceRef: exec.SourceRef}).
					FirstOrCreate(&record).Error; err != nil {
					return fmt.Errorf("persisting execution %s: %w", exec.SourceRef, err)
				}
			}
		}
		if err := tx.Session(&gorm.Session{AllowGlobalUpdate: true}).
			Unscoped().Delete(&models.ClosedTrade{}).Error; err != nil {
			return fmt.Errorf("clearing closed trade cache: %w", err)
		}
		for _, t := range closed {
			record := models.FromClosedTrade(t)
			if err := tx.Create(&record).Error; err != nil {
				return fmt.Errorf("persisting closed trade: %w", err)
			}
		}
		return nil
	})
}
