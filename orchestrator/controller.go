// Package orchestrator drives scans from connectivity check to completion.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/yairfalse/warden/analyzer"
	"github.com/yairfalse/warden/providers"
	"github.com/yairfalse/warden/reconciler"
	"github.com/yairfalse/warden/storage"
	"github.com/yairfalse/warden/telemetry"
	"github.com/yairfalse/warden/types"
	"github.com/yairfalse/warden/wal"
)

// Controller owns the scan state machine. One Perform call is the single
// writer for its scan; batches are processed strictly in order.
type Controller struct {
	store       Store
	initializer providers.Initializer
	runner      providers.CheckRunner
	reconciler  *reconciler.ResourceReconciler
	journal     *wal.WAL
	metrics     *telemetry.ScanMetrics
	logger      *telemetry.Logger
	now         func() time.Time
}

// NewController creates a controller
func NewController(store Store, initializer providers.Initializer, runner providers.CheckRunner) *Controller {
	return &Controller{
		store:       store,
		initializer: initializer,
		runner:      runner,
		reconciler:  reconciler.NewResourceReconciler(),
		logger:      telemetry.Nop(),
		now:         time.Now,
	}
}

// WithJournal records lifecycle entries to w
func (c *Controller) WithJournal(w *wal.WAL) *Controller {
	c.journal = w
	return c
}

// WithMetrics sets the scan instruments
func (c *Controller) WithMetrics(m *telemetry.ScanMetrics) *Controller {
	c.metrics = m
	return c
}

// WithLogger sets the logger
func (c *Controller) WithLogger(l *telemetry.Logger) *Controller {
	if l != nil {
		c.logger = l
	}
	return c
}

// Perform runs the scan to a terminal state.
//
// A provider that cannot be initialized is marked disconnected, the scan
// goes straight to FAILED and a *types.ConnectionError is returned. A batch
// that fails to persist is rolled back, the scan is marked FAILED and the
// error is returned. Otherwise the scan ends COMPLETED.
func (c *Controller) Perform(ctx context.Context, req ScanRequest) (*ScanSummary, error) {
	ctx, span := telemetry.Tracer.Start(ctx, "scan.perform", trace.WithAttributes(
		attribute.String("tenant.id", req.TenantID),
		attribute.String("scan.id", req.ScanID),
	))
	defer span.End()

	summary, err := c.perform(ctx, span, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return summary, err
}

func (c *Controller) perform(ctx context.Context, span trace.Span, req ScanRequest) (*ScanSummary, error) {
	scan, err := c.store.GetScan(ctx, req.TenantID, req.ScanID)
	if err != nil {
		return nil, err
	}
	if scan.State != types.ScanCreated && scan.State != "" {
		return nil, fmt.Errorf("scan %s is %s, expected %s", scan.ID, scan.State, types.ScanCreated)
	}
	provider, err := c.store.GetProvider(ctx, req.TenantID, scan.ProviderID)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("provider.type", string(provider.Type)))

	if _, err := c.initializer.Initialize(ctx, provider); err != nil {
		return nil, c.failConnection(ctx, scan, provider, err)
	}
	if err := c.start(ctx, scan, provider); err != nil {
		return nil, err
	}

	checks := req.Checks
	if len(checks) == 0 {
		checks = scan.Checks
	}

	identities := make(map[types.ResourceIdentity]struct{})
	summary := &ScanSummary{ScanID: scan.ID}

	for batch, err := range c.runner.Run(ctx, providers.RunRequest{
		TenantID: req.TenantID,
		ScanID:   scan.ID,
		Provider: provider,
		Checks:   checks,
	}) {
		if err != nil {
			return nil, c.failScan(ctx, scan, provider, "runner", err)
		}

		start := c.now()
		committed, touched, tally, err := c.processBatch(ctx, scan, batch)
		if err != nil {
			return nil, c.failScan(ctx, scan, provider, "batch", err)
		}
		*scan = committed
		for id := range touched {
			identities[id] = struct{}{}
		}

		summary.Batches++
		summary.Findings += len(batch.Results)
		summary.Deltas.Merge(tally)
		c.batchCommitted(ctx, span, scan, len(batch.Results), c.now().Sub(start), tally)
	}

	scan.UniqueResourceCount = len(identities)
	if err := scan.Complete(c.now()); err != nil {
		return nil, err
	}
	if err := c.store.SaveScan(ctx, scan); err != nil {
		return nil, fmt.Errorf("failed to save completed scan %s: %w", scan.ID, err)
	}

	c.appendJournal(wal.EntryScanCompleted, scan, map[string]any{
		"findings":              summary.Findings,
		"unique_resource_count": scan.UniqueResourceCount,
	})
	if c.metrics != nil {
		c.metrics.RecordScanFinished(ctx, provider.Type, scan.State, scan.Duration)
	}
	c.logger.LogScanCompleted(ctx, scan.ID, summary.Findings, scan.UniqueResourceCount, scan.Duration.Seconds())

	summary.State = scan.State
	summary.Progress = scan.Progress
	summary.UniqueResourceCount = scan.UniqueResourceCount
	summary.Duration = scan.Duration
	return summary, nil
}

// start marks the provider connected and moves the scan to EXECUTING.
func (c *Controller) start(ctx context.Context, scan *types.Scan, provider *types.Provider) error {
	now := c.now()
	provider.MarkConnection(true, now)
	if err := c.store.SaveProvider(ctx, provider); err != nil {
		return fmt.Errorf("failed to save provider %s: %w", provider.ID, err)
	}

	if err := scan.Transition(types.ScanExecuting); err != nil {
		return err
	}
	scan.StartedAt = now
	if err := c.store.SaveScan(ctx, scan); err != nil {
		return fmt.Errorf("failed to save scan %s: %w", scan.ID, err)
	}

	c.appendJournal(wal.EntryScanStarted, scan, map[string]string{"provider_id": provider.ID})
	c.logger.LogScanStarted(ctx, scan.TenantID, scan.ID, provider.ID)
	return nil
}

// processBatch persists one batch in a single tenant transaction and
// returns the scan as committed. Nothing from a failed batch is visible.
func (c *Controller) processBatch(ctx context.Context, scan *types.Scan, batch types.Batch) (types.Scan, map[types.ResourceIdentity]struct{}, analyzer.DeltaTally, error) {
	next := *scan
	touched := make(map[types.ResourceIdentity]struct{})
	detector := analyzer.NewChangeDetector()

	err := c.store.InTenantTx(ctx, scan.TenantID, func(tx storage.Tx) error {
		for _, result := range batch.Results {
			res, identity, err := c.reconciler.Reconcile(ctx, tx, scan.ProviderID, result)
			if err != nil {
				return err
			}
			touched[identity] = struct{}{}

			previous, err := tx.PreviousFinding(ctx, scan.ProviderID, result.UID, scan.Sequence)
			if err != nil {
				return fmt.Errorf("failed to look up history of %s: %w", result.UID, err)
			}
			change := detector.Detect(previous, result.Status, c.now())

			if err := tx.CreateFinding(ctx, newFinding(scan, result, change, res.ID)); err != nil {
				return fmt.Errorf("failed to create finding %s: %w", result.UID, err)
			}
		}

		next.AdvanceProgress(batch.Progress)
		return tx.SaveScan(ctx, &next)
	})
	if err != nil {
		return types.Scan{}, nil, analyzer.DeltaTally{}, err
	}
	return next, touched, detector.Tally(), nil
}

func newFinding(scan *types.Scan, result types.FindingResult, change analyzer.Change, resourceID string) *types.Finding {
	return &types.Finding{
		TenantID:       scan.TenantID,
		ScanID:         scan.ID,
		ProviderID:     scan.ProviderID,
		ScanSequence:   scan.Sequence,
		UID:            result.UID,
		Delta:          change.Delta,
		Status:         result.Status,
		StatusExtended: result.StatusExtended,
		Severity:       result.Severity,
		CheckID:        result.CheckID,
		CheckMetadata:  result.CheckMetadata,
		RawResult:      result.Raw,
		Region:         result.Region,
		Muted:          result.Muted,
		MutedReason:    result.EffectiveMutedReason(),
		Compliance:     result.Compliance,
		ResourceIDs:    []string{resourceID},
		FirstSeenAt:    change.FirstSeenAt,
	}
}

func (c *Controller) batchCommitted(ctx context.Context, span trace.Span, scan *types.Scan, findings int, took time.Duration, tally analyzer.DeltaTally) {
	telemetry.RecordBatchCommittedEvent(span, scan.Progress, findings)
	if c.metrics != nil {
		c.metrics.RecordBatch(ctx, took, map[types.Delta]int{
			types.DeltaNew:     tally.New,
			types.DeltaChanged: tally.Changed,
			types.DeltaNone:    tally.Unchanged,
		})
	}
	c.appendJournal(wal.EntryBatchCommitted, scan, map[string]int{
		"progress": scan.Progress,
		"findings": findings,
	})
	c.logger.LogBatchCommitted(ctx, scan.ID, scan.Progress, findings)
}

// failConnection records an unreachable provider and fails the scan.
func (c *Controller) failConnection(ctx context.Context, scan *types.Scan, provider *types.Provider, cause error) error {
	connErr := &types.ConnectionError{ProviderID: provider.ID, Err: cause}
	ctx = context.WithoutCancel(ctx)

	provider.MarkConnection(false, c.now())
	if err := c.store.SaveProvider(ctx, provider); err != nil {
		return fmt.Errorf("%w (and failed to save provider: %v)", connErr, err)
	}
	if err := c.markFailed(ctx, scan, provider, "connect", connErr); err != nil {
		return err
	}
	return connErr
}

// failScan moves the scan to FAILED and returns cause wrapped with the
// stage it failed in.
func (c *Controller) failScan(ctx context.Context, scan *types.Scan, provider *types.Provider, stage string, cause error) error {
	if err := c.markFailed(ctx, scan, provider, stage, cause); err != nil {
		return err
	}
	return fmt.Errorf("scan %s failed during %s: %w", scan.ID, stage, cause)
}

// markFailed persists the FAILED state, also when ctx is already cancelled.
// The returned error is non-nil only when the state could not be recorded;
// it still wraps cause.
func (c *Controller) markFailed(ctx context.Context, scan *types.Scan, provider *types.Provider, stage string, cause error) error {
	ctx = context.WithoutCancel(ctx)
	c.logger.LogScanFailed(ctx, scan.ID, stage, cause)

	if err := scan.Fail(c.now()); err != nil {
		return fmt.Errorf("%w (and %v)", cause, err)
	}
	if err := c.store.SaveScan(ctx, scan); err != nil {
		return fmt.Errorf("%w (and failed to save scan state: %v)", cause, err)
	}

	c.appendJournalError(wal.EntryScanFailed, scan, map[string]string{"stage": stage}, cause)
	if c.metrics != nil {
		c.metrics.RecordScanFinished(ctx, provider.Type, scan.State, scan.Duration)
	}
	return nil
}

func (c *Controller) appendJournal(kind wal.EntryType, scan *types.Scan, data any) {
	c.appendJournalError(kind, scan, data, nil)
}

func (c *Controller) appendJournalError(kind wal.EntryType, scan *types.Scan, data any, cause error) {
	if c.journal == nil {
		return
	}
	var err error
	if cause != nil {
		err = c.journal.AppendError(kind, scan.TenantID, scan.ID, data, cause)
	} else {
		err = c.journal.Append(kind, scan.TenantID, scan.ID, data)
	}
	if err != nil {
		c.logger.Warn().Err(err).Str("scan_id", scan.ID).Str("entry", string(kind)).Msg("failed to write journal entry")
	}
}
