package commit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/coldtrace-labs/coldtrace/core/pkg/chain"
	"github.com/coldtrace-labs/coldtrace/core/pkg/contracts"
)

var (
	// ErrCommitFailed signals retries were exhausted. The intent remains in
	// the outbox as FAILED and can be requeued.
	ErrCommitFailed = errors.New("commit: commit failed")
	// ErrGasExceeded signals the gas estimate alone exceeds the configured
	// ceiling; the intent is rejected without submission.
	ErrGasExceeded = errors.New("commit: gas estimate exceeds ceiling")
	// ErrClosed signals the orchestrator is draining and accepts no new
	// intents.
	ErrClosed = errors.New("commit: orchestrator closed")
	// ErrInFlight signals the caller stopped waiting; the commit continues
	// in the background and its outcome lands in the outbox.
	ErrInFlight = errors.New("commit: intent still in flight")
)

// Metrics receives commit-path measurements. Satisfied by the
// observability provider; nil disables instrumentation.
type Metrics interface {
	CommitConfirmed(ctx context.Context, kind string, wait time.Duration)
	CommitRetried(ctx context.Context, kind string)
}

// Config bounds the orchestrator's submission behavior.
type Config struct {
	// Account is the signing identity all payloads are sequenced under.
	Account string
	// GasBuffer scales the gas estimate to set the per-tx limit.
	GasBuffer float64
	// GasCeiling is the hard per-tx gas limit; the buffered estimate is
	// capped here, and an estimate already above it rejects the intent.
	GasCeiling uint64
	// MaxAttempts bounds submission retries per intent.
	MaxAttempts int
	// ConfirmTimeout bounds the wait for ledger confirmation.
	ConfirmTimeout time.Duration
	// QueueDepth is the submission channel capacity.
	QueueDepth int
	// Metrics receives commit measurements; nil disables them.
	Metrics Metrics
}

func (c *Config) defaults() {
	if c.Account == "" {
		c.Account = "system"
	}
	if c.GasBuffer <= 1 {
		c.GasBuffer = 1.2
	}
	if c.GasCeiling == 0 {
		c.GasCeiling = 500_000
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.ConfirmTimeout <= 0 {
		c.ConfirmTimeout = 120 * time.Second
	}
	if c.QueueDepth <= 0 {
		c.QueueDepth = 256
	}
}

type future struct {
	done    chan struct{}
	receipt *contracts.CommitReceipt
	err     error
}

type request struct {
	intent contracts.CommitIntent
	fut    *future
}

// Orchestrator is the single writer to the external ledger. One dispatcher
// goroutine owns the account sequence, so no two submissions can race on it.
// Callers block on Submit until the ledger confirms, their context expires,
// or retries are exhausted; once accepted by the dispatcher a commit is
// fire-and-forget and survives the caller going away.
type Orchestrator struct {
	client chain.Client
	outbox Outbox
	cfg    Config
	log    *slog.Logger

	requests chan *request

	mu       sync.Mutex
	inflight map[string]*future

	// closeMu orders submitters against Close: a send on requests happens
	// under the read lock, and Close takes the write lock before closing the
	// channel, so no submitter can be mid-send when it closes.
	closeMu sync.RWMutex
	closed  bool

	baseCtx context.Context
	cancel  context.CancelFunc
	doneCh  chan struct{}
}

// NewOrchestrator starts the dispatcher goroutine. Call Close to drain.
func NewOrchestrator(client chain.Client, outbox Outbox, cfg Config, log *slog.Logger) *Orchestrator {
	cfg.defaults()
	if log == nil {
		log = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		client:   client,
		outbox:   outbox,
		cfg:      cfg,
		log:      log.With("component", "commit"),
		requests: make(chan *request, cfg.QueueDepth),
		inflight: make(map[string]*future),
		baseCtx:  ctx,
		cancel:   cancel,
		doneCh:   make(chan struct{}),
	}
	go o.dispatch()
	return o
}

// Submit commits an intent to the ledger. Resubmitting an intent whose key
// is already CONFIRMED returns the stored receipt without a second write.
// Concurrent submissions of the same key coalesce onto one in-flight commit.
func (o *Orchestrator) Submit(ctx context.Context, intent contracts.CommitIntent) (*contracts.CommitReceipt, error) {
	if intent.Key == "" {
		key, err := DeriveKey(intent)
		if err != nil {
			return nil, err
		}
		intent.Key = key
	}

	if rec, err := o.outbox.Get(ctx, intent.Key); err == nil && rec.Status == contracts.ReceiptConfirmed {
		return rec.Receipt, nil
	}

	o.closeMu.RLock()
	if o.closed {
		o.closeMu.RUnlock()
		return nil, ErrClosed
	}

	o.mu.Lock()
	fut, dup := o.inflight[intent.Key]
	if !dup {
		fut = &future{done: make(chan struct{})}
		o.inflight[intent.Key] = fut
	}
	o.mu.Unlock()

	if !dup {
		select {
		case o.requests <- &request{intent: intent, fut: fut}:
		case <-ctx.Done():
			o.closeMu.RUnlock()
			o.forget(intent.Key)
			return nil, ctx.Err()
		}
	}
	o.closeMu.RUnlock()

	select {
	case <-fut.done:
		return fut.receipt, fut.err
	case <-ctx.Done():
		// the commit keeps going; outcome lands in the outbox
		return nil, fmt.Errorf("%w: key %s", ErrInFlight, intent.Key)
	}
}

// RecoverPending resubmits every PENDING intent left in the outbox, in
// arrival order. Intended for startup after a crash.
func (o *Orchestrator) RecoverPending(ctx context.Context) (int, error) {
	pending, err := o.outbox.ListPending(ctx)
	if err != nil {
		return 0, err
	}
	for _, rec := range pending {
		if _, err := o.Submit(ctx, rec.Intent); err != nil && !errors.Is(err, ErrCommitFailed) {
			return 0, err
		}
	}
	return len(pending), nil
}

// Close stops accepting intents, drains the queue, and waits for the
// dispatcher to finish the commit it is on.
func (o *Orchestrator) Close() {
	o.closeMu.Lock()
	if o.closed {
		o.closeMu.Unlock()
		return
	}
	o.closed = true
	o.closeMu.Unlock()

	close(o.requests)
	<-o.doneCh
	o.cancel()
}

func (o *Orchestrator) forget(key string) {
	o.mu.Lock()
	delete(o.inflight, key)
	o.mu.Unlock()
}

func (o *Orchestrator) dispatch() {
	defer close(o.doneCh)

	var sequence uint64
	seqKnown := false

	for req := range o.requests {
		receipt, err := o.process(req.intent, &sequence, &seqKnown)
		req.fut.receipt = receipt
		req.fut.err = err
		o.forget(req.intent.Key)
		close(req.fut.done)
	}
}

// process runs one commit end to end. sequence/seqKnown are owned by the
// dispatcher goroutine only.
func (o *Orchestrator) process(intent contracts.CommitIntent, sequence *uint64, seqKnown *bool) (*contracts.CommitReceipt, error) {
	ctx := o.baseCtx
	log := o.log.With("key", intent.Key, "kind", intent.Kind, "shipment_id", intent.ShipmentID)

	if err := o.outbox.Save(ctx, intent); err != nil {
		return nil, err
	}
	// a crash or a timed-out confirmation may have left a receipt we already
	// hold, or a dispatched transaction that is still settling
	if rec, err := o.outbox.Get(ctx, intent.Key); err == nil {
		if rec.Status == contracts.ReceiptConfirmed {
			return rec.Receipt, nil
		}
		if rec.TxRef != "" {
			log.Info("settling prior transaction", "tx_ref", rec.TxRef)
			receipt, err := o.settle(ctx, intent, chain.TxRef(rec.TxRef), rec.Attempts, seqKnown)
			switch {
			case err == nil:
				return receipt, nil
			case errors.Is(err, chain.ErrTxNotFound):
				// never reached the ledger; safe to submit fresh
			default:
				return o.fail(ctx, intent, rec.Attempts, err)
			}
		}
	}

	payload := chain.SignedPayload{
		Account:    o.cfg.Account,
		Kind:       string(intent.Kind),
		ShipmentID: intent.ShipmentID,
		Data:       intent.Payload,
	}

	estimate, err := o.client.EstimateGas(ctx, payload)
	if err != nil {
		return o.fail(ctx, intent, 0, err)
	}
	if estimate > o.cfg.GasCeiling {
		log.Warn("gas ceiling exceeded", "estimate", estimate, "ceiling", o.cfg.GasCeiling)
		_ = o.outbox.MarkFailed(ctx, intent.Key, 0, ErrGasExceeded.Error())
		return nil, fmt.Errorf("%w: estimate %d, ceiling %d", ErrGasExceeded, estimate, o.cfg.GasCeiling)
	}
	payload.GasLimit = min(uint64(float64(estimate)*o.cfg.GasBuffer), o.cfg.GasCeiling)

	attempts := 0
	submit := func() (chain.TxRef, error) {
		attempts++
		if attempts > 1 && o.cfg.Metrics != nil {
			o.cfg.Metrics.CommitRetried(ctx, string(intent.Kind))
		}
		if !*seqKnown {
			seq, err := o.client.CurrentSequence(ctx, o.cfg.Account)
			if err != nil {
				return "", err
			}
			*sequence = seq
			*seqKnown = true
		}
		payload.Sequence = *sequence
		ref, err := o.client.SubmitTransaction(ctx, payload)
		switch {
		case err == nil:
			return ref, nil
		case errors.Is(err, chain.ErrSequenceConflict):
			log.Warn("sequence conflict, resyncing", "sequence", *sequence)
			*seqKnown = false
			return "", err
		case errors.Is(err, chain.ErrUnavailable), errors.Is(err, chain.ErrBreakerOpen):
			return "", err
		default:
			return "", backoff.Permanent(err)
		}
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond
	ref, err := backoff.Retry(ctx, submit,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(uint(o.cfg.MaxAttempts)),
	)
	if err != nil {
		return o.fail(ctx, intent, attempts, err)
	}

	// Persist the ref before waiting: if confirmation times out the write is
	// still on its way, and a requeue must settle this transaction instead
	// of submitting a second one.
	if err := o.outbox.MarkSubmitted(ctx, intent.Key, string(ref)); err != nil {
		log.Error("record tx ref", "tx_ref", ref, "error", err)
	}

	receipt, err := o.settle(ctx, intent, ref, attempts, seqKnown)
	if err != nil {
		return o.fail(ctx, intent, attempts, err)
	}
	*sequence++
	return receipt, nil
}

// settle waits for a dispatched transaction and records the outcome. It never
// submits: used both after a fresh submission and when resuming an intent
// whose earlier confirmation wait was cut short.
func (o *Orchestrator) settle(ctx context.Context, intent contracts.CommitIntent, ref chain.TxRef, attempts int, seqKnown *bool) (*contracts.CommitReceipt, error) {
	waitStart := time.Now()
	confirmCtx, cancel := context.WithTimeout(ctx, o.cfg.ConfirmTimeout)
	txReceipt, err := o.client.WaitForConfirmation(confirmCtx, ref)
	cancel()
	if err != nil {
		if !errors.Is(err, chain.ErrTxNotFound) {
			// the tx may still land; the sequence is no longer trustworthy
			*seqKnown = false
		}
		return nil, err
	}
	if txReceipt.Status != chain.TxConfirmed {
		*seqKnown = false
		return nil, fmt.Errorf("transaction %s: status %s", ref, txReceipt.Status)
	}

	receipt := contracts.CommitReceipt{
		IntentKey:   intent.Key,
		TxRef:       string(ref),
		Sequence:    txReceipt.Sequence,
		Status:      contracts.ReceiptConfirmed,
		ConfirmedAt: txReceipt.ConfirmedAt,
	}
	if err := o.outbox.MarkConfirmed(ctx, intent.Key, receipt); err != nil {
		return nil, err
	}
	if o.cfg.Metrics != nil {
		o.cfg.Metrics.CommitConfirmed(ctx, string(intent.Kind), time.Since(waitStart))
	}
	o.log.Info("commit confirmed",
		"key", intent.Key, "tx_ref", receipt.TxRef, "sequence", receipt.Sequence, "attempts", attempts)
	return &receipt, nil
}

func (o *Orchestrator) fail(ctx context.Context, intent contracts.CommitIntent, attempts int, cause error) (*contracts.CommitReceipt, error) {
	o.log.Error("commit failed", "key", intent.Key, "attempts", attempts, "error", cause)
	if err := o.outbox.MarkFailed(ctx, intent.Key, attempts, cause.Error()); err != nil {
		o.log.Error("mark failed", "key", intent.Key, "error", err)
	}
	return nil, fmt.Errorf("%w: %v", ErrCommitFailed, cause)
}
