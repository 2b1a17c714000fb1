// Package coordinator implements the two-phase commit protocol that drives a
// cross-shard transaction to Committed on every participant shard or Aborted
// everywhere. One Coordinator instance runs per shard; instances never share
// memory and interact only through protocol messages.
package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	internaltelemetry "github.com/orbitledger/orbitledger/internal/telemetry"

	"github.com/orbitledger/orbitledger/core/ledger"
	"github.com/orbitledger/orbitledger/core/shard"
)

// DefaultHandlerTimeout bounds the handling of a single inbound message.
// Exceeding it fails only that message; the owning transaction is untouched.
const DefaultHandlerTimeout = 5 * time.Second

// Sender delivers a protocol message to its destination shard. Delivery is
// fire-and-forget at this layer; transport reliability is an external
// concern.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// Config tunes a coordinator instance.
type Config struct {
	// HandlerTimeout bounds single-message handling. Zero selects
	// DefaultHandlerTimeout.
	HandlerTimeout time.Duration `yaml:"handler_timeout"`
	// MaxAffectedShards caps the affinity set; zero selects the resolver
	// default.
	MaxAffectedShards int `yaml:"max_affected_shards"`
	// MessageRate limits inbound messages per sender shard. Zero disables
	// the limiter.
	MessageRate rate.Limit `yaml:"message_rate"`
	// MessageBurst is the limiter burst size; zero selects 1 when a rate is
	// set.
	MessageBurst int `yaml:"message_burst"`
}

func (c Config) withDefaults() Config {
	if c.HandlerTimeout <= 0 {
		c.HandlerTimeout = DefaultHandlerTimeout
	}
	if c.MessageBurst <= 0 {
		c.MessageBurst = 1
	}
	return c
}

// Coordinator owns the cross-shard transaction table for one shard. All
// structural mutations of the table and its records happen under a single
// exclusive lock scoped to this instance.
type Coordinator struct {
	shardID  shard.ID
	registry shard.Registry
	resolver *shard.Resolver
	applier  ledger.Applier
	sender   Sender
	logger   *zap.Logger
	metrics  *internaltelemetry.CoordinatorMetrics
	cfg      Config

	mu           sync.Mutex
	transactions map[string]*CrossShardTransaction
	limiters     map[shard.ID]*rate.Limiter
}

// New creates the coordinator for a shard. parents may be nil (hash fallback
// only), metrics may be nil (no instrumentation).
func New(
	shardID shard.ID,
	registry shard.Registry,
	parents shard.ParentCache,
	applier ledger.Applier,
	sender Sender,
	cfg Config,
	logger *zap.Logger,
	metrics *internaltelemetry.CoordinatorMetrics,
) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()
	return &Coordinator{
		shardID:      shardID,
		registry:     registry,
		resolver:     shard.NewResolver(shardID, registry.ShardCount(), cfg.MaxAffectedShards, parents),
		applier:      applier,
		sender:       sender,
		logger:       logger.With(zap.Uint32("shard", shardID)),
		metrics:      metrics,
		cfg:          cfg,
		transactions: make(map[string]*CrossShardTransaction),
		limiters:     make(map[shard.ID]*rate.Limiter),
	}
}

// ShardID returns the shard this coordinator serves.
func (c *Coordinator) ShardID() shard.ID { return c.shardID }

// StartTransaction begins the 2PC flow for a transaction originating on this
// shard. Transactions whose affinity set has at most one member must be
// processed as local transactions and are rejected with ErrInvalidOperation.
//
// The local shard is prepared synchronously; PrepareRequests then go out to
// every other participant. A send failure is returned as ErrInternal but the
// already-created record and the local prepare stand.
func (c *Coordinator) StartTransaction(ctx context.Context, tx *ledger.Transaction) (string, error) {
	affected := c.resolver.Resolve(tx)
	if len(affected) <= 1 {
		return "", fmt.Errorf("%w: transaction %s affects only the local shard and should be processed locally",
			ErrInvalidOperation, tx.ID)
	}

	cstx, err := NewCrossShardTransaction(tx, c.shardID, affected)
	if err != nil {
		return "", err
	}

	data, err := json.Marshal(tx)
	if err != nil {
		return "", fmt.Errorf("%w: encoding transaction %s: %v", ErrValidation, tx.ID, err)
	}

	// Local prepare happens synchronously before any participant is
	// contacted.
	if err := c.applier.Apply(ctx, tx); err != nil {
		return "", fmt.Errorf("%w: local prepare of %s: %v", ErrInternal, tx.ID, err)
	}

	c.mu.Lock()
	c.transactions[cstx.ID] = cstx
	_ = cstx.SetPrepared(c.shardID, true)
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.TransactionStarted(ctx)
	}

	var sendErr error
	for _, p := range affected {
		if p == c.shardID {
			continue
		}
		msg := NewMessage(cstx.ID, c.shardID, p, MessagePrepareRequest).WithTransactionData(data)
		if err := c.sender.Send(ctx, msg); err != nil {
			c.logger.Error("prepare request send failed",
				zap.String("transaction_id", cstx.ID),
				zap.Uint32("to_shard", p),
				zap.Error(err))
			sendErr = fmt.Errorf("%w: sending prepare request to shard %d: %v", ErrInternal, p, err)
		}
	}

	c.logger.Info("cross-shard transaction started",
		zap.String("transaction_id", cstx.ID),
		zap.Uint32s("participants", affected))
	return cstx.ID, sendErr
}

// AbortTransaction begins the abort phase for a non-terminal transaction
// this shard coordinates. AbortRequests are fire-and-forget: the transaction
// is marked Aborted without waiting for participant responses.
func (c *Coordinator) AbortTransaction(ctx context.Context, txID string) error {
	c.mu.Lock()
	cstx, ok := c.transactions[txID]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrTransactionNotFound, txID)
	}
	outbound, err := c.startAbortLocked(ctx, cstx)
	c.mu.Unlock()
	if err != nil {
		return err
	}
	c.sendAll(ctx, outbound)
	return nil
}

// ProcessMessage validates and dispatches one inbound protocol message. The
// handler runs under a bounded wait; a breach returns ErrTimeout for this
// message only and does not abort the owning transaction.
func (c *Coordinator) ProcessMessage(ctx context.Context, msg Message) error {
	start := time.Now()
	if err := c.validate(msg); err != nil {
		return err
	}
	if err := c.allowSender(msg.FromShard); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.HandlerTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- c.dispatch(ctx, msg) }()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		c.logger.Warn("message handling exceeded deadline",
			zap.String("message_id", msg.ID),
			zap.String("type", string(msg.Type)))
		err = fmt.Errorf("%w: handling %s message %s", ErrTimeout, msg.Type, msg.ID)
	}

	if c.metrics != nil {
		c.metrics.MessageProcessed(ctx, string(msg.Type), err == nil, time.Since(start))
	}
	return err
}

// Run drains the inbox until it closes or the context is cancelled. Handler
// errors are logged, never fatal: a bad message must not stop the loop.
func (c *Coordinator) Run(ctx context.Context, inbox <-chan Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-inbox:
			if !ok {
				return
			}
			if err := c.ProcessMessage(ctx, msg); err != nil {
				c.logger.Warn("cross-shard message rejected",
					zap.String("message_id", msg.ID),
					zap.String("type", string(msg.Type)),
					zap.String("transaction_id", msg.TransactionID),
					zap.Error(err))
			}
		}
	}
}

// GetTransaction returns an independent copy of a tracked transaction.
func (c *Coordinator) GetTransaction(txID string) (*CrossShardTransaction, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cstx, ok := c.transactions[txID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTransactionNotFound, txID)
	}
	return cstx.Snapshot(), nil
}

// GetTransactionStatus returns a tracked transaction's current status.
func (c *Coordinator) GetTransactionStatus(txID string) (Status, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cstx, ok := c.transactions[txID]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrTransactionNotFound, txID)
	}
	return cstx.Status, nil
}

// PendingCount returns the number of non-terminal transactions. Stuck
// records (participants that never answered an abort) show up here.
func (c *Coordinator) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, cstx := range c.transactions {
		if !cstx.Status.Terminal() {
			n++
		}
	}
	return n
}

// validate enforces the message invariants before any dispatch: non-empty
// transaction id, shard ids within range, receiver equals this shard, and a
// payload on PrepareRequest.
func (c *Coordinator) validate(msg Message) error {
	if msg.TransactionID == "" {
		return fmt.Errorf("%w: empty transaction id", ErrValidation)
	}
	count := c.registry.ShardCount()
	if msg.FromShard >= count {
		return fmt.Errorf("%w: from_shard %d out of range (max %d)", ErrInvalidShardID, msg.FromShard, count-1)
	}
	if msg.ToShard >= count {
		return fmt.Errorf("%w: to_shard %d out of range (max %d)", ErrInvalidShardID, msg.ToShard, count-1)
	}
	if msg.ToShard != c.shardID {
		return fmt.Errorf("%w: message for shard %d delivered to shard %d", ErrValidation, msg.ToShard, c.shardID)
	}
	switch msg.Type {
	case MessagePrepareRequest:
		if len(msg.TransactionData) == 0 {
			return fmt.Errorf("%w: prepare request %s carries no transaction data", ErrValidation, msg.ID)
		}
	case MessagePrepareResponse, MessageCommitRequest, MessageCommitResponse,
		MessageAbortRequest, MessageAbortResponse:
	default:
		return fmt.Errorf("%w: unknown message type %q", ErrValidation, msg.Type)
	}
	return nil
}

// allowSender applies the per-sender inbound rate limit.
func (c *Coordinator) allowSender(from shard.ID) error {
	if c.cfg.MessageRate <= 0 {
		return nil
	}
	c.mu.Lock()
	lim, ok := c.limiters[from]
	if !ok {
		lim = rate.NewLimiter(c.cfg.MessageRate, c.cfg.MessageBurst)
		c.limiters[from] = lim
	}
	c.mu.Unlock()
	if !lim.Allow() {
		return fmt.Errorf("%w: shard %d exceeded the inbound message rate", ErrRateLimited, from)
	}
	return nil
}

func (c *Coordinator) dispatch(ctx context.Context, msg Message) error {
	switch msg.Type {
	case MessagePrepareRequest:
		return c.handlePrepareRequest(ctx, msg)
	case MessagePrepareResponse:
		return c.handlePrepareResponse(ctx, msg)
	case MessageCommitRequest:
		return c.handleCommitRequest(ctx, msg)
	case MessageCommitResponse:
		return c.handleCommitResponse(ctx, msg)
	case MessageAbortRequest:
		return c.handleAbortRequest(ctx, msg)
	case MessageAbortResponse:
		// Fire-and-forget cleanup: nothing to do beyond acknowledging it
		// arrived.
		c.logger.Debug("abort response received",
			zap.String("transaction_id", msg.TransactionID),
			zap.Uint32("from_shard", msg.FromShard),
			zap.Bool("success", msg.Success))
		return nil
	default:
		return fmt.Errorf("%w: unknown message type %q", ErrValidation, msg.Type)
	}
}

// handlePrepareRequest is the participant-side entry into a transaction. The
// transaction is deserialized and its shard set re-resolved locally as a
// defensive check rather than trusted from the sender.
func (c *Coordinator) handlePrepareRequest(ctx context.Context, msg Message) error {
	var tx ledger.Transaction
	if err := json.Unmarshal(msg.TransactionData, &tx); err != nil {
		return fmt.Errorf("%w: decoding prepare request payload: %v", ErrValidation, err)
	}

	affected := c.resolver.Resolve(&tx)
	participants := affected
	if !containsShard(participants, msg.FromShard) {
		participants = append(append([]shard.ID(nil), participants...), msg.FromShard)
	}

	c.mu.Lock()
	if _, exists := c.transactions[msg.TransactionID]; exists {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateTransaction, msg.TransactionID)
	}
	cstx, err := NewCrossShardTransaction(&tx, msg.FromShard, participants)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	cstx.ID = msg.TransactionID
	c.transactions[msg.TransactionID] = cstx
	c.mu.Unlock()

	// Local prepare. A refusal is voted back to the coordinator instead of
	// failing silently.
	if err := c.applier.Apply(ctx, &tx); err != nil {
		c.logger.Warn("local prepare refused",
			zap.String("transaction_id", msg.TransactionID),
			zap.Error(err))
		reply := NewMessage(msg.TransactionID, c.shardID, msg.FromShard, MessagePrepareResponse).WithSuccess(false)
		c.sendAll(ctx, []Message{reply})
		return fmt.Errorf("%w: local prepare of %s: %v", ErrInternal, msg.TransactionID, err)
	}

	c.mu.Lock()
	_ = cstx.SetPrepared(c.shardID, true)
	var outbound []Message
	if cstx.CoordinatorShard == c.shardID {
		outbound = c.maybeStartCommitLocked(ctx, cstx)
	} else {
		outbound = []Message{
			NewMessage(msg.TransactionID, c.shardID, cstx.CoordinatorShard, MessagePrepareResponse).WithSuccess(true),
		}
	}
	c.mu.Unlock()

	c.sendAll(ctx, outbound)
	c.logger.Debug("transaction prepared locally", zap.String("transaction_id", msg.TransactionID))
	return nil
}

// handlePrepareResponse records a participant's vote. A single failed vote
// starts the abort phase immediately; there is no retry.
func (c *Coordinator) handlePrepareResponse(ctx context.Context, msg Message) error {
	c.mu.Lock()
	cstx, ok := c.transactions[msg.TransactionID]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrTransactionNotFound, msg.TransactionID)
	}
	if cstx.Status.Terminal() {
		c.mu.Unlock()
		c.logger.Debug("ignoring late prepare vote for settled transaction",
			zap.String("transaction_id", msg.TransactionID),
			zap.Uint32("from_shard", msg.FromShard))
		return nil
	}

	if !msg.Success {
		outbound, err := c.startAbortLocked(ctx, cstx)
		c.mu.Unlock()
		if err != nil {
			return err
		}
		c.sendAll(ctx, outbound)
		return nil
	}

	if err := cstx.SetPrepared(msg.FromShard, true); err != nil {
		c.mu.Unlock()
		return err
	}
	outbound := c.maybeStartCommitLocked(ctx, cstx)
	c.mu.Unlock()

	c.sendAll(ctx, outbound)
	return nil
}

// handleCommitRequest commits locally. Participants acknowledge to the
// coordinator; the coordinator itself only ever reaches this point if a peer
// misroutes, in which case the all-committed check still applies.
func (c *Coordinator) handleCommitRequest(ctx context.Context, msg Message) error {
	c.mu.Lock()
	cstx, ok := c.transactions[msg.TransactionID]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrTransactionNotFound, msg.TransactionID)
	}
	if cstx.Status.Terminal() {
		c.mu.Unlock()
		return fmt.Errorf("%w: transaction %s is %s", ErrInvalidOperation, msg.TransactionID, cstx.Status)
	}
	c.mu.Unlock()

	if err := c.applier.Apply(ctx, cstx.Tx); err != nil {
		return fmt.Errorf("%w: local commit of %s: %v", ErrInternal, msg.TransactionID, err)
	}

	c.mu.Lock()
	_ = cstx.SetCommitted(c.shardID, true)
	var outbound []Message
	if cstx.CoordinatorShard != c.shardID {
		outbound = []Message{
			NewMessage(msg.TransactionID, c.shardID, cstx.CoordinatorShard, MessageCommitResponse).WithSuccess(true),
		}
	}
	c.mu.Unlock()

	c.sendAll(ctx, outbound)
	c.logger.Debug("transaction committed locally", zap.String("transaction_id", msg.TransactionID))
	return nil
}

// handleCommitResponse marks the sender committed; once every participant
// has acknowledged, the record reaches Committed and is stamped complete.
func (c *Coordinator) handleCommitResponse(ctx context.Context, msg Message) error {
	if !msg.Success {
		// No rollback at this point: the commit decision is already made.
		// The failure is logged for operational follow-up.
		c.logger.Warn("commit failed on participant",
			zap.String("transaction_id", msg.TransactionID),
			zap.Uint32("from_shard", msg.FromShard))
		return nil
	}

	c.mu.Lock()
	cstx, ok := c.transactions[msg.TransactionID]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrTransactionNotFound, msg.TransactionID)
	}
	if cstx.Status.Terminal() {
		c.mu.Unlock()
		c.logger.Debug("ignoring late commit acknowledgement for settled transaction",
			zap.String("transaction_id", msg.TransactionID),
			zap.Uint32("from_shard", msg.FromShard))
		return nil
	}
	if err := cstx.SetCommitted(msg.FromShard, true); err != nil {
		c.mu.Unlock()
		return err
	}
	committed := cstx.Status == StatusCommitted
	c.mu.Unlock()

	if committed {
		if c.metrics != nil {
			c.metrics.TransactionCommitted(ctx)
		}
		c.logger.Info("cross-shard transaction committed on all participants",
			zap.String("transaction_id", msg.TransactionID))
	}
	return nil
}

// handleAbortRequest aborts the local record. The coordinator marks the
// transaction Aborted without waiting for participant responses; a
// participant replies with AbortResponse{success=true}.
func (c *Coordinator) handleAbortRequest(ctx context.Context, msg Message) error {
	c.mu.Lock()
	cstx, ok := c.transactions[msg.TransactionID]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrTransactionNotFound, msg.TransactionID)
	}

	aborted := false
	if !cstx.Status.Terminal() {
		if err := cstx.StartAbort(); err != nil {
			c.logger.Debug("abort request for transaction outside abortable phase",
				zap.String("transaction_id", msg.TransactionID),
				zap.String("status", cstx.Status.String()))
		}
		cstx.MarkAborted()
		aborted = true
	}
	isCoordinator := cstx.CoordinatorShard == c.shardID
	c.mu.Unlock()

	if aborted && c.metrics != nil {
		c.metrics.TransactionAborted(ctx)
	}
	if !isCoordinator {
		reply := NewMessage(msg.TransactionID, c.shardID, msg.FromShard, MessageAbortResponse).WithSuccess(true)
		c.sendAll(ctx, []Message{reply})
	}
	c.logger.Info("cross-shard transaction aborted", zap.String("transaction_id", msg.TransactionID))
	return nil
}

// maybeStartCommitLocked runs the all-prepared check and, when it passes,
// moves the transaction to Committing, commits the local shard first and
// returns the CommitRequests for the remaining participants. Callers hold
// c.mu.
func (c *Coordinator) maybeStartCommitLocked(ctx context.Context, cstx *CrossShardTransaction) []Message {
	if !cstx.AllPrepared() || cstx.Status != StatusPrepared {
		return nil
	}
	if err := cstx.StartCommit(); err != nil {
		return nil
	}
	if err := c.applier.Apply(ctx, cstx.Tx); err != nil {
		// The commit decision stands; the local apply failure is surfaced in
		// logs and the record stays in Committing for reconciliation.
		c.logger.Error("local commit failed after unanimous prepare",
			zap.String("transaction_id", cstx.ID),
			zap.Error(err))
		return nil
	}
	_ = cstx.SetCommitted(c.shardID, true)

	outbound := make([]Message, 0, len(cstx.Participants)-1)
	for _, p := range cstx.Participants {
		if p == c.shardID {
			continue
		}
		outbound = append(outbound, NewMessage(cstx.ID, c.shardID, p, MessageCommitRequest))
	}
	c.logger.Info("all participants prepared; committing",
		zap.String("transaction_id", cstx.ID))
	return outbound
}

// startAbortLocked moves the transaction into the abort phase and returns
// the AbortRequests for the other participants. The record is marked Aborted
// immediately: abort delivery is fire-and-forget and responses are ignored.
// Callers hold c.mu.
func (c *Coordinator) startAbortLocked(ctx context.Context, cstx *CrossShardTransaction) ([]Message, error) {
	if err := cstx.StartAbort(); err != nil {
		return nil, err
	}
	if err := c.applier.Apply(ctx, cstx.Tx); err != nil {
		c.logger.Warn("local abort apply failed",
			zap.String("transaction_id", cstx.ID),
			zap.Error(err))
	}
	cstx.MarkAborted()

	outbound := make([]Message, 0, len(cstx.Participants)-1)
	for _, p := range cstx.Participants {
		if p == c.shardID {
			continue
		}
		outbound = append(outbound, NewMessage(cstx.ID, c.shardID, p, MessageAbortRequest))
	}
	if c.metrics != nil {
		c.metrics.TransactionAborted(ctx)
	}
	c.logger.Info("abort phase started", zap.String("transaction_id", cstx.ID))
	return outbound, nil
}

// sendAll delivers outbound messages, logging failures. A failed send never
// rolls back local state; the affected participant stays pending until an
// explicit abort or external reconciliation.
func (c *Coordinator) sendAll(ctx context.Context, msgs []Message) {
	for _, msg := range msgs {
		if err := c.sender.Send(ctx, msg); err != nil {
			c.logger.Error("message send failed",
				zap.String("message_id", msg.ID),
				zap.String("type", string(msg.Type)),
				zap.Uint32("to_shard", msg.ToShard),
				zap.Error(err))
		}
	}
}

func containsShard(set []shard.ID, id shard.ID) bool {
	for _, s := range set {
		if s == id {
			return true
		}
	}
	return false
}
