package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/emergency-dispatch/internal/credential"
	"github.com/kursadbilgin/emergency-dispatch/internal/domain"
	"github.com/kursadbilgin/emergency-dispatch/internal/gateway"
	"github.com/kursadbilgin/emergency-dispatch/internal/observability"
	"github.com/kursadbilgin/emergency-dispatch/internal/ratelimit"
	"github.com/kursadbilgin/emergency-dispatch/internal/repository"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// MaxBatchSize bounds a single run; larger requests are clamped.
const MaxBatchSize = 50

const (
	defaultNotificationConcurrency = 4
	defaultDeviceConcurrency       = 8
	defaultAttemptTimeout          = 15 * time.Second

	ErrTextNoActiveTokens = "no active device tokens"
)

type CredentialMinter interface {
	Mint(ctx context.Context) (credential.Credential, error)
}

type PushGateway interface {
	Send(ctx context.Context, token string, msg gateway.Message, cred credential.Credential) domain.Outcome
}

type DeliveryRecorder interface {
	Record(ctx context.Context, notificationID, recipientID, token string, outcome domain.Outcome) error
	Finalize(ctx context.Context, notificationID string, successCount, failureCount int) (domain.NotificationStatus, error)
}

type EngineOptions struct {
	NotificationConcurrency int
	DeviceConcurrency       int
	// AttemptTimeout bounds the limiter wait plus the gateway call of one device.
	AttemptTimeout time.Duration
	TokenPolicy    *InvalidTokenPolicy
	Limiter        ratelimit.Limiter
	Metrics        *observability.Metrics
}

// DispatchEngine runs one batch pass: mint, fetch, fan out, record, finalize.
type DispatchEngine struct {
	minter        CredentialMinter
	notifications repository.NotificationRepository
	tokens        repository.TokenRepository
	gateway       PushGateway
	recorder      DeliveryRecorder
	limiter       ratelimit.Limiter
	policy        *InvalidTokenPolicy
	logger        *zap.Logger
	metrics       *observability.Metrics

	notificationConcurrency int
	deviceConcurrency       int
	attemptTimeout          time.Duration
	now                     func() time.Time
	newRunID                func() string
}

func NewDispatchEngine(
	minter CredentialMinter,
	notifications repository.NotificationRepository,
	tokens repository.TokenRepository,
	pushGateway PushGateway,
	recorder DeliveryRecorder,
	opts EngineOptions,
	logger *zap.Logger,
) (*DispatchEngine, error) {
	if minter == nil {
		return nil, fmt.Errorf("credential minter is required")
	}
	if notifications == nil || tokens == nil {
		return nil, fmt.Errorf("notification and token repositories are required")
	}
	if pushGateway == nil {
		return nil, fmt.Errorf("push gateway is required")
	}
	if recorder == nil {
		return nil, fmt.Errorf("delivery recorder is required")
	}

	if opts.NotificationConcurrency <= 0 {
		opts.NotificationConcurrency = defaultNotificationConcurrency
	}
	if opts.DeviceConcurrency <= 0 {
		opts.DeviceConcurrency = defaultDeviceConcurrency
	}
	if opts.AttemptTimeout <= 0 {
		opts.AttemptTimeout = defaultAttemptTimeout
	}
	if opts.TokenPolicy == nil {
		opts.TokenPolicy = NewInvalidTokenPolicy(nil, false)
	}
	if opts.Limiter == nil {
		opts.Limiter = ratelimit.Noop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &DispatchEngine{
		minter:                  minter,
		notifications:           notifications,
		tokens:                  tokens,
		gateway:                 pushGateway,
		recorder:                recorder,
		limiter:                 opts.Limiter,
		policy:                  opts.TokenPolicy,
		logger:                  logger,
		metrics:                 opts.Metrics,
		notificationConcurrency: opts.NotificationConcurrency,
		deviceConcurrency:       opts.DeviceConcurrency,
		attemptTimeout:          opts.AttemptTimeout,
		now:                     time.Now,
		newRunID:                uuid.NewString,
	}, nil
}

// batchRun carries the state scoped to one RunBatch call.
type batchRun struct {
	cred   credential.Credential
	logger *zap.Logger
	// deactivated holds tokens retired during this run; later sends skip them.
	deactivated sync.Map
}

func (r *batchRun) retired(token string) bool {
	_, ok := r.deactivated.Load(token)
	return ok
}

func (r *batchRun) activeOnly(tokens []domain.DeviceToken) []domain.DeviceToken {
	out := make([]domain.DeviceToken, 0, len(tokens))
	for _, token := range tokens {
		if r.retired(token.Token) {
			continue
		}
		out = append(out, token)
	}
	return out
}

// RunBatch processes up to batchSize due notifications. Only a credential
// failure or a failed pending fetch is returned as an error; everything else
// is reported inside the summary.
func (e *DispatchEngine) RunBatch(ctx context.Context, batchSize int) (*domain.RunSummary, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if batchSize <= 0 || batchSize > MaxBatchSize {
		batchSize = MaxBatchSize
	}

	runID := e.newRunID()
	ctx = observability.WithRunID(ctx, runID)
	logger := observability.WithContextLogger(e.logger, ctx)

	e.metrics.IncBatchInFlight()
	defer e.metrics.DecBatchInFlight()

	logger.Info("batch run started", zap.Int("batchSize", batchSize))

	cred, err := e.minter.Mint(ctx)
	if err != nil {
		logger.Error("credential mint failed, aborting run", zap.Error(err))
		e.metrics.IncBatchRun("auth_error")
		return nil, err
	}
	logger.Debug("credential obtained", zap.Time("expiresAt", cred.ExpiresAt))

	pending, err := e.notifications.FetchPending(ctx, batchSize)
	if err != nil {
		err = repository.WrapStorage("fetch pending notifications", err)
		logger.Error("failed to fetch pending notifications", zap.Error(err))
		e.metrics.IncBatchRun("storage_error")
		return nil, err
	}

	summary := &domain.RunSummary{
		RunID:   runID,
		Results: make([]domain.NotificationResult, 0, len(pending)),
	}

	if len(pending) == 0 {
		logger.Info("no pending notifications")
		summary.CompletedAt = e.now().UTC()
		e.metrics.IncBatchRun("empty")
		return summary, nil
	}

	logger.Info("pending notifications fetched", zap.Int("count", len(pending)))

	run := &batchRun{cred: cred, logger: logger}
	results := make([]*domain.NotificationResult, len(pending))

	var g errgroup.Group
	g.SetLimit(e.notificationConcurrency)
	for i := range pending {
		notification := pending[i]
		if notification.Status.IsTerminal() {
			logger.Warn("skipping notification no longer pending",
				zap.String("notificationId", notification.ID),
				zap.String("status", notification.Status.String()),
			)
			continue
		}

		g.Go(func() error {
			result := e.processNotification(ctx, run, notification)
			results[i] = &result
			return nil
		})
	}
	_ = g.Wait()

	for _, result := range results {
		if result != nil {
			summary.Results = append(summary.Results, *result)
		}
	}
	summary.Processed = len(summary.Results)
	summary.CompletedAt = e.now().UTC()

	counts := summary.StatusCounts()
	logger.Info("batch run completed",
		zap.Int("processed", summary.Processed),
		zap.Int("sent", counts[domain.StatusSent]),
		zap.Int("partial", counts[domain.StatusPartial]),
		zap.Int("failed", counts[domain.StatusFailed]),
	)
	e.metrics.IncBatchRun("success")

	return summary, nil
}

func (e *DispatchEngine) processNotification(ctx context.Context, run *batchRun, notification domain.PendingNotification) domain.NotificationResult {
	logger := run.logger.With(zap.String("notificationId", notification.ID))
	result := domain.NotificationResult{
		NotificationID: notification.ID,
		RecipientID:    notification.RecipientID,
	}

	tokens, err := e.tokens.FetchActiveTokens(ctx, notification.RecipientID)
	if err != nil {
		err = repository.WrapStorage("fetch active tokens", err)
		logger.Error("device token lookup failed", zap.Error(err))
		result.Error = err.Error()
		return e.finalize(ctx, logger, result)
	}

	tokens = run.activeOnly(tokens)
	if len(tokens) == 0 {
		logger.Info("recipient has no active device tokens", zap.String("recipientId", notification.RecipientID))
		result.Error = ErrTextNoActiveTokens
		return e.finalize(ctx, logger, result)
	}

	msg := gateway.Message{
		Title: notification.Title,
		Body:  notification.Body,
		Data:  notification.Data,
	}

	var sent, failed atomic.Int64
	var g errgroup.Group
	g.SetLimit(e.deviceConcurrency)
	for _, device := range tokens {
		g.Go(func() error {
			switch e.sendToDevice(ctx, run, logger, notification, device.Token, msg) {
			case deviceSent:
				sent.Add(1)
			case deviceFailed:
				failed.Add(1)
			}
			return nil
		})
	}
	// Finalize only after every device attempt for this notification is accounted for.
	_ = g.Wait()

	result.TokensSent = int(sent.Load())
	result.TokensFailed = int(failed.Load())
	if result.TokensSent+result.TokensFailed == 0 {
		result.Error = ErrTextNoActiveTokens
	}

	return e.finalize(ctx, logger, result)
}

type deviceResult int

const (
	deviceSent deviceResult = iota
	deviceFailed
	// deviceSkipped means the token was retired by another notification of the run
	// before this send started; nothing is counted or recorded.
	deviceSkipped
)

func (e *DispatchEngine) sendToDevice(
	ctx context.Context,
	run *batchRun,
	logger *zap.Logger,
	notification domain.PendingNotification,
	token string,
	msg gateway.Message,
) deviceResult {
	outcome, reachedAPI, skipped := e.attempt(ctx, run, token, msg)
	if skipped {
		logger.Debug("skipping device token retired earlier in this run", observability.Token(token))
		return deviceSkipped
	}
	e.metrics.IncDeviceSend(outcome.DeliveryOutcome().String())

	if err := e.recorder.Record(ctx, notification.ID, notification.RecipientID, token, outcome); err != nil {
		logger.Error("failed to record delivery attempt", observability.Token(token), zap.Error(err))
	}

	if outcome.Success {
		return deviceSent
	}

	logger.Warn("device send failed",
		observability.Token(token),
		zap.Int("statusCode", outcome.StatusCode),
		zap.String("error", outcome.Error),
	)

	if reachedAPI && e.policy.ShouldDeactivate(outcome) {
		e.deactivate(ctx, run, logger, token)
	}

	return deviceFailed
}

// attempt waits for send budget and calls the gateway, both under one
// per-device deadline.
func (e *DispatchEngine) attempt(ctx context.Context, run *batchRun, token string, msg gateway.Message) (outcome domain.Outcome, reachedAPI, skipped bool) {
	attemptCtx, cancel := context.WithTimeout(ctx, e.attemptTimeout)
	defer cancel()

	if err := e.limiter.Wait(attemptCtx); err != nil {
		return domain.Failed(fmt.Sprintf("send limiter: %v", err)), false, false
	}
	if run.retired(token) {
		return domain.Outcome{}, false, true
	}

	start := e.now()
	outcome = e.gateway.Send(attemptCtx, token, msg, run.cred)
	e.metrics.ObserveDeviceSendDuration(e.now().Sub(start))

	return outcome, true, false
}

func (e *DispatchEngine) deactivate(ctx context.Context, run *batchRun, logger *zap.Logger, token string) {
	if _, already := run.deactivated.LoadOrStore(token, struct{}{}); already {
		return
	}

	if err := e.tokens.Deactivate(ctx, token); err != nil {
		run.deactivated.Delete(token)
		logger.Error("failed to deactivate device token",
			observability.Token(token),
			zap.Error(repository.WrapStorage("deactivate token", err)),
		)
		return
	}

	e.metrics.IncTokenDeactivated()
	logger.Info("device token deactivated", observability.Token(token))
}

func (e *DispatchEngine) finalize(ctx context.Context, logger *zap.Logger, result domain.NotificationResult) domain.NotificationResult {
	status, err := e.recorder.Finalize(ctx, result.NotificationID, result.TokensSent, result.TokensFailed)
	result.Status = status

	if err != nil {
		if errors.Is(err, domain.ErrConflict) {
			logger.Warn("notification already finalized elsewhere", zap.String("status", status.String()))
		} else {
			logger.Error("failed to persist notification status", zap.Error(err))
		}
		if result.Error == "" {
			result.Error = err.Error()
		}
	}

	e.metrics.IncNotificationFinalized(status.String())
	logger.Info("notification finalized",
		zap.Int("sent", result.TokensSent),
		zap.Int("failed", result.TokensFailed),
		zap.String("status", status.String()),
	)

	return result
}
