package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kursadbilgin/emergency-dispatch/internal/credential"
	"github.com/kursadbilgin/emergency-dispatch/internal/domain"
	"github.com/kursadbilgin/emergency-dispatch/internal/observability"
	"github.com/kursadbilgin/emergency-dispatch/internal/recorder"
	"github.com/kursadbilgin/emergency-dispatch/internal/repository"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func pendingNotification(id, recipientID string) domain.PendingNotification {
	return domain.PendingNotification{
		ID:          id,
		RecipientID: recipientID,
		Kind:        "emergency_alert",
		Title:       "Evacuation order",
		Body:        "Leave the area now",
		Data:        map[string]any{"alertId": "a-" + id},
		Status:      domain.StatusPending,
		ScheduledAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func newTestEngine(t *testing.T, store *memStore, minter *fakeMinter, gw *fakeGateway, opts EngineOptions) *DispatchEngine {
	t.Helper()

	rec, err := recorder.New(store, store)
	if err != nil {
		t.Fatalf("recorder.New() error = %v", err)
	}
	if opts.Metrics == nil {
		opts.Metrics = observability.NewMetrics()
	}

	engine, err := NewDispatchEngine(minter, store, store, gw, rec, opts, zap.NewNop())
	if err != nil {
		t.Fatalf("NewDispatchEngine() error = %v", err)
	}
	engine.newRunID = func() string { return "run-1" }
	return engine
}

func resultByID(t *testing.T, summary *domain.RunSummary, id string) domain.NotificationResult {
	t.Helper()

	for _, result := range summary.Results {
		if result.NotificationID == id {
			return result
		}
	}
	t.Fatalf("result for %s not found in %+v", id, summary.Results)
	return domain.NotificationResult{}
}

func TestRunBatchMixedScenario(t *testing.T) {
	t.Parallel()

	store := newMemStore(
		pendingNotification("n1", "u1"),
		pendingNotification("n2", "u2"),
	).
		withTokens("u1", "tok-a", "tok-b").
		withTokens("u2", "tok-dead")

	gw := &fakeGateway{sendFn: func(_ context.Context, token string) domain.Outcome {
		if token == "tok-dead" {
			return domain.Outcome{StatusCode: 404, Error: `{"error":{"message":"Requested entity was not found."}}`}
		}
		return domain.Succeeded(200)
	}}

	engine := newTestEngine(t, store, &fakeMinter{}, gw, EngineOptions{})

	summary, err := engine.RunBatch(context.Background(), 50)
	if err != nil {
		t.Fatalf("RunBatch() error = %v", err)
	}

	if summary.Processed != 2 || len(summary.Results) != 2 {
		t.Fatalf("processed = %d, results = %d; want 2, 2", summary.Processed, len(summary.Results))
	}
	if summary.RunID != "run-1" {
		t.Fatalf("RunID = %q, want run-1", summary.RunID)
	}
	if summary.CompletedAt.IsZero() {
		t.Fatal("CompletedAt is zero")
	}

	n1 := resultByID(t, summary, "n1")
	if n1.Status != domain.StatusSent || n1.TokensSent != 2 || n1.TokensFailed != 0 {
		t.Fatalf("n1 = %+v, want sent 2/0", n1)
	}
	if n1.RecipientID != "u1" {
		t.Fatalf("n1 recipient = %q, want u1", n1.RecipientID)
	}
	if got := store.status("n1"); got != domain.StatusSent {
		t.Fatalf("stored n1 status = %q, want sent", got)
	}
	logs := store.logsFor("n1")
	if len(logs) != 2 {
		t.Fatalf("n1 logs = %d, want 2", len(logs))
	}
	for _, log := range logs {
		if log.Outcome != domain.DeliverySent || log.Error != nil {
			t.Fatalf("n1 log = %+v, want sent without error", log)
		}
	}

	n2 := resultByID(t, summary, "n2")
	if n2.Status != domain.StatusFailed || n2.TokensSent != 0 || n2.TokensFailed != 1 {
		t.Fatalf("n2 = %+v, want failed 0/1", n2)
	}
	if got := store.status("n2"); got != domain.StatusFailed {
		t.Fatalf("stored n2 status = %q, want failed", got)
	}
	logs = store.logsFor("n2")
	if len(logs) != 1 || logs[0].Outcome != domain.DeliveryFailed || logs[0].Error == nil {
		t.Fatalf("n2 logs = %+v, want one failure with error", logs)
	}
	if !strings.Contains(*logs[0].Error, "not found") {
		t.Fatalf("n2 log error = %q, want raw body", *logs[0].Error)
	}
	if store.tokenActive("u2", "tok-dead") {
		t.Fatal("tok-dead is still active, want deactivated")
	}
	if !store.tokenActive("u1", "tok-a") || !store.tokenActive("u1", "tok-b") {
		t.Fatal("healthy tokens were deactivated")
	}
}

func TestRunBatchPassesCredentialAndContent(t *testing.T) {
	t.Parallel()

	store := newMemStore(pendingNotification("n1", "u1")).withTokens("u1", "tok-a")
	minter := &fakeMinter{mintFn: func(context.Context) (credential.Credential, error) {
		return credential.Credential{AccessToken: "minted-token"}, nil
	}}
	gw := &fakeGateway{}

	engine := newTestEngine(t, store, minter, gw, EngineOptions{})
	if _, err := engine.RunBatch(context.Background(), 10); err != nil {
		t.Fatalf("RunBatch() error = %v", err)
	}

	if minter.calls.Load() != 1 {
		t.Fatalf("mint calls = %d, want 1", minter.calls.Load())
	}
	if len(gw.calls) != 1 {
		t.Fatalf("send calls = %d, want 1", len(gw.calls))
	}
	call := gw.calls[0]
	if call.cred.AccessToken != "minted-token" {
		t.Fatalf("credential = %q, want minted-token", call.cred.AccessToken)
	}
	if call.msg.Title != "Evacuation order" || call.msg.Body != "Leave the area now" {
		t.Fatalf("message = %+v", call.msg)
	}
	if call.msg.Data["alertId"] != "a-n1" {
		t.Fatalf("data = %+v", call.msg.Data)
	}
}

func TestRunBatchNotificationStatusRules(t *testing.T) {
	t.Parallel()

	failAll := func(context.Context, string) domain.Outcome { return domain.Failed("upstream 500") }
	failSecond := func(_ context.Context, token string) domain.Outcome {
		if token == "tok-2" {
			return domain.Failed("quota exceeded")
		}
		return domain.Succeeded(200)
	}

	testCases := []struct {
		name       string
		tokens     []string
		sendFn     func(context.Context, string) domain.Outcome
		wantStatus domain.NotificationStatus
		wantSent   int
		wantFailed int
		wantLogs   int
		wantError  string
	}{
		{name: "all succeed", tokens: []string{"tok-1", "tok-2", "tok-3"}, wantStatus: domain.StatusSent, wantSent: 3, wantLogs: 3},
		{name: "mixed outcomes", tokens: []string{"tok-1", "tok-2"}, sendFn: failSecond, wantStatus: domain.StatusPartial, wantSent: 1, wantFailed: 1, wantLogs: 2},
		{name: "all fail", tokens: []string{"tok-1", "tok-2"}, sendFn: failAll, wantStatus: domain.StatusFailed, wantFailed: 2, wantLogs: 2},
		{name: "no active tokens", wantStatus: domain.StatusFailed, wantLogs: 0, wantError: ErrTextNoActiveTokens},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			store := newMemStore(pendingNotification("n1", "u1")).withTokens("u1", tc.tokens...)
			gw := &fakeGateway{sendFn: tc.sendFn}
			engine := newTestEngine(t, store, &fakeMinter{}, gw, EngineOptions{})

			summary, err := engine.RunBatch(context.Background(), 50)
			if err != nil {
				t.Fatalf("RunBatch() error = %v", err)
			}

			result := resultByID(t, summary, "n1")
			if result.Status != tc.wantStatus {
				t.Fatalf("status = %q, want %q", result.Status, tc.wantStatus)
			}
			if result.TokensSent != tc.wantSent || result.TokensFailed != tc.wantFailed {
				t.Fatalf("counts = %d/%d, want %d/%d", result.TokensSent, result.TokensFailed, tc.wantSent, tc.wantFailed)
			}
			if result.Error != tc.wantError {
				t.Fatalf("error = %q, want %q", result.Error, tc.wantError)
			}
			if got := len(store.logsFor("n1")); got != tc.wantLogs {
				t.Fatalf("logs = %d, want %d", got, tc.wantLogs)
			}
			if got := store.status("n1"); got != tc.wantStatus {
				t.Fatalf("stored status = %q, want %q", got, tc.wantStatus)
			}
			if len(store.deactivate) != 0 {
				t.Fatalf("deactivated = %v, want none", store.deactivate)
			}
		})
	}
}

func TestRunBatchEmptyIsSuccessAndWritesNothing(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	gw := &fakeGateway{}
	engine := newTestEngine(t, store, &fakeMinter{}, gw, EngineOptions{})

	for i := 0; i < 2; i++ {
		summary, err := engine.RunBatch(context.Background(), 50)
		if err != nil {
			t.Fatalf("RunBatch() error = %v", err)
		}
		if summary.Processed != 0 || len(summary.Results) != 0 {
			t.Fatalf("summary = %+v, want zero processed", summary)
		}
		if summary.Results == nil {
			t.Fatal("Results is nil, want empty slice")
		}
	}

	if len(store.logs) != 0 || store.updates != 0 || len(gw.calls) != 0 {
		t.Fatalf("writes = logs %d, updates %d, sends %d; want none", len(store.logs), store.updates, len(gw.calls))
	}
}

func TestRunBatchMintFailureAbortsBeforeStorage(t *testing.T) {
	t.Parallel()

	store := newMemStore(pendingNotification("n1", "u1")).withTokens("u1", "tok-a")
	minter := &fakeMinter{mintFn: func(context.Context) (credential.Credential, error) {
		return credential.Credential{}, &credential.AuthError{Op: "token exchange", StatusCode: 401, Body: `{"error":"invalid_grant"}`}
	}}
	gw := &fakeGateway{}
	engine := newTestEngine(t, store, minter, gw, EngineOptions{})

	summary, err := engine.RunBatch(context.Background(), 50)
	if err == nil {
		t.Fatal("RunBatch() error = nil, want AuthError")
	}
	if !credential.IsAuthError(err) {
		t.Fatalf("RunBatch() error = %T %v, want AuthError", err, err)
	}
	if summary != nil {
		t.Fatalf("summary = %+v, want nil", summary)
	}
	if store.fetchCalls != 0 {
		t.Fatalf("fetch calls = %d, want 0", store.fetchCalls)
	}
	if len(store.logs) != 0 || store.updates != 0 || len(gw.calls) != 0 {
		t.Fatal("mint failure must not touch any notification")
	}
	if got := store.status("n1"); got != domain.StatusPending {
		t.Fatalf("status = %q, want pending", got)
	}
}

func TestRunBatchPendingFetchFailureIsStorageError(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	store.fetchErr = errors.New("connection refused")
	engine := newTestEngine(t, store, &fakeMinter{}, &fakeGateway{}, EngineOptions{})

	_, err := engine.RunBatch(context.Background(), 50)
	if !repository.IsStorageError(err) {
		t.Fatalf("RunBatch() error = %v, want StorageError", err)
	}
}

func TestRunBatchTokenLookupFailureIsolated(t *testing.T) {
	t.Parallel()

	store := newMemStore(
		pendingNotification("n1", "u1"),
		pendingNotification("n2", "u2"),
	).withTokens("u2", "tok-b")
	store.tokenErrs["u1"] = errors.New("statement timeout")

	gw := &fakeGateway{}
	engine := newTestEngine(t, store, &fakeMinter{}, gw, EngineOptions{})

	summary, err := engine.RunBatch(context.Background(), 50)
	if err != nil {
		t.Fatalf("RunBatch() error = %v", err)
	}

	n1 := resultByID(t, summary, "n1")
	if n1.Status != domain.StatusFailed {
		t.Fatalf("n1 status = %q, want failed", n1.Status)
	}
	if !strings.Contains(n1.Error, "statement timeout") {
		t.Fatalf("n1 error = %q, want lookup failure text", n1.Error)
	}
	if len(store.logsFor("n1")) != 0 {
		t.Fatal("token lookup failure must not write delivery logs")
	}
	if got := store.status("n1"); got != domain.StatusFailed {
		t.Fatalf("stored n1 status = %q, want failed", got)
	}

	n2 := resultByID(t, summary, "n2")
	if n2.Status != domain.StatusSent {
		t.Fatalf("n2 status = %q, want sent", n2.Status)
	}
}

func TestRunBatchDeactivatedTokenIsNotRetargeted(t *testing.T) {
	t.Parallel()

	store := newMemStore(
		pendingNotification("n1", "u1"),
		pendingNotification("n2", "u1"),
	).withTokens("u1", "tok-dead")
	// A lagging read still returns the inactive row.
	store.staleTokens = true

	gw := &fakeGateway{sendFn: func(context.Context, string) domain.Outcome {
		return domain.Outcome{StatusCode: 400, Error: "invalid registration token"}
	}}
	engine := newTestEngine(t, store, &fakeMinter{}, gw, EngineOptions{NotificationConcurrency: 1})

	summary, err := engine.RunBatch(context.Background(), 50)
	if err != nil {
		t.Fatalf("RunBatch() error = %v", err)
	}

	if got := gw.tokens(); len(got) != 1 {
		t.Fatalf("send targets = %v, want a single attempt", got)
	}
	if len(store.deactivate) != 1 {
		t.Fatalf("deactivate calls = %v, want 1", store.deactivate)
	}

	n2 := resultByID(t, summary, "n2")
	if n2.Status != domain.StatusFailed || n2.Error != ErrTextNoActiveTokens {
		t.Fatalf("n2 = %+v, want failed with no active tokens", n2)
	}

	if store.tokenActive("u1", "tok-dead") {
		t.Fatal("token still active after run")
	}
}

func TestRunBatchConcurrentNotificationsSkipTokenRetiredMidRun(t *testing.T) {
	t.Parallel()

	store := newMemStore(
		pendingNotification("n1", "u1"),
		pendingNotification("n2", "u1"),
	).withTokens("u1", "tok-dead")

	retired := make(chan struct{})
	var once sync.Once
	store.onDeactivate = func(string) { once.Do(func() { close(retired) }) }

	// The first device attempt goes straight through; the second only starts
	// once the token has been retired by the first.
	var waits atomic.Int32
	limiter := &fakeLimiter{waitFn: func(ctx context.Context) error {
		if waits.Add(1) == 1 {
			return nil
		}
		select {
		case <-retired:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}}
	gw := &fakeGateway{sendFn: func(context.Context, string) domain.Outcome {
		return domain.Outcome{StatusCode: 404, Error: "Requested entity was not found."}
	}}

	rec, err := recorder.New(store, store)
	if err != nil {
		t.Fatalf("recorder.New() error = %v", err)
	}
	// Both notifications read the token list before either sends.
	tokens := newGatedTokens(store, 2)
	engine, err := NewDispatchEngine(&fakeMinter{}, store, tokens, gw, rec, EngineOptions{
		NotificationConcurrency: 2,
		AttemptTimeout:          5 * time.Second,
		Limiter:                 limiter,
	}, zap.NewNop())
	if err != nil {
		t.Fatalf("NewDispatchEngine() error = %v", err)
	}

	summary, err := engine.RunBatch(context.Background(), 50)
	if err != nil {
		t.Fatalf("RunBatch() error = %v", err)
	}

	if got := gw.tokens(); len(got) != 1 {
		t.Fatalf("send targets = %v, want a single attempt", got)
	}
	if len(store.deactivate) != 1 {
		t.Fatalf("deactivate calls = %v, want 1", store.deactivate)
	}
	if logs := len(store.logsFor("n1")) + len(store.logsFor("n2")); logs != 1 {
		t.Fatalf("delivery logs = %d, want 1", logs)
	}

	var attempted, skipped int
	for _, result := range summary.Results {
		if result.Status != domain.StatusFailed {
			t.Fatalf("result = %+v, want failed", result)
		}
		switch {
		case result.TokensFailed == 1 && result.TokensSent == 0:
			attempted++
		case result.TokensFailed == 0 && result.TokensSent == 0 && result.Error == ErrTextNoActiveTokens:
			skipped++
		default:
			t.Fatalf("unexpected result %+v", result)
		}
	}
	if attempted != 1 || skipped != 1 {
		t.Fatalf("attempted = %d, skipped = %d, want 1 and 1", attempted, skipped)
	}
}

func TestRunBatchMarkerOnTransientStatusDeactivates(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name            string
		keepOnTransient bool
		wantActive      bool
	}{
		{name: "markers apply to any gateway failure", keepOnTransient: false, wantActive: false},
		{name: "opt-in guard keeps transient failures", keepOnTransient: true, wantActive: true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			store := newMemStore(pendingNotification("n1", "u1")).withTokens("u1", "tok-a")
			gw := &fakeGateway{sendFn: func(context.Context, string) domain.Outcome {
				return domain.Outcome{StatusCode: 503, Error: "Requested entity was not found", Transient: true}
			}}
			engine := newTestEngine(t, store, &fakeMinter{}, gw, EngineOptions{
				TokenPolicy: NewInvalidTokenPolicy(nil, tc.keepOnTransient),
			})

			if _, err := engine.RunBatch(context.Background(), 50); err != nil {
				t.Fatalf("RunBatch() error = %v", err)
			}
			if got := store.tokenActive("u1", "tok-a"); got != tc.wantActive {
				t.Fatalf("token active = %v, want %v", got, tc.wantActive)
			}
		})
	}
}

func TestRunBatchAttemptTimeoutBoundsLimiterWait(t *testing.T) {
	t.Parallel()

	store := newMemStore(pendingNotification("n1", "u1")).withTokens("u1", "tok-a")
	gw := &fakeGateway{}
	limiter := &fakeLimiter{waitFn: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}}
	engine := newTestEngine(t, store, &fakeMinter{}, gw, EngineOptions{
		Limiter:        limiter,
		AttemptTimeout: 20 * time.Millisecond,
	})

	start := time.Now()
	summary, err := engine.RunBatch(context.Background(), 50)
	if err != nil {
		t.Fatalf("RunBatch() error = %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("RunBatch() took %s, want bounded by the attempt timeout", elapsed)
	}

	result := resultByID(t, summary, "n1")
	if result.Status != domain.StatusFailed || result.TokensFailed != 1 {
		t.Fatalf("result = %+v, want failed 0/1", result)
	}
	if len(gw.calls) != 0 {
		t.Fatalf("send calls = %d, want 0", len(gw.calls))
	}
	logs := store.logsFor("n1")
	if len(logs) != 1 || logs[0].Error == nil || !strings.Contains(*logs[0].Error, "deadline exceeded") {
		t.Fatalf("logs = %+v, want one deadline failure", logs)
	}
	if store.status("n1") != domain.StatusFailed {
		t.Fatalf("status = %s, want failed", store.status("n1"))
	}
}

func TestRunBatchStructuredUnregisteredDeactivates(t *testing.T) {
	t.Parallel()

	store := newMemStore(pendingNotification("n1", "u1")).withTokens("u1", "tok-old")
	gw := &fakeGateway{sendFn: func(context.Context, string) domain.Outcome {
		return domain.Outcome{StatusCode: 404, Error: `{"error":{"status":"NOT_FOUND"}}`, ErrorCode: "UNREGISTERED"}
	}}
	engine := newTestEngine(t, store, &fakeMinter{}, gw, EngineOptions{})

	if _, err := engine.RunBatch(context.Background(), 50); err != nil {
		t.Fatalf("RunBatch() error = %v", err)
	}
	if store.tokenActive("u1", "tok-old") {
		t.Fatal("token still active, want deactivated")
	}
}

func TestRunBatchLimiterErrorIsDeviceFailure(t *testing.T) {
	t.Parallel()

	store := newMemStore(pendingNotification("n1", "u1")).withTokens("u1", "tok-a")
	gw := &fakeGateway{}
	limiter := &fakeLimiter{waitFn: func(context.Context) error {
		return errors.New("invalid redis reply")
	}}
	engine := newTestEngine(t, store, &fakeMinter{}, gw, EngineOptions{Limiter: limiter})

	summary, err := engine.RunBatch(context.Background(), 50)
	if err != nil {
		t.Fatalf("RunBatch() error = %v", err)
	}

	result := resultByID(t, summary, "n1")
	if result.Status != domain.StatusFailed || result.TokensFailed != 1 {
		t.Fatalf("result = %+v, want failed 0/1", result)
	}
	if len(gw.calls) != 0 {
		t.Fatalf("send calls = %d, want 0", len(gw.calls))
	}
	logs := store.logsFor("n1")
	if len(logs) != 1 || logs[0].Error == nil || !strings.Contains(*logs[0].Error, "send limiter") {
		t.Fatalf("logs = %+v, want one limiter failure", logs)
	}
	if !store.tokenActive("u1", "tok-a") {
		t.Fatal("limiter failures must not deactivate tokens")
	}
}

func TestRunBatchSkipsNotificationsNotPending(t *testing.T) {
	t.Parallel()

	claimed := pendingNotification("n2", "u1")
	claimed.Status = domain.StatusSent
	store := newMemStore(pendingNotification("n1", "u1"), claimed).withTokens("u1", "tok-a")
	gw := &fakeGateway{}
	engine := newTestEngine(t, store, &fakeMinter{}, gw, EngineOptions{})

	summary, err := engine.RunBatch(context.Background(), 50)
	if err != nil {
		t.Fatalf("RunBatch() error = %v", err)
	}
	if summary.Processed != 1 || summary.Results[0].NotificationID != "n1" {
		t.Fatalf("summary = %+v, want only n1", summary)
	}
	if len(store.logsFor("n2")) != 0 {
		t.Fatal("non-pending notification must not be attempted")
	}
}

func TestRunBatchFinalizeConflictKeepsRunGoing(t *testing.T) {
	t.Parallel()

	store := newMemStore(pendingNotification("n1", "u1"), pendingNotification("n2", "u2")).
		withTokens("u1", "tok-a").
		withTokens("u2", "tok-b")

	var once atomic.Bool
	gw := &fakeGateway{sendFn: func(_ context.Context, token string) domain.Outcome {
		// Another run finalizes n1 while this one is still sending.
		if token == "tok-a" && once.CompareAndSwap(false, true) {
			store.mu.Lock()
			store.statuses["n1"] = domain.StatusFailed
			store.mu.Unlock()
		}
		return domain.Succeeded(200)
	}}
	engine := newTestEngine(t, store, &fakeMinter{}, gw, EngineOptions{})

	summary, err := engine.RunBatch(context.Background(), 50)
	if err != nil {
		t.Fatalf("RunBatch() error = %v", err)
	}

	n1 := resultByID(t, summary, "n1")
	if !strings.Contains(n1.Error, domain.ErrConflict.Error()) {
		t.Fatalf("n1 error = %q, want conflict", n1.Error)
	}
	if got := store.status("n1"); got != domain.StatusFailed {
		t.Fatalf("stored n1 status = %q, want the other run's failed", got)
	}
	if got := resultByID(t, summary, "n2").Status; got != domain.StatusSent {
		t.Fatalf("n2 status = %q, want sent", got)
	}
}

func TestRunBatchClampsBatchSize(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		requested int
		want      int
	}{
		{requested: 0, want: MaxBatchSize},
		{requested: -3, want: MaxBatchSize},
		{requested: 500, want: MaxBatchSize},
		{requested: 10, want: 10},
	}

	for _, tc := range testCases {
		store := newMemStore()
		engine := newTestEngine(t, store, &fakeMinter{}, &fakeGateway{}, EngineOptions{})

		if _, err := engine.RunBatch(context.Background(), tc.requested); err != nil {
			t.Fatalf("RunBatch(%d) error = %v", tc.requested, err)
		}
		if store.fetchLimit != tc.want {
			t.Fatalf("RunBatch(%d) fetch limit = %d, want %d", tc.requested, store.fetchLimit, tc.want)
		}
	}
}

func TestRunBatchLogsCarryRunID(t *testing.T) {
	t.Parallel()

	core, recorded := observer.New(zapcore.InfoLevel)
	store := newMemStore(pendingNotification("n1", "u1")).withTokens("u1", "tok-a")

	rec, err := recorder.New(store, store)
	if err != nil {
		t.Fatalf("recorder.New() error = %v", err)
	}
	engine, err := NewDispatchEngine(&fakeMinter{}, store, store, &fakeGateway{}, rec, EngineOptions{}, zap.New(core))
	if err != nil {
		t.Fatalf("NewDispatchEngine() error = %v", err)
	}
	engine.newRunID = func() string { return "run-42" }

	if _, err := engine.RunBatch(context.Background(), 50); err != nil {
		t.Fatalf("RunBatch() error = %v", err)
	}

	entries := recorded.All()
	if len(entries) == 0 {
		t.Fatal("expected log entries")
	}
	for _, entry := range entries {
		if got := entry.ContextMap()["runId"]; got != "run-42" {
			t.Fatalf("entry %q runId = %v, want run-42", entry.Message, got)
		}
	}

	completed := recorded.FilterMessage("batch run completed").All()
	if len(completed) != 1 {
		t.Fatalf("completed entries = %d, want 1", len(completed))
	}
	if got := completed[0].ContextMap()["sent"]; got != int64(1) {
		t.Fatalf("sent = %v, want 1", got)
	}
}

func TestNewDispatchEngineValidation(t *testing.T) {
	t.Parallel()

	store := newMemStore()
	rec, err := recorder.New(store, store)
	if err != nil {
		t.Fatalf("recorder.New() error = %v", err)
	}

	if _, err := NewDispatchEngine(nil, store, store, &fakeGateway{}, rec, EngineOptions{}, nil); err == nil {
		t.Fatal("expected error for nil minter")
	}
	if _, err := NewDispatchEngine(&fakeMinter{}, store, store, nil, rec, EngineOptions{}, nil); err == nil {
		t.Fatal("expected error for nil gateway")
	}
	if _, err := NewDispatchEngine(&fakeMinter{}, store, store, &fakeGateway{}, nil, EngineOptions{}, nil); err == nil {
		t.Fatal("expected error for nil recorder")
	}

	engine, err := NewDispatchEngine(&fakeMinter{}, store, store, &fakeGateway{}, rec, EngineOptions{}, nil)
	if err != nil {
		t.Fatalf("NewDispatchEngine() error = %v", err)
	}
	if engine.notificationConcurrency != defaultNotificationConcurrency || engine.deviceConcurrency != defaultDeviceConcurrency {
		t.Fatalf("concurrency = %d/%d", engine.notificationConcurrency, engine.deviceConcurrency)
	}
	if engine.policy == nil || engine.limiter == nil {
		t.Fatal("expected default policy and limiter")
	}
	if engine.attemptTimeout != defaultAttemptTimeout {
		t.Fatalf("attemptTimeout = %s, want %s", engine.attemptTimeout, defaultAttemptTimeout)
	}
}
