package service

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/kursadbilgin/emergency-dispatch/internal/credential"
	"github.com/kursadbilgin/emergency-dispatch/internal/domain"
	"github.com/kursadbilgin/emergency-dispatch/internal/gateway"
	"github.com/kursadbilgin/emergency-dispatch/internal/repository"
)

type fakeMinter struct {
	mintFn func(ctx context.Context) (credential.Credential, error)
	calls  atomic.Int32
}

func (f *fakeMinter) Mint(ctx context.Context) (credential.Credential, error) {
	f.calls.Add(1)
	if f.mintFn != nil {
		return f.mintFn(ctx)
	}
	return credential.Credential{AccessToken: "access-1", TokenType: "Bearer"}, nil
}

type sendCall struct {
	token string
	msg   gateway.Message
	cred  credential.Credential
}

type fakeGateway struct {
	sendFn func(ctx context.Context, token string) domain.Outcome

	mu    sync.Mutex
	calls []sendCall
}

func (f *fakeGateway) Send(ctx context.Context, token string, msg gateway.Message, cred credential.Credential) domain.Outcome {
	f.mu.Lock()
	f.calls = append(f.calls, sendCall{token: token, msg: msg, cred: cred})
	f.mu.Unlock()

	if f.sendFn != nil {
		return f.sendFn(ctx, token)
	}
	return domain.Succeeded(200)
}

func (f *fakeGateway) tokens() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]string, 0, len(f.calls))
	for _, call := range f.calls {
		out = append(out, call.token)
	}
	sort.Strings(out)
	return out
}

type fakeLimiter struct {
	waitFn func(ctx context.Context) error
}

func (f *fakeLimiter) Allow(context.Context) (bool, error) { return true, nil }

func (f *fakeLimiter) Wait(ctx context.Context) error {
	if f.waitFn != nil {
		return f.waitFn(ctx)
	}
	return nil
}

// gatedTokens holds every token lookup until parties lookups have arrived.
type gatedTokens struct {
	repository.TokenRepository
	gate *sync.WaitGroup
}

func newGatedTokens(inner repository.TokenRepository, parties int) *gatedTokens {
	gate := &sync.WaitGroup{}
	gate.Add(parties)
	return &gatedTokens{TokenRepository: inner, gate: gate}
}

func (g *gatedTokens) FetchActiveTokens(ctx context.Context, userID string) ([]domain.DeviceToken, error) {
	g.gate.Done()
	g.gate.Wait()
	return g.TokenRepository.FetchActiveTokens(ctx, userID)
}

// memStore is an in-memory storage boundary with the same conditional
// semantics as the real backends.
type memStore struct {
	mu sync.Mutex

	pending   []domain.PendingNotification
	fetchErr  error
	tokenErrs map[string]error
	// staleTokens returns inactive tokens too, like a lagging read replica.
	staleTokens bool
	// onDeactivate runs under the store lock after a token is flipped.
	onDeactivate func(token string)

	tokens     map[string][]domain.DeviceToken
	statuses   map[string]domain.NotificationStatus
	logs       []domain.DeliveryAttempt
	fetchCalls int
	fetchLimit int
	updates    int
	deactivate []string
}

var _ repository.Store = (*memStore)(nil)

func newMemStore(pending ...domain.PendingNotification) *memStore {
	statuses := make(map[string]domain.NotificationStatus, len(pending))
	for _, n := range pending {
		status := n.Status
		if status == "" {
			status = domain.StatusPending
		}
		statuses[n.ID] = status
	}

	return &memStore{
		pending:   pending,
		tokenErrs: map[string]error{},
		tokens:    map[string][]domain.DeviceToken{},
		statuses:  statuses,
	}
}

func (s *memStore) withTokens(userID string, tokens ...string) *memStore {
	for _, token := range tokens {
		s.tokens[userID] = append(s.tokens[userID], domain.DeviceToken{
			Token:      token,
			DeviceType: "android",
			UserID:     userID,
			Active:     true,
		})
	}
	return s
}

func (s *memStore) FetchPending(_ context.Context, limit int) ([]domain.PendingNotification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.fetchCalls++
	s.fetchLimit = limit
	if s.fetchErr != nil {
		return nil, s.fetchErr
	}

	out := make([]domain.PendingNotification, 0, len(s.pending))
	for _, n := range s.pending {
		if len(out) == limit {
			break
		}
		out = append(out, n)
	}
	return out, nil
}

func (s *memStore) UpdateStatus(_ context.Context, id string, status domain.NotificationStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.statuses[id] != domain.StatusPending {
		return domain.ErrConflict
	}
	s.statuses[id] = status
	s.updates++
	return nil
}

func (s *memStore) FetchActiveTokens(_ context.Context, userID string) ([]domain.DeviceToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.tokenErrs[userID]; err != nil {
		return nil, err
	}

	out := make([]domain.DeviceToken, 0, len(s.tokens[userID]))
	for _, token := range s.tokens[userID] {
		if token.Active || s.staleTokens {
			out = append(out, token)
		}
	}
	return out, nil
}

func (s *memStore) Deactivate(_ context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.deactivate = append(s.deactivate, token)
	for userID, tokens := range s.tokens {
		for i := range tokens {
			if tokens[i].Token == token {
				s.tokens[userID][i].Active = false
			}
		}
	}
	if s.onDeactivate != nil {
		s.onDeactivate(token)
	}
	return nil
}

func (s *memStore) Insert(_ context.Context, a *domain.DeliveryAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.logs = append(s.logs, *a)
	return nil
}

func (s *memStore) status(id string) domain.NotificationStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statuses[id]
}

func (s *memStore) logsFor(notificationID string) []domain.DeliveryAttempt {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]domain.DeliveryAttempt, 0)
	for _, log := range s.logs {
		if log.NotificationID == notificationID {
			out = append(out, log)
		}
	}
	return out
}

func (s *memStore) tokenActive(userID, token string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range s.tokens[userID] {
		if t.Token == token {
			return t.Active
		}
	}
	return false
}
