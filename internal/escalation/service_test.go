package escalation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"oncall-pager/internal/incident/domain"
	"oncall-pager/internal/incident/repository"
	"oncall-pager/internal/provider"
)

var (
	primary   = domain.Contact{Name: "Kim", Address: "+821000000001"}
	secondary = domain.Contact{Name: "Lee", Address: "+821000000002"}
)

func newTestService(t *testing.T, cfg Config) (*Service, *repository.MemoryRepository, *provider.Mock) {
	t.Helper()
	repo := repository.NewMemoryRepository()
	mock := provider.NewMock(nil)
	if cfg.Primary.IsZero() {
		cfg.Primary = primary
	}
	return NewService(repo, mock, cfg, nil), repo, mock
}

func callees(calls []provider.PlaceCallRequest) []string {
	out := make([]string, len(calls))
	for i, c := range calls {
		out[i] = c.To
	}
	return out
}

func TestStartEscalation_CallsPrimaryAndLogsInitiated(t *testing.T) {
	ctx := context.Background()
	svc, repo, mock := newTestService(t, Config{Secondary: secondary, MaxAttempts: 4, CallbackBase: "https://p.example"})

	p, err := svc.StartEscalation(ctx, "db down", "database is down")
	if err != nil {
		t.Fatalf("StartEscalation: %v", err)
	}
	if p.Role != domain.RolePrimary || p.Callee != primary.Address || p.Attempt != 0 {
		t.Errorf("placement = %+v", p)
	}
	if p.CallID != "mock_call_"+p.IncidentID {
		t.Errorf("call id = %q", p.CallID)
	}
	inc, _ := repo.GetIncident(ctx, p.IncidentID)
	if inc.Attempts != 1 || inc.Status != domain.StatusNew || inc.TTSText != "database is down" {
		t.Errorf("incident = %+v", inc)
	}
	attempts, _ := repo.ListCallAttempts(ctx, p.IncidentID)
	if len(attempts) != 1 || attempts[0].Result != domain.ResultInitiated || attempts[0].Provider != "mock" {
		t.Errorf("attempts = %+v", attempts)
	}
	calls := mock.Calls()
	if len(calls) != 1 || calls[0].TTSText != "database is down" || calls[0].ContactName != "Kim" {
		t.Errorf("calls = %+v", calls)
	}
}

func TestRetryNext_AlternatesByParity(t *testing.T) {
	ctx := context.Background()
	svc, _, mock := newTestService(t, Config{Secondary: secondary, MaxAttempts: 6})

	p, _ := svc.StartEscalation(ctx, "s", "t")
	for i := 0; i < 3; i++ {
		res, err := svc.RetryNext(ctx, p.IncidentID, "t")
		if err != nil || res.Status != RetryPlaced {
			t.Fatalf("RetryNext %d = %+v, %v", i, res, err)
		}
	}
	want := []string{primary.Address, secondary.Address, primary.Address, secondary.Address}
	got := callees(mock.Calls())
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("callees = %v, want %v", got, want)
		}
	}
}

func TestRetryNext_NeverExceedsMaxAttempts(t *testing.T) {
	ctx := context.Background()
	svc, repo, mock := newTestService(t, Config{Secondary: secondary, MaxAttempts: 3})

	p, _ := svc.StartEscalation(ctx, "s", "t")
	var last RetryResult
	for i := 0; i < 10; i++ {
		last, _ = svc.RetryNext(ctx, p.IncidentID, "")
	}
	if last.Status != RetryMaxAttempts || last.Placement != nil {
		t.Errorf("last result = %+v", last)
	}
	inc, _ := repo.GetIncident(ctx, p.IncidentID)
	if inc.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", inc.Attempts)
	}
	if len(mock.Calls()) != 3 {
		t.Errorf("calls = %d, want 3", len(mock.Calls()))
	}
}

func TestRetryNext_ConcurrentNeverExceedsMaxAttempts(t *testing.T) {
	ctx := context.Background()
	svc, repo, mock := newTestService(t, Config{Secondary: secondary, MaxAttempts: 5})
	p, _ := svc.StartEscalation(ctx, "s", "t")

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = svc.RetryNext(ctx, p.IncidentID, "t")
		}()
	}
	wg.Wait()
	inc, _ := repo.GetIncident(ctx, p.IncidentID)
	if inc.Attempts != 5 || len(mock.Calls()) != 5 {
		t.Errorf("attempts = %d calls = %d, want 5", inc.Attempts, len(mock.Calls()))
	}
}

func TestNoSecondary_TwoPrimaryAttemptsThenMax(t *testing.T) {
	ctx := context.Background()
	svc, _, mock := newTestService(t, Config{MaxAttempts: 4})

	p, err := svc.StartEscalation(ctx, "s", "t")
	if err != nil {
		t.Fatalf("StartEscalation: %v", err)
	}
	res, _ := svc.RetryNext(ctx, p.IncidentID, "t")
	if res.Status != RetryPlaced || res.Placement.Role != domain.RolePrimary {
		t.Fatalf("second attempt = %+v", res)
	}
	res, _ = svc.RetryNext(ctx, p.IncidentID, "t")
	if res.Status != RetryMaxAttempts {
		t.Fatalf("third attempt = %+v, want max_attempts_reached", res)
	}
	got := callees(mock.Calls())
	if len(got) != 2 || got[0] != primary.Address || got[1] != primary.Address {
		t.Errorf("callees = %v", got)
	}
}

func TestAcknowledge_IsHardStop(t *testing.T) {
	ctx := context.Background()
	svc, repo, mock := newTestService(t, Config{Secondary: secondary, MaxAttempts: 6})
	p, _ := svc.StartEscalation(ctx, "s", "t")

	if err := svc.Acknowledge(ctx, p.IncidentID, "1"); err != nil {
		t.Fatalf("Acknowledge: %v", err)
	}
	inc, _ := repo.GetIncident(ctx, p.IncidentID)
	if inc.Status != domain.StatusAcknowledged || inc.AcknowledgedAt == nil {
		t.Fatalf("incident = %+v", inc)
	}
	for i := 0; i < 3; i++ {
		res, err := svc.RetryNext(ctx, p.IncidentID, "t")
		if err != nil || res.Status != RetryAcknowledged {
			t.Errorf("RetryNext after ack = %+v, %v", res, err)
		}
	}
	if len(mock.Calls()) != 1 {
		t.Errorf("calls = %d, want 1", len(mock.Calls()))
	}
}

func TestAcknowledge_Idempotent(t *testing.T) {
	ctx := context.Background()
	svc, repo, _ := newTestService(t, Config{Secondary: secondary})
	first := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return first }
	p, _ := svc.StartEscalation(ctx, "s", "t")

	_ = svc.Acknowledge(ctx, p.IncidentID, "1")
	svc.now = func() time.Time { return first.Add(time.Minute) }
	if err := svc.Acknowledge(ctx, p.IncidentID, "1"); err != nil {
		t.Fatalf("second Acknowledge: %v", err)
	}
	inc, _ := repo.GetIncident(ctx, p.IncidentID)
	if !inc.AcknowledgedAt.Equal(first) {
		t.Errorf("acknowledged_at = %v, want %v", inc.AcknowledgedAt, first)
	}
	if inc.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", inc.Attempts)
	}
	attempts, _ := repo.ListCallAttempts(ctx, p.IncidentID)
	acks := 0
	for _, a := range attempts {
		if a.Result == domain.ResultAck {
			acks++
			if a.DTMF != "1" || a.Callee != primary.Address {
				t.Errorf("ack attempt = %+v", a)
			}
		}
	}
	if acks != 2 {
		t.Errorf("ack rows = %d, want 2", acks)
	}
}

func TestUnknownIncident(t *testing.T) {
	ctx := context.Background()
	svc, _, mock := newTestService(t, Config{})

	res, err := svc.RetryNext(ctx, "missing", "t")
	if err != nil || res.Status != RetryIncidentNotFound {
		t.Errorf("RetryNext = %+v, %v", res, err)
	}
	if err := svc.Acknowledge(ctx, "missing", ""); !errors.Is(err, ErrIncidentNotFound) {
		t.Errorf("Acknowledge = %v", err)
	}
	if err := svc.MarkAnswered(ctx, "missing"); !errors.Is(err, ErrIncidentNotFound) {
		t.Errorf("MarkAnswered = %v", err)
	}
	if _, err := svc.Incident(ctx, "missing"); !errors.Is(err, ErrIncidentNotFound) {
		t.Errorf("Incident = %v", err)
	}
	if len(mock.Calls()) != 0 {
		t.Error("no calls should be placed for unknown incidents")
	}
}

func TestMarkAnswered_DoesNotOverrideAcknowledged(t *testing.T) {
	ctx := context.Background()
	svc, repo, _ := newTestService(t, Config{})
	p, _ := svc.StartEscalation(ctx, "s", "t")

	_ = svc.MarkAnswered(ctx, p.IncidentID)
	inc, _ := repo.GetIncident(ctx, p.IncidentID)
	if inc.Status != domain.StatusAnsweredUnacked {
		t.Fatalf("status = %s", inc.Status)
	}
	_ = svc.Acknowledge(ctx, p.IncidentID, "")
	_ = svc.MarkAnswered(ctx, p.IncidentID)
	inc, _ = repo.GetIncident(ctx, p.IncidentID)
	if inc.Status != domain.StatusAcknowledged {
		t.Errorf("status = %s, want acknowledged", inc.Status)
	}
}

type rejectingProvider struct{}

func (rejectingProvider) Name() string { return "twilio" }
func (rejectingProvider) PlaceCall(ctx context.Context, req provider.PlaceCallRequest) string {
	return provider.FailureID("twilio", req.IncidentID)
}
func (rejectingProvider) SendMessage(ctx context.Context, to, body string) string {
	return provider.FailureID("twilio", "sms")
}

func TestRetryNext_ProviderRejectionLogsFailed(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemoryRepository()
	svc := NewService(repo, rejectingProvider{}, Config{Primary: primary, Secondary: secondary}, nil)

	p, err := svc.StartEscalation(ctx, "s", "t")
	if err != nil {
		t.Fatalf("StartEscalation: %v", err)
	}
	if !p.Failed {
		t.Error("placement should be marked failed")
	}
	attempts, _ := repo.ListCallAttempts(ctx, p.IncidentID)
	if len(attempts) != 1 || attempts[0].Result != domain.ResultFailed {
		t.Errorf("attempts = %+v", attempts)
	}
	res, _ := svc.RetryNext(ctx, p.IncidentID, "t")
	if res.Status != RetryPlaced || res.Placement.Role != domain.RoleSecondary {
		t.Errorf("escalation should continue after a rejection: %+v", res)
	}
	if callee, _ := svc.LastCallee(ctx, p.IncidentID); callee != secondary.Address {
		t.Errorf("LastCallee = %q, want rejected secondary %q", callee, secondary.Address)
	}
}

func TestLastCallee(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t, Config{Secondary: secondary, MaxAttempts: 4})
	p, _ := svc.StartEscalation(ctx, "s", "t")
	_, _ = svc.RetryNext(ctx, p.IncidentID, "t")
	callee, err := svc.LastCallee(ctx, p.IncidentID)
	if err != nil || callee != secondary.Address {
		t.Errorf("LastCallee = %q, %v", callee, err)
	}
}

func TestLastCallee_SkipsUnattributedRows(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewMemoryRepository()
	svc := NewService(repo, provider.NewMock(nil), Config{Primary: primary, Secondary: secondary}, nil)
	inc, _ := svc.CreateIncident(ctx, "s", "t")
	if callee, _ := svc.LastCallee(ctx, inc.ID); callee != "" {
		t.Errorf("LastCallee = %q, want empty before any dial", callee)
	}
	for _, a := range []*domain.CallAttempt{
		{IncidentID: inc.ID, Callee: primary.Address, Result: domain.ResultInitiated},
		{IncidentID: inc.ID, Callee: secondary.Address, Result: domain.ResultFailed},
		{IncidentID: inc.ID, Callee: domain.UnknownCallee, Result: domain.ResultFailed},
		{IncidentID: inc.ID, Callee: "", Result: domain.ResultInitiated},
		{IncidentID: inc.ID, Callee: primary.Address, Result: domain.ResultAck},
	} {
		if err := repo.LogCallAttempt(ctx, a); err != nil {
			t.Fatalf("LogCallAttempt: %v", err)
		}
	}
	callee, err := svc.LastCallee(ctx, inc.ID)
	if err != nil || callee != secondary.Address {
		t.Errorf("LastCallee = %q, %v; want failed secondary %q", callee, err, secondary.Address)
	}
}

func TestDialContact_UsesGivenContact(t *testing.T) {
	ctx := context.Background()
	svc, _, mock := newTestService(t, Config{MaxAttempts: 4})
	inc, _ := svc.CreateIncident(ctx, "s", "")
	if inc.TTSText != "s" {
		t.Errorf("tts should default to summary, got %q", inc.TTSText)
	}
	other := domain.Contact{Name: "Park", Address: "+821000000003", Role: domain.RoleSecondary}
	for i := 0; i < 3; i++ {
		res, err := svc.DialContact(ctx, inc.ID, "", other)
		if err != nil || res.Status != RetryPlaced {
			t.Fatalf("DialContact %d = %+v, %v", i, res, err)
		}
	}
	for _, c := range mock.Calls() {
		if c.To != other.Address || c.TTSText != "s" {
			t.Errorf("call = %+v", c)
		}
	}
}

func TestStartEscalation_NoProvider(t *testing.T) {
	svc := NewService(repository.NewMemoryRepository(), nil, Config{Primary: primary}, nil)
	if _, err := svc.StartEscalation(context.Background(), "s", "t"); !errors.Is(err, provider.ErrProviderUnavailable) {
		t.Errorf("err = %v, want ErrProviderUnavailable", err)
	}
}
