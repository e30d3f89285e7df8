package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"oncall-pager/internal/escalation"
	"oncall-pager/internal/incident/domain"
	"oncall-pager/internal/incident/repository"
	"oncall-pager/internal/provider"
	"oncall-pager/internal/security"
	"oncall-pager/internal/transferlog"
	"oncall-pager/internal/webhook"
)

const operator = "+821099990000"

type testServer struct {
	engine *gin.Engine
	svc    *escalation.Service
	repo   *repository.MemoryRepository
	mock   *provider.Mock
}

type serverOptions struct {
	signer   *security.CallbackSigner
	apiKeys  *security.APIKeyVerifier
	operator string
}

func newTestServer(t *testing.T, opts serverOptions) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	repo := repository.NewMemoryRepository()
	mock := provider.NewMock(nil)
	var svcOpts []escalation.Option
	if opts.signer != nil {
		svcOpts = append(svcOpts, escalation.WithSigner(opts.signer))
	}
	svc := escalation.NewService(repo, mock, escalation.Config{
		Primary:      domain.Contact{Name: "Kim", Address: "+821000000001"},
		Secondary:    domain.Contact{Name: "Lee", Address: "+821000000002"},
		MaxAttempts:  4,
		CallbackBase: "https://pager.example",
	}, nil, svcOpts...)
	router := webhook.NewRouter(svc, nil, mock, transferlog.NewMemoryStore(0, 0), nil, webhook.Config{OperatorNumber: opts.operator}, nil)
	engine := gin.New()
	var callback CallbackVerifier
	if opts.signer != nil {
		callback = opts.signer
	}
	var keys KeyVerifier
	if opts.apiKeys != nil {
		keys = opts.apiKeys
	}
	New(svc, router, callback, keys, Voice{}, nil).Register(engine)
	return &testServer{engine: engine, svc: svc, repo: repo, mock: mock}
}

func (s *testServer) do(method, target, contentType, body string, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	s.engine.ServeHTTP(w, req)
	return w
}

func (s *testServer) start(t *testing.T) string {
	t.Helper()
	p, err := s.svc.StartEscalation(context.Background(), "db down", "database is down")
	if err != nil {
		t.Fatalf("StartEscalation: %v", err)
	}
	return p.IncidentID
}

func (s *testServer) status(t *testing.T, id string) domain.Status {
	t.Helper()
	inc, err := s.repo.GetIncident(context.Background(), id)
	if err != nil || inc == nil {
		t.Fatalf("GetIncident: %v", err)
	}
	return inc.Status
}

func form(kv ...string) string {
	v := url.Values{}
	for i := 0; i+1 < len(kv); i += 2 {
		v.Set(kv[i], kv[i+1])
	}
	return v.Encode()
}

const formType = "application/x-www-form-urlencoded"

func TestStart(t *testing.T) {
	s := newTestServer(t, serverOptions{})
	w := s.do(http.MethodPost, "/webhook/start", "application/json", `{"incident_summary":"db down","tts_text":"database is down"}`, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body)
	}
	var got map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	id, _ := got["incident_id"].(string)
	if id == "" || got["call_id"] != "mock_call_"+id || got["role"] != domain.RolePrimary {
		t.Errorf("body = %v", got)
	}
}

func TestStart_RequiresSummary(t *testing.T) {
	s := newTestServer(t, serverOptions{})
	w := s.do(http.MethodPost, "/webhook/start", "application/json", `{"tts_text":"x"}`, nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

func TestAckRetryAndIncident(t *testing.T) {
	s := newTestServer(t, serverOptions{})
	id := s.start(t)

	w := s.do(http.MethodPost, "/webhook/retry/"+id, "", "", nil)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"status":"placed"`) {
		t.Fatalf("retry: %d %s", w.Code, w.Body)
	}
	w = s.do(http.MethodPost, "/webhook/ack/"+id, "", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("ack: %d %s", w.Code, w.Body)
	}
	w = s.do(http.MethodPost, "/webhook/retry/"+id, "", "", nil)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"status":"acknowledged"`) {
		t.Errorf("retry after ack: %d %s", w.Code, w.Body)
	}

	w = s.do(http.MethodGet, "/webhook/incident/"+id, "", "", nil)
	var inc IncidentResponse
	if err := json.Unmarshal(w.Body.Bytes(), &inc); err != nil {
		t.Fatal(err)
	}
	if inc.Status != string(domain.StatusAcknowledged) || inc.Attempts != 2 || inc.AcknowledgedAt == nil {
		t.Errorf("incident = %+v", inc)
	}

	w = s.do(http.MethodGet, "/webhook/incident/"+id+"/attempts", "", "", nil)
	var list struct {
		Attempts []AttemptResponse `json:"attempts"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &list); err != nil {
		t.Fatal(err)
	}
	if len(list.Attempts) != 3 || list.Attempts[2].Result != domain.ResultAck {
		t.Errorf("attempts = %+v", list.Attempts)
	}
}

func TestUnknownIncident(t *testing.T) {
	s := newTestServer(t, serverOptions{})
	for _, tc := range []struct{ method, path string }{
		{http.MethodPost, "/webhook/ack/missing"},
		{http.MethodPost, "/webhook/retry/missing"},
		{http.MethodGet, "/webhook/incident/missing"},
		{http.MethodGet, "/webhook/incident/missing/attempts"},
	} {
		if w := s.do(tc.method, tc.path, "", "", nil); w.Code != http.StatusNotFound {
			t.Errorf("%s %s = %d, want 404", tc.method, tc.path, w.Code)
		}
	}
}

func TestAPIKeyRequired(t *testing.T) {
	hash, err := security.HashAPIKey("s3cret", 4)
	if err != nil {
		t.Fatal(err)
	}
	s := newTestServer(t, serverOptions{apiKeys: security.NewAPIKeyVerifier(hash)})
	body := `{"incident_summary":"db down"}`

	if w := s.do(http.MethodPost, "/webhook/start", "application/json", body, nil); w.Code != http.StatusUnauthorized {
		t.Errorf("no key: %d, want 401", w.Code)
	}
	if w := s.do(http.MethodPost, "/webhook/start", "application/json", body, map[string]string{"X-API-Key": "wrong"}); w.Code != http.StatusUnauthorized {
		t.Errorf("wrong key: %d, want 401", w.Code)
	}
	if w := s.do(http.MethodPost, "/webhook/start", "application/json", body, map[string]string{"Authorization": "Bearer s3cret"}); w.Code != http.StatusOK {
		t.Errorf("bearer key: %d, want 200", w.Code)
	}
}

func TestTwilioVoice(t *testing.T) {
	s := newTestServer(t, serverOptions{})
	id := s.start(t)

	w := s.do(http.MethodPost, "/twilio/voice?incident_id="+id, formType, "", nil)
	if w.Code != http.StatusOK || !strings.HasPrefix(w.Header().Get("Content-Type"), "application/xml") {
		t.Fatalf("voice: %d %q", w.Code, w.Header().Get("Content-Type"))
	}
	body := w.Body.String()
	for _, want := range []string{
		`<Gather input="dtmf" numDigits="1" action="/twilio/gather?incident_id=` + id + `"`,
		"database is down",
		"<Hangup></Hangup>",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("twiml missing %q:\n%s", want, body)
		}
	}
}

func TestTwilioVoice_IgnoresTextParameter(t *testing.T) {
	s := newTestServer(t, serverOptions{})
	id := s.start(t)

	w := s.do(http.MethodPost, "/twilio/voice?incident_id="+id+"&text=all+clear", formType, "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("voice: %d", w.Code)
	}
	body := w.Body.String()
	if strings.Contains(body, "all clear") {
		t.Errorf("caller-supplied text was spoken:\n%s", body)
	}
	if !strings.Contains(body, "database is down") {
		t.Errorf("incident text missing:\n%s", body)
	}
}

func TestTwilioGather(t *testing.T) {
	t.Run("acknowledge", func(t *testing.T) {
		s := newTestServer(t, serverOptions{})
		id := s.start(t)
		w := s.do(http.MethodPost, "/twilio/gather?incident_id="+id, formType, form("Digits", "1", "CallSid", "CA1"), nil)
		if !strings.Contains(w.Body.String(), webhook.DefaultMessages().Confirmed) {
			t.Errorf("twiml = %s", w.Body)
		}
		if got := s.status(t, id); got != domain.StatusAcknowledged {
			t.Errorf("status = %q", got)
		}
	})
	t.Run("bridge", func(t *testing.T) {
		s := newTestServer(t, serverOptions{operator: operator})
		id := s.start(t)
		w := s.do(http.MethodPost, "/twilio/gather?incident_id="+id, formType, form("Digits", "1", "CallSid", "CA1"), nil)
		if !strings.Contains(w.Body.String(), "<Dial><Number>"+operator+"</Number></Dial>") {
			t.Errorf("twiml = %s", w.Body)
		}
	})
	t.Run("retry", func(t *testing.T) {
		s := newTestServer(t, serverOptions{})
		id := s.start(t)
		w := s.do(http.MethodPost, "/twilio/gather?incident_id="+id, formType, form("CallSid", "CA1"), nil)
		if !strings.Contains(w.Body.String(), webhook.DefaultMessages().Retrying) {
			t.Errorf("twiml = %s", w.Body)
		}
		if n := len(s.mock.Calls()); n != 2 {
			t.Errorf("calls = %d, want 2", n)
		}
	})
}

func TestTwilioStatus_InProgressMarksAnswered(t *testing.T) {
	s := newTestServer(t, serverOptions{})
	id := s.start(t)
	w := s.do(http.MethodPost, "/twilio/status?incident_id="+id, formType, form("CallStatus", "in-progress", "CallSid", "CA1"), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status: %d", w.Code)
	}
	if got := s.status(t, id); got != domain.StatusAnsweredUnacked {
		t.Errorf("status = %q, want %q", got, domain.StatusAnsweredUnacked)
	}
}

func TestCallbackTokenRequired(t *testing.T) {
	signer := security.NewCallbackSigner([]byte("callback-key"), 0)
	s := newTestServer(t, serverOptions{signer: signer})
	id := s.start(t)

	if w := s.do(http.MethodPost, "/twilio/gather?incident_id="+id, formType, form("Digits", "1"), nil); w.Code != http.StatusUnauthorized {
		t.Errorf("missing token: %d, want 401", w.Code)
	}
	token, err := signer.Sign(id)
	if err != nil {
		t.Fatal(err)
	}
	other, _ := signer.Sign("another-incident")
	if w := s.do(http.MethodPost, "/twilio/gather?incident_id="+id+"&token="+other, formType, form("Digits", "1"), nil); w.Code != http.StatusUnauthorized {
		t.Errorf("token for another incident: %d, want 401", w.Code)
	}
	w := s.do(http.MethodPost, "/twilio/gather?incident_id="+id+"&token="+token, formType, form("Digits", "1"), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("valid token: %d", w.Code)
	}
	if got := s.status(t, id); got != domain.StatusAcknowledged {
		t.Errorf("status = %q", got)
	}
	if calls := s.mock.Calls(); len(calls) != 1 || calls[0].CallbackToken == "" {
		t.Errorf("placed call carries no callback token: %+v", calls)
	}
}

func TestVonageGather(t *testing.T) {
	t.Run("object dtmf acknowledges", func(t *testing.T) {
		s := newTestServer(t, serverOptions{})
		id := s.start(t)
		w := s.do(http.MethodPost, "/vonage/gather?incident_id="+id, "application/json", `{"uuid":"u1","dtmf":{"digits":"1","timed_out":false}}`, nil)
		var ncco []map[string]any
		if err := json.Unmarshal(w.Body.Bytes(), &ncco); err != nil {
			t.Fatalf("ncco: %v (%s)", err, w.Body)
		}
		if len(ncco) != 1 || ncco[0]["action"] != "talk" {
			t.Errorf("ncco = %v", ncco)
		}
		if got := s.status(t, id); got != domain.StatusAcknowledged {
			t.Errorf("status = %q", got)
		}
	})
	t.Run("string dtmf retries", func(t *testing.T) {
		s := newTestServer(t, serverOptions{})
		id := s.start(t)
		s.do(http.MethodPost, "/vonage/gather?incident_id="+id, "application/json", `{"uuid":"u1","dtmf":"9"}`, nil)
		if n := len(s.mock.Calls()); n != 2 {
			t.Errorf("calls = %d, want 2", n)
		}
	})
	t.Run("bridge appends connect", func(t *testing.T) {
		s := newTestServer(t, serverOptions{operator: operator})
		id := s.start(t)
		w := s.do(http.MethodPost, "/vonage/gather?incident_id="+id, "application/json", `{"uuid":"u1","dtmf":{"digits":"1"}}`, nil)
		if !strings.Contains(w.Body.String(), `"action":"connect"`) || !strings.Contains(w.Body.String(), operator) {
			t.Errorf("ncco = %s", w.Body)
		}
	})
}

func TestVonageStatus(t *testing.T) {
	s := newTestServer(t, serverOptions{})
	id := s.start(t)
	w := s.do(http.MethodPost, "/vonage/status?incident_id="+id, "application/json", `{"uuid":"u1","status":"answered"}`, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status: %d", w.Code)
	}
	if got := s.status(t, id); got != domain.StatusAnsweredUnacked {
		t.Errorf("status = %q", got)
	}
}

func TestSolapiWebhook(t *testing.T) {
	s := newTestServer(t, serverOptions{})
	w := s.do(http.MethodPost, "/solapi/webhook", "application/json", `[{"messageId":"M1","status":"COMPLETE","to":"010"},{"messageId":"M2","status":"FAILED"}]`, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status: %d %s", w.Code, w.Body)
	}
	var got struct {
		Acks []webhook.Ack `json:"acks"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatal(err)
	}
	if len(got.Acks) != 2 || got.Acks[0].Status != "completed" || got.Acks[1].Status != "failed" {
		t.Errorf("acks = %+v", got.Acks)
	}
	if w := s.do(http.MethodPost, "/solapi/webhook", "application/json", `{"messageId":"M3"`, nil); w.Code != http.StatusBadRequest {
		t.Errorf("malformed: %d, want 400", w.Code)
	}
}
