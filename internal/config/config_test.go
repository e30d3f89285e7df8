package config

import (
	"os"
	"strings"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	os.Clearenv()

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTPAddr != ":8000" {
		t.Errorf("HTTPAddr = %q, want %q", cfg.HTTPAddr, ":8000")
	}
	if cfg.GRPCAddr != ":8080" {
		t.Errorf("GRPCAddr = %q, want %q", cfg.GRPCAddr, ":8080")
	}
	if cfg.VoiceProvider != "mock" {
		t.Errorf("VoiceProvider = %q, want mock", cfg.VoiceProvider)
	}
	if cfg.MaxAttempts != 4 {
		t.Errorf("MaxAttempts = %d, want 4", cfg.MaxAttempts)
	}
	if cfg.RingTimeout() != 30*time.Second {
		t.Errorf("RingTimeout = %v, want 30s", cfg.RingTimeout())
	}
	if cfg.ClassifierMinAnsweredDuration() != 5*time.Second {
		t.Errorf("ClassifierMinAnswered = %v, want 5s", cfg.ClassifierMinAnsweredDuration())
	}
	if cfg.ClassifierMaxWaitDuration() != 20*time.Second {
		t.Errorf("ClassifierMaxWait = %v, want 20s", cfg.ClassifierMaxWaitDuration())
	}
	if cfg.EventsKafkaTopic != "oncall-escalation-events" {
		t.Errorf("EventsKafkaTopic = %q", cfg.EventsKafkaTopic)
	}
	if cfg.TransferLogMaxEntries != 1000 {
		t.Errorf("TransferLogMaxEntries = %d, want 1000", cfg.TransferLogMaxEntries)
	}
	if cfg.Location() != time.UTC {
		t.Errorf("Location = %v, want UTC", cfg.Location())
	}
}

func TestLoad_EnvVarOverride(t *testing.T) {
	os.Clearenv()
	os.Setenv("HTTP_ADDR", ":9000")
	os.Setenv("VOICE_PROVIDER", "twilio")
	os.Setenv("MAX_ATTEMPTS", "6")
	os.Setenv("CLASSIFIER_MIN_ANSWERED", "8s")
	os.Setenv("SECONDARY_CONTACT", "+821000000002")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTPAddr != ":9000" || cfg.VoiceProvider != "twilio" || cfg.MaxAttempts != 6 {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.ClassifierMinAnsweredDuration() != 8*time.Second {
		t.Errorf("ClassifierMinAnswered = %v, want 8s", cfg.ClassifierMinAnsweredDuration())
	}
	if cfg.SecondaryContact != "+821000000002" {
		t.Errorf("SecondaryContact = %q", cfg.SecondaryContact)
	}
}

func TestLoad_Validation(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr string
	}{
		{"zero max attempts", map[string]string{"MAX_ATTEMPTS": "0"}, "MAX_ATTEMPTS"},
		{"zero call timeout", map[string]string{"CALL_TIMEOUT_SECONDS": "0"}, "CALL_TIMEOUT_SECONDS"},
		{"bad provider timeout", map[string]string{"PROVIDER_TIMEOUT": "soon"}, "PROVIDER_TIMEOUT"},
		{"negative max wait", map[string]string{"CLASSIFIER_MAX_WAIT": "-1s"}, "CLASSIFIER_MAX_WAIT"},
		{"unknown timezone", map[string]string{"TIMEZONE": "Mars/Olympus"}, "TIMEZONE"},
		{"production without signing key", map[string]string{"APP_ENV": "production"}, "CALLBACK_SIGNING_KEY"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			os.Clearenv()
			for k, v := range tt.env {
				os.Setenv(k, v)
			}
			_, err := Load()
			if err == nil {
				t.Fatal("Load should fail")
			}
			if !strings.HasPrefix(err.Error(), "config:") || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("err = %v, want config error naming %s", err, tt.wantErr)
			}
		})
	}
}

func TestLoad_ProductionWithSigningKey(t *testing.T) {
	os.Clearenv()
	os.Setenv("APP_ENV", "production")
	os.Setenv("CALLBACK_SIGNING_KEY", "s3cret")

	if _, err := Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
}

func TestDurationHelpers_FallBackOnInvalid(t *testing.T) {
	cfg := &Config{ProviderTimeout: "nope", CallbackTokenTTL: "0s", TransferLogTTL: "-5m"}
	if got := cfg.ProviderTimeoutDuration(); got != 10*time.Second {
		t.Errorf("ProviderTimeoutDuration = %v, want 10s", got)
	}
	if got := cfg.CallbackTokenTTLDuration(); got != 2*time.Hour {
		t.Errorf("CallbackTokenTTLDuration = %v, want 2h", got)
	}
	if got := cfg.TransferLogTTLDuration(); got != time.Hour {
		t.Errorf("TransferLogTTLDuration = %v, want 1h", got)
	}
}

func TestLists(t *testing.T) {
	cfg := &Config{KafkaBrokers: "a:9092, b:9092,,", SimulatorAllowedOrigins: "https://ops.example.com"}
	brokers := cfg.KafkaBrokersList()
	if len(brokers) != 2 || brokers[0] != "a:9092" || brokers[1] != "b:9092" {
		t.Errorf("KafkaBrokersList = %v", brokers)
	}
	if origins := cfg.AllowedOrigins(); len(origins) != 1 {
		t.Errorf("AllowedOrigins = %v", origins)
	}
	var nilCfg *Config
	if nilCfg.KafkaBrokersList() != nil || (&Config{}).AllowedOrigins() != nil {
		t.Error("empty lists should be nil")
	}
}
