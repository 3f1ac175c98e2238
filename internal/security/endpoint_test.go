package security

import (
	"context"
	"errors"
	"testing"
)

func TestWebhookPolicy_CheckURL(t *testing.T) {
	tests := []struct {
		url     string
		blocked bool
	}{
		{"https://hooks.example.com/infravault", false},
		{"http://93.184.216.34/cb", false},
		{"ftp://example.com", true},
		{"https://", true},
		{"http://localhost:8080/hook", true},
		{"http://LOCALHOST/hook", true},
		{"http://127.0.0.1/hook", true},
		{"http://10.1.2.3/hook", true},
		{"http://192.168.0.10/hook", true},
		{"http://169.254.169.254/latest/meta-data", true},
		{"http://[::1]/hook", true},
		{"http://0.0.0.0/hook", true},
		{"http://metadata.google.internal/", true},
		{"://bad", true},
	}
	for _, tt := range tests {
		_, err := WebhookPolicy.CheckURL(tt.url)
		if tt.blocked {
			if !errors.Is(err, ErrBlockedEndpoint) {
				t.Errorf("%s: expected ErrBlockedEndpoint, got %v", tt.url, err)
			}
		} else if err != nil {
			t.Errorf("%s: unexpected error %v", tt.url, err)
		}
	}
}

func TestWebhookPolicy_ValidateLiteralSkipsDNS(t *testing.T) {
	if err := WebhookPolicy.Validate(context.Background(), "https://93.184.216.34/cb"); err != nil {
		t.Errorf("public literal should pass: %v", err)
	}
	if err := ValidateEndpointURL("http://127.0.0.1:9000/cb"); err == nil {
		t.Error("loopback literal should be blocked")
	}
}

func TestProductionOraclePolicy(t *testing.T) {
	if _, err := ProductionOraclePolicy.CheckURL("http://relayer.internal:8545"); err == nil {
		t.Error("plain http relayer should be rejected in production")
	}
	if _, err := ProductionOraclePolicy.CheckURL("https://10.0.0.5/relay"); err != nil {
		t.Errorf("private https relayer should be allowed: %v", err)
	}
	if err := ProductionOraclePolicy.Validate(context.Background(), "https://relayer.internal"); err != nil {
		t.Errorf("internal policy must not resolve names: %v", err)
	}
}
