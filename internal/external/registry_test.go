package external

import (
	"context"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"civicnotify/internal/config"
)

func TestNewEmailProvider(t *testing.T) {
	tests := []struct {
		name     string
		env      string
		provider string
		want     any
	}{
		{"local always stubs", "local", ProviderSES, &StubEmailProvider{}},
		{"ses", "prod", ProviderSES, &SESClient{}},
		{"sendgrid", "prod", ProviderSendGrid, &SendGridClient{}},
		{"smtp", "staging", ProviderSMTP, &SMTPClient{}},
		{"stub", "dev", ProviderStub, &StubEmailProvider{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &config.Config{Environment: tt.env}
			cfg.Email.Provider = tt.provider
			cfg.Email.SMTPHost = "relay.example.org"

			p, err := NewEmailProvider(cfg, aws.Config{Region: "us-east-1"}, nil)
			require.NoError(t, err)
			assert.IsType(t, tt.want, p)
		})
	}
}

func TestNewEmailProvider_Unknown(t *testing.T) {
	cfg := &config.Config{Environment: "prod"}
	cfg.Email.Provider = "carrier-pigeon"

	_, err := NewEmailProvider(cfg, aws.Config{}, nil)
	assert.Error(t, err)
}

func TestStubEmailProvider_RecordsSends(t *testing.T) {
	stub := NewStubEmailProvider(nil)

	id1, err := stub.Send(context.Background(), testSendInput())
	require.NoError(t, err)
	id2, _ := stub.Send(context.Background(), testSendInput())

	assert.NotEqual(t, id1, id2)
	assert.Len(t, stub.Sent(), 2)
}
