// Package secrets resolves the shared webhook signing secret.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

// ErrMissingSecret means no signing secret is configured. It is a server
// misconfiguration, never a client error.
var ErrMissingSecret = errors.New("webhook secret is not configured")

// Source yields the current signing secret.
type Source interface {
	Secret(ctx context.Context) (string, error)
}

// Static is a fixed secret, usually read from WEBHOOK_SECRET.
type Static string

func (s Static) Secret(context.Context) (string, error) {
	if s == "" {
		return "", ErrMissingSecret
	}
	return string(s), nil
}

// SecretsManagerAPI is the subset of the Secrets Manager client we call.
type SecretsManagerAPI interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// SecretsManager reads the secret from AWS Secrets Manager and caches it for ttl.
type SecretsManager struct {
	client   SecretsManagerAPI
	secretID string
	ttl      time.Duration
	now      func() time.Time

	mu        sync.Mutex
	value     string
	fetchedAt time.Time
}

// AWSSecretsManager creates a cached Secrets Manager source. A ttl <= 0 disables caching.
func AWSSecretsManager(client SecretsManagerAPI, secretID string, ttl time.Duration) *SecretsManager {
	return &SecretsManager{
		client:   client,
		secretID: secretID,
		ttl:      ttl,
		now:      time.Now,
	}
}

// NewSecretsManagerClient builds a client from the default AWS credential chain.
func NewSecretsManagerClient(ctx context.Context) (*secretsmanager.Client, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return secretsmanager.NewFromConfig(cfg), nil
}

func (s *SecretsManager) Secret(ctx context.Context) (string, error) {
	if s.secretID == "" {
		return "", ErrMissingSecret
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.value != "" && s.ttl > 0 && s.now().Sub(s.fetchedAt) < s.ttl {
		return s.value, nil
	}

	result, err := s.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(s.secretID),
	})
	if err != nil {
		// serve the last known secret while Secrets Manager is unavailable
		if s.value != "" {
			return s.value, nil
		}
		return "", fmt.Errorf("get secret value %s: %w", s.secretID, err)
	}
	if result.SecretString == nil || *result.SecretString == "" {
		return "", fmt.Errorf("secret %s has no string value: %w", s.secretID, ErrMissingSecret)
	}

	s.value = *result.SecretString
	s.fetchedAt = s.now()
	return s.value, nil
}
