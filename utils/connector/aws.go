package connector

import (
	"context"
	"fmt"
	"sync"

	"escrowgo/internal/config"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"go.uber.org/zap"
)

func LoadAWSConfig(ctx context.Context) (aws.Config, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return cfg, fmt.Errorf("failed to load aws config: %w", err)
	}
	return cfg, nil
}

type secretsAPI interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

type SecretsClient struct {
	client secretsAPI
	cache  map[string]string
	mu     sync.RWMutex
}

func NewSecretsClient(cfg aws.Config) *SecretsClient {
	return &SecretsClient{
		client: secretsmanager.NewFromConfig(cfg),
		cache:  make(map[string]string),
	}
}

func (s *SecretsClient) GetSecret(ctx context.Context, name string) (string, error) {
	s.mu.RLock()
	if v, ok := s.cache[name]; ok {
		s.mu.RUnlock()
		return v, nil
	}
	s.mu.RUnlock()

	out, err := s.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{SecretId: &name})
	if err != nil {
		return "", fmt.Errorf("failed to get secret %s: %w", name, err)
	}
	if out.SecretString == nil {
		return "", fmt.Errorf("secret %s has no string value", name)
	}

	s.mu.Lock()
	s.cache[name] = *out.SecretString
	s.mu.Unlock()

	return *out.SecretString, nil
}

// Credentials are the signing secrets the daemon needs at start-up.
type Credentials struct {
	BridgeKey string
	APISecret string
}

// ResolveCredentials prefers inline values from the config and falls back
// to Secrets Manager names. secrets may be nil when AWS is disabled.
func ResolveCredentials(ctx context.Context, cfg *config.Config, secrets *SecretsClient, logger *zap.Logger) (Credentials, error) {
	creds := Credentials{BridgeKey: cfg.Chain.BridgeKey, APISecret: cfg.Juno.APISecret}

	lookup := func(name, what string) (string, error) {
		if secrets == nil {
			return "", fmt.Errorf("%s must be set inline when AWS_SECRETS_ENABLED is false", what)
		}
		v, err := secrets.GetSecret(ctx, name)
		if err != nil {
			return "", err
		}
		logger.Info("loaded secret", zap.String("what", what), zap.String("name", name))
		return v, nil
	}

	var err error
	if creds.BridgeKey == "" {
		if creds.BridgeKey, err = lookup(cfg.Chain.BridgeKeySecret, "bridge key"); err != nil {
			return creds, err
		}
	}
	if creds.APISecret == "" {
		if creds.APISecret, err = lookup(cfg.Juno.APISecretName, "fiat rail api secret"); err != nil {
			return creds, err
		}
	}
	return creds, nil
}
