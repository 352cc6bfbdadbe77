package credentials

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"

	"github.com/akylbek/payment-system/recurring-orchestrator/internal/models"
)

// SecretsAPI is the subset of the Secrets Manager client used here.
type SecretsAPI interface {
	GetSecretValue(ctx context.Context, in *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// SecretsManagerStore reads one JSON secret per environment, named
// "{prefix}/{environment}", and caches parsed values for the process lifetime.
type SecretsManagerStore struct {
	client SecretsAPI
	prefix string
	cache  map[models.Environment]*Credentials
	mu     sync.RWMutex
}

func NewSecretsManagerStore(cfg aws.Config, prefix string) *SecretsManagerStore {
	return NewSecretsManagerStoreWithClient(secretsmanager.NewFromConfig(cfg), prefix)
}

func NewSecretsManagerStoreWithClient(client SecretsAPI, prefix string) *SecretsManagerStore {
	return &SecretsManagerStore{
		client: client,
		prefix: prefix,
		cache:  make(map[models.Environment]*Credentials),
	}
}

func (s *SecretsManagerStore) SecretName(env models.Environment) string {
	return fmt.Sprintf("%s/%s", s.prefix, env.Canonical())
}

func (s *SecretsManagerStore) Credentials(ctx context.Context, env models.Environment) (*Credentials, error) {
	env = env.Canonical()

	s.mu.RLock()
	if c, ok := s.cache[env]; ok {
		s.mu.RUnlock()
		return c, nil
	}
	s.mu.RUnlock()

	name := s.SecretName(env)
	out, err := s.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{SecretId: aws.String(name)})
	if err != nil {
		return nil, fmt.Errorf("failed to get secret %s: %w", name, err)
	}
	if out.SecretString == nil {
		return nil, fmt.Errorf("secret %s has no string value", name)
	}

	var c Credentials
	if err := json.Unmarshal([]byte(*out.SecretString), &c); err != nil {
		return nil, fmt.Errorf("failed to decode secret %s: %w", name, err)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("secret %s: %w", name, err)
	}

	s.mu.Lock()
	s.cache[env] = &c
	s.mu.Unlock()

	return &c, nil
}
