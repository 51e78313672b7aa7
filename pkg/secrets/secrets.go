// Package secrets resolves startup secrets such as the password pepper from
// Vault, AWS Secrets Manager or the process environment.
package secrets

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	vault "github.com/hashicorp/vault/api"
	"github.com/pkg/errors"
)

var (
	ErrProviderUnavailable = errors.New("secret provider unavailable")
	ErrNotFound            = errors.New("secret not found")
)

type Provider interface {
	GetSecret(ctx context.Context, name string) (string, error)
}

// Adapter asks the primary provider (Vault, then AWS) and falls back to the
// environment unless SECRETS_FAIL_CLOSED or SECRETS_REQUIRE_PRIMARY say otherwise.
type Adapter struct {
	primary        Provider
	fallback       Provider
	failClosed     bool
	requirePrimary bool
}

func NewAdapter(ctx context.Context) (*Adapter, error) {
	requirePrimary := strings.EqualFold(os.Getenv("SECRETS_REQUIRE_PRIMARY"), "true")
	var primary Provider
	if os.Getenv("VAULT_ADDR") != "" {
		vp, err := newVaultProvider(ctx)
		if err != nil {
			if requirePrimary {
				return nil, err
			}
		} else {
			primary = vp
		}
	}
	if primary == nil && os.Getenv("AWS_REGION") != "" {
		ap, err := newAWSProvider(ctx)
		if err != nil {
			if requirePrimary {
				return nil, err
			}
		} else {
			primary = ap
		}
	}
	if primary == nil && requirePrimary {
		return nil, errors.New("SECRETS_REQUIRE_PRIMARY=true but neither Vault nor AWS is available")
	}
	var fallback Provider
	if !requirePrimary {
		fallback = EnvProvider{}
	}
	return NewAdapterWith(primary, fallback, os.Getenv("SECRETS_FAIL_CLOSED") == "true", requirePrimary), nil
}

func NewAdapterWith(primary, fallback Provider, failClosed, requirePrimary bool) *Adapter {
	return &Adapter{
		primary:        primary,
		fallback:       fallback,
		failClosed:     failClosed,
		requirePrimary: requirePrimary,
	}
}

func (a *Adapter) GetSecret(ctx context.Context, name string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if a.primary != nil {
		val, err := a.primary.GetSecret(ctx, name)
		if err == nil && val != "" {
			return val, nil
		}
		if err == nil {
			err = ErrNotFound
		}
		if a.requirePrimary || a.failClosed {
			return "", errors.Wrapf(err, "primary provider failed for %s", name)
		}
	}
	if a.fallback != nil {
		return a.fallback.GetSecret(ctx, name)
	}
	return "", ErrProviderUnavailable
}

type vaultProvider struct {
	client     *vault.Client
	secretPath string
}

func newVaultProvider(ctx context.Context) (*vaultProvider, error) {
	vc := vault.DefaultConfig()
	vc.Address = os.Getenv("VAULT_ADDR")
	vc.Timeout = 5 * time.Second
	client, err := vault.NewClient(vc)
	if err != nil {
		return nil, errors.Wrap(err, "vault client")
	}
	if tokenFile := os.Getenv("VAULT_TOKEN_FILE"); tokenFile != "" {
		tokenBytes, err := os.ReadFile(tokenFile)
		if err != nil {
			return nil, errors.Wrap(err, "read VAULT_TOKEN_FILE")
		}
		client.SetToken(strings.TrimSpace(string(tokenBytes)))
	} else if token := os.Getenv("VAULT_TOKEN"); token != "" {
		client.SetToken(token)
	}
	healthCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if _, err := client.Sys().HealthWithContext(healthCtx); err != nil {
		return nil, errors.Wrap(err, "vault health check failed")
	}
	return &vaultProvider{
		client:     client,
		secretPath: getEnvOrDefault("VAULT_SECRET_PATH", "secret/data/kopy"),
	}, nil
}

// GetSecret reads a KV v2 entry and returns its "value" field.
func (v *vaultProvider) GetSecret(ctx context.Context, name string) (string, error) {
	secret, err := v.client.Logical().ReadWithContext(ctx, v.secretPath+"/"+name)
	if err != nil {
		return "", errors.Wrap(err, "vault read")
	}
	if secret == nil || secret.Data == nil {
		return "", errors.Wrap(ErrNotFound, name)
	}
	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return "", errors.New("vault: invalid secret format")
	}
	value, ok := data["value"].(string)
	if !ok {
		return "", errors.New("vault: value not found")
	}
	return value, nil
}

type awsProvider struct {
	client *secretsmanager.Client
	prefix string
}

func newAWSProvider(ctx context.Context) (*awsProvider, error) {
	ac, err := config.LoadDefaultConfig(ctx, config.WithRegion(os.Getenv("AWS_REGION")))
	if err != nil {
		return nil, errors.Wrap(err, "aws config")
	}
	return &awsProvider{
		client: secretsmanager.NewFromConfig(ac),
		prefix: getEnvOrDefault("AWS_SECRET_PREFIX", "kopy/"),
	}, nil
}

func (a *awsProvider) GetSecret(ctx context.Context, name string) (string, error) {
	id := a.prefix + name
	result, err := a.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: &id,
	})
	if err != nil {
		return "", errors.Wrapf(err, "get secret %s", id)
	}
	if result.SecretString == nil {
		return "", errors.New("secret is binary, not string")
	}
	return *result.SecretString, nil
}

// EnvProvider reads secrets from the process environment.
type EnvProvider struct{}

func (EnvProvider) GetSecret(ctx context.Context, name string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	val, ok := os.LookupEnv(name)
	if !ok {
		return "", errors.Wrap(ErrNotFound, name)
	}
	return val, nil
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
