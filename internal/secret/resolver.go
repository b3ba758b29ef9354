// Package secret resolves deployment secrets (the host token signing key,
// the Spacedeck API token) from environment variables or AWS SSM.
package secret

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
)

// SSMClient is the subset of *ssm.Client used by SSMResolver.
type SSMClient interface {
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

type Resolver interface {
	GetSecret(ctx context.Context, name string) (string, error)
}

// New returns the resolver for backend, or nil when backend is empty.
func New(ctx context.Context, backend string) (Resolver, error) {
	switch strings.ToLower(strings.TrimSpace(backend)) {
	case "":
		return nil, nil
	case "env":
		return NewEnvResolver(), nil
	case "ssm":
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		return NewSSMResolver(ssm.NewFromConfig(awsCfg)), nil
	default:
		return nil, fmt.Errorf("unknown secrets backend %q", backend)
	}
}

type SSMResolver struct {
	client SSMClient
}

func NewSSMResolver(client SSMClient) *SSMResolver {
	return &SSMResolver{client: client}
}

// GetSecret reads a SecureString parameter with decryption.
func (r *SSMResolver) GetSecret(ctx context.Context, name string) (string, error) {
	out, err := r.client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(name),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return "", fmt.Errorf("ssm get parameter %q: %w", name, err)
	}
	if out.Parameter == nil || out.Parameter.Value == nil {
		return "", fmt.Errorf("ssm parameter %q has no value", name)
	}
	return *out.Parameter.Value, nil
}

// EnvResolver maps "/whiteboard/spacedeck-api-token" to WB_SPACEDECK_API_TOKEN.
type EnvResolver struct{}

func NewEnvResolver() *EnvResolver {
	return &EnvResolver{}
}

func (r *EnvResolver) GetSecret(_ context.Context, name string) (string, error) {
	envName := paramNameToEnvVar(name)
	value := os.Getenv(envName)
	if value == "" {
		return "", fmt.Errorf("environment variable %q (from param %q) is not set", envName, name)
	}
	return value, nil
}

func paramNameToEnvVar(name string) string {
	parts := strings.Split(name, "/")
	last := parts[len(parts)-1]
	return "WB_" + strings.ToUpper(strings.ReplaceAll(last, "-", "_"))
}
