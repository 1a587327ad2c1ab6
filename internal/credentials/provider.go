// Package credentials resolves the AWS identity and speech defaults used for
// each narration run.
package credentials

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awscreds "github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/loqalabs/loqa-narrator/internal/config"
	"github.com/loqalabs/loqa-narrator/internal/narration"
)

const (
	SourceNone    = "none"
	SourceStatic  = "static"
	SourceDefault = "default-chain"
)

// Provider is a narration.SettingsSource backed by configuration and,
// optionally, the AWS SDK's default credential chain (environment, shared
// files, SSO, instance roles).
type Provider struct {
	cfg    config.SpeechConfig
	region string
	creds  aws.CredentialsProvider
	source string
	logger *slog.Logger
}

func New(ctx context.Context, cfg config.SpeechConfig, log *slog.Logger) (*Provider, error) {
	p := &Provider{
		cfg:    cfg,
		region: strings.TrimSpace(cfg.Region),
		source: SourceNone,
		logger: log.With(slog.String("component", "credentials")),
	}

	switch {
	case cfg.AccessKeyID != "" && cfg.SecretAccessKey != "":
		p.creds = aws.NewCredentialsCache(awscreds.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken))
		p.source = SourceStatic
	case cfg.UseDefaultChain:
		opts := []func(*awsconfig.LoadOptions) error{}
		if p.region != "" {
			opts = append(opts, awsconfig.WithRegion(p.region))
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		if p.region == "" {
			p.region = awsCfg.Region
		}
		p.creds = awsCfg.Credentials
		p.source = SourceDefault
	}

	p.logger.Info("speech credentials configured", slog.String("source", p.source), slog.String("region", p.region))
	return p, nil
}

// Source names where credentials come from: none, static or default-chain.
func (p *Provider) Source() string { return p.source }

// Settings returns the configured speech settings with freshly retrieved
// credentials. With no credential source the keys are left empty and the
// narrator rejects the run.
func (p *Provider) Settings(ctx context.Context) (narration.Settings, error) {
	s := narration.Settings{
		Region:     p.region,
		Voice:      p.cfg.Voice,
		SpeechRate: p.cfg.SpeechRate,
	}
	if p.creds == nil {
		return s, nil
	}
	creds, err := p.creds.Retrieve(ctx)
	if err != nil {
		return s, fmt.Errorf("retrieve aws credentials: %w", err)
	}
	s.AccessKeyID = creds.AccessKeyID
	s.SecretAccessKey = creds.SecretAccessKey
	s.SessionToken = creds.SessionToken
	return s, nil
}
