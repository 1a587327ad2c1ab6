package narration

import (
	"context"
	"strings"

	"github.com/loqalabs/loqa-narrator/internal/sigv4"
	"github.com/loqalabs/loqa-narrator/internal/ssml"
	"github.com/loqalabs/loqa-narrator/internal/voice"
)

const DefaultRegion = "us-east-1"

// Settings are the per-run inputs that come from the user's configuration
// rather than the request.
type Settings struct {
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	Region          string
	Voice           string
	SpeechRate      string
}

// HasCredentials reports whether both halves of the key pair are present.
func (s Settings) HasCredentials() bool {
	return strings.TrimSpace(s.AccessKeyID) != "" && strings.TrimSpace(s.SecretAccessKey) != ""
}

func (s Settings) Credentials() sigv4.Credentials {
	return sigv4.Credentials{
		AccessKeyID:     strings.TrimSpace(s.AccessKeyID),
		SecretAccessKey: strings.TrimSpace(s.SecretAccessKey),
		SessionToken:    strings.TrimSpace(s.SessionToken),
	}
}

// WithDefaults fills region and voice and canonicalises the speech rate.
func (s Settings) WithDefaults() Settings {
	if strings.TrimSpace(s.Region) == "" {
		s.Region = DefaultRegion
	}
	if strings.TrimSpace(s.Voice) == "" {
		s.Voice = voice.DefaultVoice
	}
	s.SpeechRate = ssml.NormalizeSpeechRate(s.SpeechRate)
	return s
}

// SettingsSource resolves Settings at the start of each run so rotated
// credentials are picked up without a restart.
type SettingsSource interface {
	Settings(ctx context.Context) (Settings, error)
}

// SettingsFunc adapts a function to SettingsSource.
type SettingsFunc func(ctx context.Context) (Settings, error)

func (f SettingsFunc) Settings(ctx context.Context) (Settings, error) { return f(ctx) }

// StaticSettings always returns s.
func StaticSettings(s Settings) SettingsSource {
	return SettingsFunc(func(context.Context) (Settings, error) { return s, nil })
}
