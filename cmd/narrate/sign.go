package main

import (
	"fmt"
	"sort"
	"time"

	"github.com/loqalabs/loqa-narrator/internal/credentials"
	"github.com/loqalabs/loqa-narrator/internal/narration"
	"github.com/loqalabs/loqa-narrator/internal/polly"
	"github.com/loqalabs/loqa-narrator/internal/ssml"
	"github.com/loqalabs/loqa-narrator/internal/voice"
	"github.com/spf13/cobra"
)

type signOptions struct {
	text   string
	voice  string
	rate   string
	region string
	at     string
	body   bool
}

func newSignCmd(root *rootOptions) *cobra.Command {
	opts := &signOptions{}
	cmd := &cobra.Command{
		Use:   "sign",
		Short: "Print the signed SynthesizeSpeech request for a piece of text",
		Long: `Builds the SSML and SigV4 headers narrate would send for --text, without
sending anything. Useful for checking credentials and clock skew with curl.

Example:
  narrate sign --text "Hello." --at 2024-01-02T03:04:05Z --body`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := root.load()
			if err != nil {
				return err
			}
			if opts.region != "" {
				cfg.Speech.Region = opts.region
			}
			now := time.Now
			if opts.at != "" {
				at, err := time.Parse(time.RFC3339, opts.at)
				if err != nil {
					return fmt.Errorf("invalid --at: %w", err)
				}
				now = func() time.Time { return at }
			}

			provider, err := credentials.New(cmd.Context(), cfg.Speech, root.logger(cmd.ErrOrStderr()))
			if err != nil {
				return err
			}
			settings, err := provider.Settings(cmd.Context())
			if err != nil {
				return err
			}
			if !settings.HasCredentials() {
				return fmt.Errorf("%w: set speech.access_key_id and speech.secret_access_key, or speech.use_default_chain", narration.ErrMissingCredentials)
			}
			if opts.voice != "" {
				settings.Voice = opts.voice
			}
			if opts.rate != "" {
				settings.SpeechRate = opts.rate
			}
			settings = settings.WithDefaults()

			sel := voice.Select(opts.text, settings.Voice)
			client := polly.New(
				polly.WithEndpoint(cfg.Speech.Endpoint),
				polly.WithSigningName(cfg.Speech.Service),
				polly.WithClock(now),
			)
			signed, err := client.Sign(polly.SpeechRequest{
				Credentials:  settings.Credentials(),
				Region:       settings.Region,
				Text:         ssml.Build(opts.text, settings.SpeechRate),
				VoiceID:      sel.VoiceID,
				LanguageCode: sel.LanguageCode,
			})
			if err != nil {
				return err
			}
			printSigned(cmd, signed, opts.body)
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.text, "text", "Hello.", "Text to narrate")
	cmd.Flags().StringVar(&opts.voice, "voice", "", "Polly voice id (overrides speech.voice)")
	cmd.Flags().StringVar(&opts.rate, "rate", "", "Speech rate (overrides speech.speech_rate)")
	cmd.Flags().StringVar(&opts.region, "region", "", "AWS region (overrides speech.region)")
	cmd.Flags().StringVar(&opts.at, "at", "", "Signing time as RFC 3339 (defaults to now)")
	cmd.Flags().BoolVar(&opts.body, "body", false, "Also print the JSON body")
	return cmd
}

func printSigned(cmd *cobra.Command, signed polly.SignedSpeech, withBody bool) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "POST %s\n", signed.URL)
	names := make([]string, 0, len(signed.Headers))
	for name := range signed.Headers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(out, "%s: %s\n", name, signed.Headers[name])
	}
	if withBody {
		fmt.Fprintf(out, "\n%s\n", signed.Body)
	}
}
