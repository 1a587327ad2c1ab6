package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/loqalabs/loqa-narrator/internal/credentials"
	"github.com/loqalabs/loqa-narrator/internal/narration"
	"github.com/loqalabs/loqa-narrator/internal/playback"
	"github.com/loqalabs/loqa-narrator/internal/polly"
	"github.com/spf13/cobra"
)

const cliSessionKey = "cli"

type speakOptions struct {
	voice  string
	rate   string
	region string
	out    string
	play   bool
	quiet  bool
}

func newSpeakCmd(root *rootOptions) *cobra.Command {
	opts := &speakOptions{}
	cmd := &cobra.Command{
		Use:   "speak [file]",
		Short: "Narrate a text file or stdin",
		Long: `Narrates the file (or stdin) chunk by chunk. By default each chunk is written
to --out as narration-NNNN.mp3; --play pipes chunks to playback.command instead.
Ctrl-C stops the narration and discards unplayed audio.

Examples:
  narrate speak article.txt --out ./audio
  pbpaste | narrate speak --play --rate 1.25`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSpeak(cmd, root, opts, args)
		},
	}
	cmd.Flags().StringVar(&opts.voice, "voice", "", "Polly voice id (overrides speech.voice)")
	cmd.Flags().StringVar(&opts.rate, "rate", "", "Speech rate: 0.75, 1 or 1.25 (overrides speech.speech_rate)")
	cmd.Flags().StringVar(&opts.region, "region", "", "AWS region (overrides speech.region)")
	cmd.Flags().StringVar(&opts.out, "out", "narration", "Directory that receives the audio chunks")
	cmd.Flags().BoolVar(&opts.play, "play", false, "Play chunks with playback.command instead of saving them")
	cmd.Flags().BoolVarP(&opts.quiet, "quiet", "q", false, "Do not print progress")
	return cmd
}

func runSpeak(cmd *cobra.Command, root *rootOptions, opts *speakOptions, args []string) error {
	cfg, err := root.load()
	if err != nil {
		return err
	}
	if opts.voice != "" {
		cfg.Speech.Voice = opts.voice
	}
	if opts.region != "" {
		cfg.Speech.Region = opts.region
	}
	text, err := readText(cmd.InOrStdin(), args)
	if err != nil {
		return err
	}

	logger := root.logger(cmd.ErrOrStderr())
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	creds, err := credentials.New(ctx, cfg.Speech, logger)
	if err != nil {
		return err
	}
	client := polly.New(
		polly.WithEndpoint(cfg.Speech.Endpoint),
		polly.WithSigningName(cfg.Speech.Service),
		polly.WithTimeout(time.Duration(cfg.Speech.RequestTimeoutMS)*time.Millisecond),
		polly.WithRateLimit(cfg.Speech.RequestsPerSecond),
	)

	var player playback.Player
	if opts.play {
		player, err = playback.NewExecPlayer(cfg.Playback.Command)
	} else {
		player, err = playback.NewDirectoryPlayer(opts.out, "narration")
	}
	if err != nil {
		return err
	}
	queue := playback.NewQueue(ctx, player, logger)
	defer queue.Close()

	progress := &progressSink{out: cmd.ErrOrStderr(), quiet: opts.quiet}
	narrator := narration.New(ctx, cfg.Narration, client, creds,
		narration.MultiSink{progress, playback.NewSink(cliSessionKey, queue, logger)}, logger)
	defer narrator.Close()

	session, err := narrator.Start(ctx, narration.StartRequest{SessionKey: cliSessionKey, Text: text, SpeechRate: opts.rate})
	if err != nil {
		return err
	}
	state, err := session.Wait(context.Background())
	if err != nil {
		return err
	}

	switch state {
	case narration.StateFailed:
		return errors.New(progress.failure())
	case narration.StateCancelled:
		return errors.New(narration.StatusCancelled)
	}
	if err := queue.Wait(ctx); err != nil {
		return errors.New(narration.StatusCancelled)
	}
	if !opts.play && !opts.quiet {
		fmt.Fprintf(cmd.OutOrStdout(), "wrote %d chunk(s) to %s\n", session.ChunksEmitted(), opts.out)
	}
	return nil
}

// progressSink prints status updates and remembers the failure message.
type progressSink struct {
	out   io.Writer
	quiet bool

	mu      sync.Mutex
	message string
}

func (p *progressSink) Emit(e narration.Event) {
	switch e.Type {
	case narration.EventStatus:
		if !p.quiet {
			fmt.Fprintln(p.out, e.Status)
		}
	case narration.EventError:
		p.mu.Lock()
		p.message = e.Message
		p.mu.Unlock()
	case narration.EventComplete:
		if !p.quiet {
			fmt.Fprintln(p.out, "Narration complete.")
		}
	}
}

func (p *progressSink) failure() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.message == "" {
		return "narration failed"
	}
	return p.message
}
