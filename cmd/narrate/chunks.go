package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/loqalabs/loqa-narrator/internal/chunker"
	"github.com/loqalabs/loqa-narrator/internal/narration"
	"github.com/spf13/cobra"
)

const previewRunes = 48

type chunksOptions struct {
	voice  string
	size   int
	asJSON bool
}

type chunkView struct {
	Index        int    `json:"index"`
	Voice        string `json:"voice"`
	LanguageCode string `json:"language_code,omitempty"`
	Chars        int    `json:"chars"`
	Text         string `json:"text"`
}

func newChunksCmd(root *rootOptions) *cobra.Command {
	opts := &chunksOptions{}
	cmd := &cobra.Command{
		Use:   "chunks [file]",
		Short: "Show how text would be split and voiced, without calling Polly",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := root.load()
			if err != nil {
				return err
			}
			text, err := readText(cmd.InOrStdin(), args)
			if err != nil {
				return err
			}
			size := cfg.Narration.ChunkSize
			if opts.size > 0 {
				size = opts.size
			}
			preferred := cfg.Speech.Voice
			if opts.voice != "" {
				preferred = opts.voice
			}

			text = chunker.Truncate(chunker.Normalize(text), cfg.Narration.MaxTotalChars)
			plan := narration.Plan(text, size, preferred, nil)
			views := make([]chunkView, 0, len(plan))
			for _, c := range plan {
				views = append(views, chunkView{
					Index:        c.Index,
					Voice:        c.Voice.VoiceID,
					LanguageCode: c.Voice.LanguageCode,
					Chars:        len([]rune(c.Content)),
					Text:         c.Content,
				})
			}

			if opts.asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(views)
			}
			if len(views) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), narration.ErrEmptyText.Error())
				return nil
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "INDEX\tVOICE\tCHARS\tTEXT")
			for _, v := range views {
				fmt.Fprintf(tw, "%d\t%s\t%d\t%s\n", v.Index, v.Voice, v.Chars, preview(v.Text))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&opts.voice, "voice", "", "Preferred voice (overrides speech.voice)")
	cmd.Flags().IntVar(&opts.size, "size", 0, "Chunk size in characters (overrides narration.chunk_size)")
	cmd.Flags().BoolVar(&opts.asJSON, "json", false, "Print the full chunks as JSON")
	return cmd
}

func preview(text string) string {
	runes := []rune(text)
	if len(runes) <= previewRunes {
		return text
	}
	return string(runes[:previewRunes-3]) + "..."
}
