package playback

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/mattn/go-shellwords"
)

// ExecPlayer pipes each chunk into an external decoder such as
// "mpg123 -q -" or "ffplay -nodisp -autoexit -".
type ExecPlayer struct {
	cmd []string
}

func NewExecPlayer(command string) (*ExecPlayer, error) {
	parser := shellwords.NewParser()
	parser.ParseEnv = true
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse playback command: %w", err)
	}
	if len(args) == 0 {
		return nil, errors.New("playback command empty")
	}
	return &ExecPlayer{cmd: args}, nil
}

func (p *ExecPlayer) Play(ctx context.Context, item Item) error {
	cmd := exec.CommandContext(ctx, p.cmd[0], p.cmd[1:]...)
	cmd.Stdin = bytes.NewReader(item.Audio)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if msg := bytes.TrimSpace(stderr.Bytes()); len(msg) > 0 {
			return fmt.Errorf("%s: %w: %s", p.cmd[0], err, msg)
		}
		return fmt.Errorf("%s: %w", p.cmd[0], err)
	}
	return nil
}

// DirectoryPlayer "plays" chunks by writing them to <dir>/<prefix>-<index>.<format>.
type DirectoryPlayer struct {
	dir    string
	prefix string
}

func NewDirectoryPlayer(dir, prefix string) (*DirectoryPlayer, error) {
	if dir == "" {
		return nil, errors.New("playback directory empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create playback dir: %w", err)
	}
	if prefix == "" {
		prefix = "chunk"
	}
	return &DirectoryPlayer{dir: dir, prefix: prefix}, nil
}

// Path returns where item is written.
func (p *DirectoryPlayer) Path(item Item) string {
	format := item.Format
	if format == "" {
		format = "mp3"
	}
	return filepath.Join(p.dir, fmt.Sprintf("%s-%04d.%s", p.prefix, item.Index, format))
}

func (p *DirectoryPlayer) Play(ctx context.Context, item Item) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path := p.Path(item)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, item.Audio, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// SessionDirectories writes each session key's chunks into its own
// subdirectory of dir so concurrent sessions never overwrite each other.
func SessionDirectories(dir, prefix string) PlayerFactory {
	return func(sessionKey string) (Player, error) {
		return NewDirectoryPlayer(filepath.Join(dir, safeName(sessionKey)), prefix)
	}
}

func safeName(key string) string {
	name := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, key)
	if strings.Trim(name, "_") == "" {
		return "session"
	}
	return name
}
