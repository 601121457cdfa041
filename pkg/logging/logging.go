// Package logging configures the global zerolog logger.
package logging

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	FileName   = "deploy.log"
	MaxAgeDays = 7
)

type Options struct {
	Level string
	// Dir receives FileName. Empty logs to stderr only.
	Dir     string
	Console io.Writer
	// Now is used to schedule the daily rotation.
	Now func() time.Time
}

type closer struct {
	file   *lumberjack.Logger
	cancel context.CancelFunc
	done   chan struct{}
}

func (c *closer) Close() error {
	if c.cancel != nil {
		c.cancel()
		<-c.done
	}
	if c.file == nil {
		return nil
	}
	return c.file.Close()
}

// Setup sets the global level and output. With a log dir, entries also go
// to <dir>/deploy.log, which is rotated at local midnight and kept for
// MaxAgeDays days. The returned Closer stops the rotation and closes the file.
func Setup(opts Options) (io.Closer, error) {
	lvl, err := zerolog.ParseLevel(opts.Level)
	if err != nil {
		return nil, fmt.Errorf("failed to parse log level %q: %w", opts.Level, err)
	}
	if opts.Console == nil {
		opts.Console = os.Stderr
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	zerolog.SetGlobalLevel(lvl)
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	console := zerolog.ConsoleWriter{Out: opts.Console}
	if opts.Dir == "" {
		log.Logger = log.Output(console)
		return &closer{}, nil
	}

	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log dir %s: %w", opts.Dir, err)
	}
	file := &lumberjack.Logger{
		Filename:  filepath.Join(opts.Dir, FileName),
		MaxAge:    MaxAgeDays,
		LocalTime: true,
	}
	log.Logger = log.Output(zerolog.MultiLevelWriter(console, file))

	ctx, cancel := context.WithCancel(context.Background())
	c := &closer{file: file, cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(c.done)
		rotateDaily(ctx, file, opts.Now)
	}()
	return c, nil
}

func rotateDaily(ctx context.Context, file *lumberjack.Logger, now func() time.Time) {
	for {
		timer := time.NewTimer(UntilMidnight(now()))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		if err := file.Rotate(); err != nil {
			log.Error().Err(err).Msg("failed to rotate log file")
		}
	}
}

// UntilMidnight returns the time left until the next local midnight.
func UntilMidnight(t time.Time) time.Duration {
	y, m, d := t.Date()
	next := time.Date(y, m, d+1, 0, 0, 0, 0, t.Location())
	return next.Sub(t)
}
