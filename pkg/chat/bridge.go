// Bridge relays lines typed locally to the call's message channel and prints
// what the other side sends.
//
// If TranscriptDir is set, every message of the call is appended to
// "${TranscriptDir}/transcript.log". Transcripts of earlier calls are kept
// by version: with Versions greater than 1, the previous file becomes
// transcript.log.1, the one before transcript.log.2, and so on, the oldest
// being deleted once Versions files exist (see: shiftFileVersions()).

package chat

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"relay-call/pkg/log"

	"github.com/pkg/errors"
)

const TranscriptName = "transcript.log"

var errNotDirectory = errors.New("not a directory")

type Bridge struct {
	cfg Config

	in  io.Reader
	out io.Writer

	transcriptMx sync.Mutex
	transcript   io.WriteCloser
}

type Config struct {
	Name          string
	TranscriptDir string
	Versions      uint16
}

func NewBridge(cfg Config, in io.Reader, out io.Writer) (*Bridge, error) {
	// Checked before connecting so a bad path is not reported mid-call.
	if len(cfg.TranscriptDir) != 0 {
		fi, err := os.Stat(cfg.TranscriptDir)
		if err != nil {
			return nil, err
		}

		if !fi.IsDir() {
			return nil, errors.Wrap(errNotDirectory, cfg.TranscriptDir)
		}
	}

	if len(cfg.Name) > 0xff {
		return nil, errors.Wrap(errTooLong, "name")
	}

	return &Bridge{
		cfg: cfg,
		in:  in,
		out: out,
	}, nil
}

// Run relays until the channel closes, local input ends or ctx is done. The
// channel is closed on return.
func (b *Bridge) Run(ctx context.Context, channel io.ReadWriteCloser) error {
	if err := b.openTranscript(); err != nil {
		return err
	}
	defer b.closeTranscript()

	errc := make(chan error, 2)

	go func() { errc <- b.receive(channel) }()
	go func() { errc <- b.send(channel) }()

	var err error

	select {
	case err = <-errc:
	case <-ctx.Done():
	}

	if cerr := channel.Close(); cerr != nil {
		log.Debugf("close message channel: %s", cerr)
	}

	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
		return nil
	}

	return err
}

func (b *Bridge) send(w io.Writer) error {
	scanner := bufio.NewScanner(b.in)

	for scanner.Scan() {
		text := strings.TrimRight(scanner.Text(), "\r")
		if len(text) == 0 {
			continue
		}

		m := Message{Sender: b.cfg.Name, Text: text}

		b.record(m)

		if err := WriteMessage(w, m); err != nil {
			return errors.Wrap(err, "send message")
		}
	}

	if err := scanner.Err(); err != nil {
		return err
	}

	log.Info("local input closed")

	return io.EOF
}

func (b *Bridge) receive(r io.Reader) error {
	buf := make([]byte, bufferSize())

	for {
		m, err := ReadMessage(r, buf)
		if err != nil {
			if errors.Is(err, io.EOF) {
				log.Info("message channel closed by remote side")
			}

			return err
		}

		if _, err := fmt.Fprintf(b.out, "%s: %s\n", displayName(m.Sender), m.Text); err != nil {
			return err
		}

		b.record(m)
	}
}

func displayName(sender string) string {
	if len(sender) == 0 {
		return "peer"
	}

	return sender
}

func (b *Bridge) openTranscript() error {
	if len(b.cfg.TranscriptDir) == 0 {
		return nil
	}

	path := filepath.Join(b.cfg.TranscriptDir, TranscriptName)

	b.shiftFileVersions(path)

	f, err := os.Create(path)
	if err != nil {
		return err
	}

	b.transcript = f

	log.Info("writing transcript: ", path)

	return nil
}

func (b *Bridge) closeTranscript() {
	b.transcriptMx.Lock()
	defer b.transcriptMx.Unlock()

	if b.transcript == nil {
		return
	}

	if err := b.transcript.Close(); err != nil {
		log.Error(err)
	}

	b.transcript = nil
}

func (b *Bridge) record(m Message) {
	b.transcriptMx.Lock()
	defer b.transcriptMx.Unlock()

	if b.transcript == nil {
		return
	}

	line := fmt.Sprintf("%s %s: %s\n", time.Now().Format(time.RFC3339), displayName(m.Sender), m.Text)

	if _, err := io.WriteString(b.transcript, line); err != nil {
		log.Error(err)
	}
}

func (b *Bridge) shiftFileVersions(path string) {
	oldestVersion := int(b.cfg.Versions) - 1

	for i := oldestVersion; i >= 0; i-- {
		oldVersionPath := path

		if i != 0 {
			oldVersionPath += fmt.Sprintf(".%d", i)
		}

		if _, err := os.Stat(oldVersionPath); err != nil {
			if os.IsNotExist(err) {
				continue
			}

			log.Error(err)
		}

		if i == oldestVersion {
			if err := os.Remove(oldVersionPath); err != nil {
				log.Error(err)
			}

			continue
		}

		newVersionPath := path + fmt.Sprintf(".%d", i+1)

		if err := os.Rename(oldVersionPath, newVersionPath); err != nil {
			log.Error(err)
		}
	}
}
