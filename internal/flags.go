package internal

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/pflag"
)

// Flags override the config file. Only flags given on the command line are
// applied.
type Flags struct {
	fs *pflag.FlagSet

	configPath    string
	logLevel      string
	backend       string
	uri           string
	path          string
	database      string
	collection    string
	ice           []string
	listen        string
	attempts      int
	delay         time.Duration
	capture       bool
	noChat        bool
	name          string
	transcriptDir string
	versions      uint16
}

func NewFlags(name string) *Flags {
	f := &Flags{fs: pflag.NewFlagSet(name, pflag.ContinueOnError)}

	f.fs.StringVarP(&f.configPath, "config", "c", "", "Path to a YAML config file, environment variables are expanded")
	f.fs.StringVarP(&f.logLevel, "log-level", "l", "", "Log level: trace, debug, info, warn, error")

	// Signaling store options.
	f.fs.StringVarP(&f.backend, "store", "s", "", "Signaling store backend: memory, sqlite, dir, mongo, relay")
	f.fs.StringVarP(&f.uri, "store-uri", "u", "", "MongoDB connection string or relay websocket URL")
	f.fs.StringVarP(&f.path, "store-path", "p", "", "SQLite database file or shared signaling folder")
	f.fs.StringVar(&f.database, "store-database", "", "MongoDB database")
	f.fs.StringVar(&f.collection, "collection", "", "Collection holding call records")

	// Peer connection options.
	f.fs.StringSliceVarP(&f.ice, "ice", "S", nil, "ICE server URLs, replacing the configured servers (e.g. stun:stun1.l.google.com:19302)")
	f.fs.BoolVar(&f.capture, "capture", false, "Send camera and microphone instead of receiving only")

	// Callee options.
	f.fs.IntVar(&f.attempts, "join-attempts", 0, "Times to try joining a call whose offer is not written yet")
	f.fs.DurationVar(&f.delay, "join-delay", 0, "Delay between join attempts")

	// Relay server options.
	f.fs.StringVar(&f.listen, "listen", "", "Relay server listen address")

	// Chat options.
	f.fs.BoolVar(&f.noChat, "no-chat", false, "Do not open the message channel")
	f.fs.StringVarP(&f.name, "name", "n", "", "Name shown to the other side in chat")
	f.fs.StringVarP(&f.transcriptDir, "transcript-dir", "d", "", "Directory where chat transcripts are written")
	f.fs.Uint16VarP(&f.versions, "versions", "v", 0, "Number of transcript versions to keep")

	f.fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags] serve | call | join <call-id>\n\n%s", name, f.Usage())
	}

	return f
}

func (f *Flags) Parse(args []string) error {
	return f.fs.Parse(args)
}

func (f *Flags) Args() []string {
	return f.fs.Args()
}

func (f *Flags) ConfigPath() string {
	return f.configPath
}

func (f *Flags) Usage() string {
	return f.fs.FlagUsages()
}

func (f *Flags) Apply(cfg *Config) {
	changed := f.fs.Changed

	if changed("log-level") {
		cfg.LogLevel = f.logLevel
	}

	if changed("store") {
		cfg.Store.Backend = f.backend
	}

	if changed("store-uri") {
		cfg.Store.URI = f.uri
	}

	if changed("store-path") {
		cfg.Store.Path = f.path
	}

	if changed("store-database") {
		cfg.Store.Database = f.database
	}

	if changed("collection") {
		cfg.Store.Collection = f.collection
	}

	if changed("ice") {
		cfg.ICE.Servers = []ICEServer{{URLs: f.ice}}

		if len(f.ice) == 0 {
			cfg.ICE.Servers = nil
		}
	}

	if changed("capture") {
		cfg.Media.Capture = f.capture
	}

	if changed("join-attempts") {
		cfg.Join.Attempts = f.attempts
	}

	if changed("join-delay") {
		cfg.Join.Delay = f.delay
	}

	if changed("listen") {
		cfg.Relay.Listen = f.listen
	}

	if changed("no-chat") {
		cfg.Chat.Enabled = !f.noChat
	}

	if changed("name") {
		cfg.Chat.Name = f.name
	}

	if changed("transcript-dir") {
		cfg.Chat.TranscriptDir = f.transcriptDir
	}

	if changed("versions") {
		cfg.Chat.Versions = f.versions
	}
}
