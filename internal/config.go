package internal

import (
	"os"
	"time"

	"relay-call/pkg/call"
	"relay-call/pkg/chat"
	"relay-call/pkg/peer"
	"relay-call/pkg/relay"
	"relay-call/pkg/signal"

	"github.com/pion/stun/v3"
	"github.com/pion/webrtc/v4"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendDir    = "dir"
	BackendMongo  = "mongo"
	BackendRelay  = "relay"
)

type Config struct {
	LogLevel string      `yaml:"log_level"`
	Store    StoreConfig `yaml:"store"`
	ICE      ICEConfig   `yaml:"ice"`
	Media    MediaConfig `yaml:"media"`
	Join     JoinConfig  `yaml:"join"`
	Relay    RelayConfig `yaml:"relay"`
	Chat     ChatConfig  `yaml:"chat"`
}

type StoreConfig struct {
	Backend    string `yaml:"backend"`
	Collection string `yaml:"collection"`
	// Path is the database file (sqlite) or the shared folder (dir).
	Path string `yaml:"path"`
	// URI is the MongoDB connection string or the relay websocket URL.
	URI      string        `yaml:"uri"`
	Database string        `yaml:"database"`
	Rescan   time.Duration `yaml:"rescan"`
}

type ICEServer struct {
	URLs       []string `yaml:"urls"`
	Username   string   `yaml:"username"`
	Credential string   `yaml:"credential"`
}

type ICEConfig struct {
	Servers             []ICEServer   `yaml:"servers"`
	CandidatePoolSize   uint8         `yaml:"candidate_pool_size"`
	DisconnectedTimeout time.Duration `yaml:"disconnected_timeout"`
	FailedTimeout       time.Duration `yaml:"failed_timeout"`
	KeepAliveInterval   time.Duration `yaml:"keepalive_interval"`
}

type MediaConfig struct {
	// Capture enables camera and microphone; otherwise media is receive-only.
	Capture   bool `yaml:"capture"`
	Video     bool `yaml:"video"`
	Audio     bool `yaml:"audio"`
	MaxWidth  int  `yaml:"max_width"`
	MaxHeight int  `yaml:"max_height"`
}

type JoinConfig struct {
	Attempts int           `yaml:"attempts"`
	Delay    time.Duration `yaml:"delay"`
}

type RelayConfig struct {
	Listen string `yaml:"listen"`
}

type ChatConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Name          string `yaml:"name"`
	TranscriptDir string `yaml:"transcript_dir"`
	Versions      uint16 `yaml:"versions"`
}

func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		Store: StoreConfig{
			Backend:    BackendRelay,
			Collection: signal.DefaultCollection,
			URI:        "ws://localhost:8080" + relay.Path,
			Database:   "relay_call",
			Rescan:     2 * time.Second,
		},
		ICE: ICEConfig{
			Servers: []ICEServer{{
				URLs: []string{"stun:stun1.l.google.com:19302", "stun:stun2.l.google.com:19302"},
			}},
			CandidatePoolSize:   10,
			DisconnectedTimeout: peer.DefaultDisconnectedTimeout,
			FailedTimeout:       peer.DefaultFailedTimeout,
			KeepAliveInterval:   peer.DefaultKeepAliveInterval,
		},
		Media: MediaConfig{
			Video:     true,
			Audio:     true,
			MaxWidth:  640,
			MaxHeight: 480,
		},
		Join: JoinConfig{
			Attempts: 5,
			Delay:    2 * time.Second,
		},
		Relay: RelayConfig{
			Listen: ":8080",
		},
		Chat: ChatConfig{
			Enabled:  true,
			Versions: 1,
		},
	}
}

// LoadConfig reads path over the defaults. Environment variables are
// expanded in both the path and the content. An empty path yields the
// defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if len(path) == 0 {
		return cfg, nil
	}

	path = os.ExpandEnv(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read config")
	}

	expanded := os.ExpandEnv(string(data))

	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, errors.Wrapf(err, "parse config %s", path)
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.Store.Backend {
	case BackendMemory:
	case BackendSQLite, BackendDir:
		if len(c.Store.Path) == 0 {
			return errors.Errorf("store backend %s needs a path", c.Store.Backend)
		}
	case BackendMongo:
		if len(c.Store.URI) == 0 || len(c.Store.Database) == 0 {
			return errors.New("store backend mongo needs a uri and a database")
		}
	case BackendRelay:
		if len(c.Store.URI) == 0 {
			return errors.New("store backend relay needs a uri")
		}
	default:
		return errors.Errorf("unknown store backend %q", c.Store.Backend)
	}

	if len(c.Store.Collection) == 0 {
		return errors.New("empty store collection")
	}

	for _, server := range c.ICE.Servers {
		if err := server.validate(); err != nil {
			return err
		}
	}

	if c.Join.Attempts < 1 {
		return errors.New("join attempts must be at least 1")
	}

	return nil
}

func (s ICEServer) validate() error {
	if len(s.URLs) == 0 {
		return errors.New("ice server without urls")
	}

	for _, raw := range s.URLs {
		uri, err := stun.ParseURI(raw)
		if err != nil {
			return errors.Wrapf(err, "ice server %q", raw)
		}

		if (uri.Scheme == stun.SchemeTypeTURN || uri.Scheme == stun.SchemeTypeTURNS) &&
			(len(s.Username) == 0 || len(s.Credential) == 0) {
			return errors.Errorf("turn server %q needs a username and a credential", raw)
		}
	}

	return nil
}

func (c *Config) WebRTC() peer.WebRTCConfig {
	servers := make([]webrtc.ICEServer, 0, len(c.ICE.Servers))

	for _, s := range c.ICE.Servers {
		server := webrtc.ICEServer{URLs: s.URLs, Username: s.Username}

		if len(s.Credential) != 0 {
			server.Credential = s.Credential
			server.CredentialType = webrtc.ICECredentialTypePassword
		}

		servers = append(servers, server)
	}

	return peer.WebRTCConfig{
		ICEServers:           servers,
		ICECandidatePoolSize: c.ICE.CandidatePoolSize,
		DisconnectedTimeout:  c.ICE.DisconnectedTimeout,
		FailedTimeout:        c.ICE.FailedTimeout,
		KeepAliveInterval:    c.ICE.KeepAliveInterval,
	}
}

func (c *Config) Constraints() peer.Constraints {
	return peer.Constraints{
		Video:     c.Media.Video,
		Audio:     c.Media.Audio,
		MaxWidth:  c.Media.MaxWidth,
		MaxHeight: c.Media.MaxHeight,
	}
}

// Channel is the message channel label, empty when chat is disabled.
func (c *Config) Channel() string {
	if !c.Chat.Enabled {
		return ""
	}

	return call.DefaultChannel
}

func (c *Config) ChatBridge() chat.Config {
	return chat.Config{
		Name:          c.Chat.Name,
		TranscriptDir: c.Chat.TranscriptDir,
		Versions:      c.Chat.Versions,
	}
}
