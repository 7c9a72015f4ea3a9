package internal

import (
	"context"
	"fmt"
	"net/http"
	"os"
	ossignal "os/signal"
	"sync"
	"syscall"
	"time"

	"relay-call/pkg/call"
	"relay-call/pkg/chat"
	"relay-call/pkg/log"
	"relay-call/pkg/peer"
	"relay-call/pkg/relay"
	"relay-call/pkg/signal"
	"relay-call/pkg/signal/dirstore"
	"relay-call/pkg/signal/memory"
	"relay-call/pkg/signal/mongo"
	"relay-call/pkg/signal/sqlite"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const (
	ModeServe = "serve"
	ModeCall  = "call"
	ModeJoin  = "join"
)

const hangupTimeout = 10 * time.Second

var errUsage = errors.New("usage: relay-call [flags] serve | call | join <call-id>")

type App struct {
	mode   string
	callID string

	cfg   *Config
	flags *Flags

	store   signal.Store
	session *call.Session
	bridge  *chat.Bridge
	server  *http.Server
}

func NewApp() *App {
	return &App{
		flags: NewFlags("relay-call"),
	}
}

func (a *App) Setup(ctx context.Context, args []string) (err error) {
	if err := a.parseCmdline(args); err != nil {
		return err
	}

	a.cfg, err = LoadConfig(a.flags.ConfigPath())
	if err != nil {
		return err
	}

	a.flags.Apply(a.cfg)

	if err := a.cfg.Validate(); err != nil {
		return errors.Wrap(err, "config")
	}

	if err := log.SetLevel(a.cfg.LogLevel); err != nil {
		return errors.Wrap(err, "config")
	}

	if a.mode == ModeServe {
		return a.setupServeMode()
	}

	return a.setupCallMode(ctx)
}

func (a *App) Run(ctx context.Context, cancel context.CancelFunc) error {
	a.listenOS(cancel)

	defer a.closeStore()

	switch a.mode {
	case ModeServe:
		return a.runServeMode(ctx)
	case ModeCall:
		return a.runCallMode(ctx)
	default:
		return a.runJoinMode(ctx)
	}
}

func (a *App) parseCmdline(args []string) error {
	if err := a.flags.Parse(args); err != nil {
		return err
	}

	rest := a.flags.Args()
	if len(rest) == 0 {
		return errors.Wrap(errUsage, "no mode given")
	}

	a.mode = rest[0]

	switch a.mode {
	case ModeServe, ModeCall:
		if len(rest) != 1 {
			return errUsage
		}
	case ModeJoin:
		if len(rest) != 2 {
			return errors.Wrap(errUsage, "join needs a call id")
		}

		a.callID = rest[1]
	default:
		return errors.Wrapf(errUsage, "unknown mode %q", a.mode)
	}

	return nil
}

func (a *App) setupServeMode() (err error) {
	// A relay cannot serve itself.
	if a.cfg.Store.Backend == BackendRelay {
		a.cfg.Store.Backend = BackendMemory
	}

	a.store, err = a.openStore(context.Background())
	if err != nil {
		return errors.Wrap(err, "signaling store")
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	a.server = &http.Server{
		Addr:              a.cfg.Relay.Listen,
		Handler:           relay.NewServer(a.store, registry).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return nil
}

func (a *App) setupCallMode(ctx context.Context) (err error) {
	a.store, err = a.openStore(ctx)
	if err != nil {
		return errors.Wrap(err, "signaling store")
	}

	var media peer.MediaSource = peer.ReceiveOnly{}

	if a.cfg.Media.Capture {
		media, err = peer.NewDeviceSource()
		if err != nil {
			return errors.Wrap(err, "media")
		}
	}

	factory, err := peer.NewWebRTC(a.cfg.WebRTC(), media)
	if err != nil {
		return errors.Wrap(err, "peer connection")
	}

	a.session = call.New(call.Config{
		Store:       a.store,
		Factory:     factory,
		Media:       media,
		Constraints: a.cfg.Constraints(),
		Channel:     a.cfg.Channel(),
	})

	if !a.cfg.Chat.Enabled {
		return nil
	}

	a.bridge, err = chat.NewBridge(a.cfg.ChatBridge(), os.Stdin, os.Stdout)
	if err != nil {
		return errors.Wrap(err, "chat")
	}

	return nil
}

func (a *App) openStore(ctx context.Context) (signal.Store, error) {
	s := a.cfg.Store

	switch s.Backend {
	case BackendMemory:
		return memory.New(), nil
	case BackendSQLite:
		return sqlite.Open(s.Path, s.Collection)
	case BackendDir:
		return dirstore.Open(dirstore.Config{Root: s.Path, Collection: s.Collection, Rescan: s.Rescan})
	case BackendMongo:
		return mongo.Connect(ctx, s.URI, s.Database, s.Collection)
	case BackendRelay:
		return relay.Dial(ctx, s.URI)
	}

	return nil, errors.Errorf("unknown store backend %q", s.Backend)
}

func (a *App) closeStore() {
	if a.store == nil {
		return
	}

	if err := a.store.Close(); err != nil {
		log.Error(err)
	}
}

func (a *App) runServeMode(ctx context.Context) error {
	log.Infof("Starting relay on %s, backend %s, collection %s", a.cfg.Relay.Listen, a.cfg.Store.Backend, a.cfg.Store.Collection)
	defer log.Info("Relay stopped")

	errc := make(chan error, 1)

	go func() {
		errc <- a.server.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return errors.Wrap(err, "relay")
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), hangupTimeout)
	defer cancel()

	return a.server.Shutdown(shutdownCtx)
}

func (a *App) runCallMode(ctx context.Context) error {
	id, err := a.session.Call(ctx)
	if err != nil {
		return errors.Wrap(err, "call")
	}

	log.Infof("Call created, share this id with the callee: %s", id)
	fmt.Println(id)

	return a.serveSession(ctx)
}

func (a *App) runJoinMode(ctx context.Context) error {
	for attempt := 1; ; attempt++ {
		err := a.session.Join(ctx, a.callID)
		if err == nil {
			break
		}

		if !errors.Is(err, signal.ErrOfferNotReady) || attempt >= a.cfg.Join.Attempts {
			a.hangup()

			return errors.Wrap(err, "join")
		}

		log.Infof("%s, retrying in %s (%d/%d)...", err, a.cfg.Join.Delay, attempt, a.cfg.Join.Attempts)

		select {
		case <-time.After(a.cfg.Join.Delay):
		case <-ctx.Done():
			a.hangup()

			return nil
		}
	}

	log.Infof("Joined call %s", a.callID)

	return a.serveSession(ctx)
}

// serveSession follows session events until the call ends.
func (a *App) serveSession(ctx context.Context) error {
	var wg sync.WaitGroup
	defer wg.Wait()

	chatCtx, stopChat := context.WithCancel(ctx)
	defer stopChat()

	chatDone := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			a.hangup()

			return nil
		case <-chatDone:
			log.Info("chat ended, hanging up")
			a.hangup()
		case ev := <-a.session.Events():
			switch ev.Type {
			case call.EventConnected:
				log.Info("Connected")
			case call.EventDisconnected:
				log.Warn("Connection interrupted, waiting for it to recover...")
			case call.EventTrack:
				log.Infof("Receiving remote %s", ev.Track.Kind())
			case call.EventChannel:
				if a.bridge == nil {
					continue
				}

				wg.Add(1)
				go func() {
					defer wg.Done()

					if err := a.bridge.Run(chatCtx, ev.Channel); err != nil {
						log.Error(err)
					}

					chatDone <- struct{}{}
				}()
			case call.EventRemoteHangup:
				log.Info("The other side hung up")
			case call.EventError:
				log.Error(ev.Err)
			case call.EventWarning:
				log.Warn(ev.Err)
			case call.EventClosed:
				stopChat()

				if ev.Err != nil && !errors.Is(ev.Err, call.ErrRemoteHangup) {
					return errors.Wrap(ev.Err, "call")
				}

				return nil
			}
		}
	}
}

func (a *App) hangup() {
	ctx, cancel := context.WithTimeout(context.Background(), hangupTimeout)
	defer cancel()

	if err := a.session.Hangup(ctx); err != nil {
		log.Warn(err)
	}
}

func (a *App) listenOS(cancel context.CancelFunc) {
	sigchan := make(chan os.Signal, 1)
	ossignal.Notify(sigchan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigchan
		cancel()
	}()
}
