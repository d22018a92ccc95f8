package cli

import (
	"fmt"

	"github.com/fatih/color"

	"github.com/gathersocial/gather/internal/archive"
	"github.com/gathersocial/gather/internal/config"
	"github.com/gathersocial/gather/internal/feed"
	"github.com/gathersocial/gather/internal/keys"
	"github.com/gathersocial/gather/internal/outbox"
	"github.com/gathersocial/gather/internal/relay"
)

// settingSecretKey is the settings-store key holding the nsec encoding of
// the local identity.
const settingSecretKey = "secret_key"

// app wires the client components together for a command invocation.
type app struct {
	cfg    *config.Config
	store  *outbox.Store
	cm     *relay.ConnManager
	router *relay.Router
	engine *outbox.Engine
	feed   *feed.Feed
	sink   *archive.Sink
	key    *keys.SecretKey
}

// newApp loads configuration and opens the local store. Network components
// are not started until connect.
func newApp() (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	dbPath, err := cfg.OutboxDBPath()
	if err != nil {
		return nil, err
	}
	store, err := outbox.OpenStore(dbPath)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, store: store}
	if nsec, err := store.GetSetting(settingSecretKey); err == nil && nsec != "" {
		key, err := keys.DecodeSecretKey(nsec)
		if err != nil {
			return nil, fmt.Errorf("stored identity is unreadable: %w", err)
		}
		a.key = key
	}
	return a, nil
}

// connect builds the relay stack, the outbox engine, and the feed, then
// starts connecting. It returns immediately; reads and writes wait on the
// bounded open-wait internally.
func (a *app) connect() error {
	a.cm = relay.NewConnManager(relay.Config{
		Relays:      a.cfg.Relays.URLs,
		DialTimeout: a.cfg.Relays.DialTimeout,
		BackoffBase: a.cfg.Relays.BackoffBase,
		BackoffCap:  a.cfg.Relays.BackoffCap,
	})
	a.router = relay.NewRouter(a.cm)
	a.router.SetOpenWait(a.cfg.Relays.OpenWait)

	a.engine = outbox.NewEngine(a.store, a.router)
	a.engine.SetInterval(a.cfg.Outbox.WorkerInterval)
	if a.key != nil {
		a.engine.SetSigner(keys.LocalSigner{Key: a.key})
	}
	a.engine.SetNoticeFunc(func(msg string) {
		color.Yellow("! %s", msg)
	})
	a.router.SetOKHandler(a.engine.HandleOK)

	var sink feed.Sink
	if a.cfg.Archive.Enabled {
		a.sink = archive.NewSink(a.cfg.Archive.Brokers, a.cfg.Archive.Topic)
		sink = a.sink
	}
	a.feed = feed.New(feed.NewRelayReader(a.router), a.engine, sink, a.cfg.Feed.Limit)

	return a.cm.Connect()
}

func (a *app) close() {
	if a.cm != nil {
		a.cm.Close()
	}
	if a.sink != nil {
		a.sink.Close()
	}
	if a.store != nil {
		a.store.Close()
	}
}
