package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/ferrydock/ferry/internal/config"
	"github.com/ferrydock/ferry/internal/events"
	"github.com/ferrydock/ferry/internal/logging"
	"github.com/ferrydock/ferry/internal/profile"
	"github.com/ferrydock/ferry/internal/session"
	"github.com/ferrydock/ferry/internal/transfer"
	"github.com/ferrydock/ferry/internal/vault"
)

// app bundles the long-lived components every command needs.
type app struct {
	cfg   *config.Config
	store *profile.Store
	vault *vault.Vault
	bus   *events.Bus
	log   *logging.Logger
}

// stateDir is where profiles, the vault key and known hosts live.
func stateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "ferry")
	}
	return filepath.Join(home, ".config", "ferry")
}

func profilesPath() string   { return filepath.Join(stateDir(), "profiles.json") }
func vaultKeyPath() string   { return filepath.Join(stateDir(), "vault.key") }
func knownHostsPath() string { return filepath.Join(stateDir(), "known_hosts") }

func openApp() (*app, error) {
	path := cfgFile
	if path == "" {
		path = config.DefaultPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	store, err := profile.Open(profilesPath())
	if err != nil {
		return nil, err
	}
	return &app{
		cfg:   cfg,
		store: store,
		vault: vault.New(vaultKeyPath()),
		bus:   events.NewBus(events.DefaultBuffer),
		log:   GetLogger(),
	}, nil
}

func (a *app) close() {
	a.bus.Close()
}

// resolveProfile loads a profile and fills connection defaults from the
// config file where the profile left them unset.
func (a *app) resolveProfile(name string) (profile.Profile, error) {
	prof, err := a.store.Get(name)
	if err != nil {
		return profile.Profile{}, err
	}
	if prof.TimeoutSeconds == 0 {
		prof.TimeoutSeconds = a.cfg.Connection.TimeoutSeconds
	}
	if prof.KeepAliveIntervalSeconds == 0 {
		prof.KeepAliveIntervalSeconds = a.cfg.Connection.KeepAliveIntervalSeconds
	}
	return prof, nil
}

// connect opens a session for the named profile. The caller owns the
// returned session and must Disconnect it.
func (a *app) connect(name string, trustHost, askPassphrase bool) (*session.Manager, *session.Session, error) {
	prof, err := a.resolveProfile(name)
	if err != nil {
		return nil, nil, err
	}
	opts := session.ConnectOptions{TrustNewHostKey: trustHost}
	if askPassphrase && prof.AuthMethod == profile.AuthPrivateKey {
		pass, err := readSecret(fmt.Sprintf("Passphrase for %s: ", prof.KeyPath))
		if err != nil {
			return nil, nil, err
		}
		opts.KeyPassphrase = pass
	}

	mgr := session.NewManager(a.vault, a.bus, a.log, knownHostsPath(), a.cfg.Connection.RetryCeiling)
	sess, err := mgr.Connect(prof, opts)
	if err != nil {
		return nil, nil, err
	}
	return mgr, sess, nil
}

// engine builds a started transfer engine for the session. The caller
// must Stop it.
func (a *app) engine(sess *session.Session) *transfer.Engine {
	eng := transfer.NewEngine(sess, a.bus, a.log, transfer.FromConfig(a.cfg))
	eng.Start()
	return eng
}
