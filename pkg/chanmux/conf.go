package chanmux

import (
	"fmt"
	"io/ioutil"

	"github.com/fsnotify/fsnotify"
	"github.com/sammck-go/asyncobj"
	"gopkg.in/yaml.v3"
)

// Conf is the read-only configuration bundle that flows from the
// Multiplexer into channels on demand (via SSHChannel.GetConf). A Conf is
// never mutated after it is published; reloading produces a fresh snapshot,
// so a channel that grabbed a Conf always sees a consistent bundle.
type Conf struct {
	// ProtoVersion is the negotiated SSH protocol major version. Version 1
	// connections cannot express env, subsystem, break or signal requests;
	// the corresponding SSHChannel methods report refusal synchronously.
	ProtoVersion int `yaml:"proto_version"`

	// TermType is the TERM environment value sent with pty-req.
	TermType string `yaml:"term_type"`

	// TermModes is the encoded terminal mode string for pty-req; empty means
	// "no modes".
	TermModes []byte `yaml:"term_modes"`

	// NoPTY suppresses PTY negotiation on the main channel.
	NoPTY bool `yaml:"no_pty"`

	// RemoteCommand, when non-empty, is run instead of a login shell. If
	// RemoteSubsystem is true it names an SSH subsystem instead.
	RemoteCommand   string `yaml:"remote_command"`
	RemoteSubsystem bool   `yaml:"remote_subsystem"`

	// NoCommandFallback suppresses the fallback from a refused exec request
	// to a plain shell.
	NoCommandFallback bool `yaml:"no_command_fallback"`

	// AgentForward requests agent forwarding on the main channel.
	AgentForward bool `yaml:"agent_forward"`

	// X11Forward requests X11 forwarding on the main channel, using the
	// given auth protocol/cookie and screen number.
	X11Forward   bool   `yaml:"x11_forward"`
	X11AuthProto string `yaml:"x11_auth_proto"`
	X11AuthData  string `yaml:"x11_auth_data"`
	X11Screen    int    `yaml:"x11_screen"`

	// Env lists environment variables to send during main-channel
	// negotiation.
	Env map[string]string `yaml:"env"`
}

// DefaultConf returns a Conf with the stock defaults: protocol 2, xterm
// terminal, login shell, no forwarding.
func DefaultConf() *Conf {
	return &Conf{
		ProtoVersion: 2,
		TermType:     "xterm",
	}
}

// Clone returns a deep copy of a Conf, so a published snapshot can never be
// aliased by a later mutation.
func (c *Conf) Clone() *Conf {
	cc := *c
	if c.TermModes != nil {
		cc.TermModes = append([]byte(nil), c.TermModes...)
	}
	if c.Env != nil {
		cc.Env = make(map[string]string, len(c.Env))
		for k, v := range c.Env {
			cc.Env[k] = v
		}
	}
	return &cc
}

// LoadConf reads a YAML configuration file into a fresh Conf, applying
// defaults for fields the file omits.
func LoadConf(path string) (*Conf, error) {
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("Unable to read config file '%s': %v", path, err)
	}
	conf := DefaultConf()
	if err := yaml.Unmarshal(data, conf); err != nil {
		return nil, fmt.Errorf("Invalid config file '%s': %v", path, err)
	}
	if conf.ProtoVersion == 0 {
		conf.ProtoVersion = 2
	}
	return conf, nil
}

// ConfWatcher watches a YAML configuration file and republishes an immutable
// Conf snapshot whenever the file changes. The onChange callback runs on the
// watcher's own goroutine; a typical consumer hands the snapshot to
// Multiplexer.SetConf.
type ConfWatcher struct {
	*AsyncHelper
	path     string
	watcher  *fsnotify.Watcher
	onChange func(*Conf)
}

// WatchConf loads path once, delivers the initial snapshot to onChange, and
// starts watching for rewrites. Shut the watcher down with Close or
// StartShutdown/WaitShutdown.
func WatchConf(log Logger, path string, onChange func(*Conf)) (*ConfWatcher, error) {
	conf, err := LoadConf(path)
	if err != nil {
		return nil, err
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("Unable to create config watcher: %v", err)
	}
	if err := fsw.Add(path); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("Unable to watch config file '%s': %v", path, err)
	}

	w := &ConfWatcher{
		path:     path,
		watcher:  fsw,
		onChange: onChange,
	}
	w.AsyncHelper = asyncobj.NewHelper(log.ForkLogStr(fmt.Sprintf("ConfWatcher(%s)", path)), w)
	w.SetIsActivated()

	onChange(conf)
	go w.run()

	return w, nil
}

func (w *ConfWatcher) run() {
	for {
		select {
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			conf, err := LoadConf(w.path)
			if err != nil {
				w.WLogf("Config reload failed, keeping previous snapshot: %v", err)
				continue
			}
			w.DLogf("Config reloaded")
			w.onChange(conf)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.WLogf("Config watcher error: %v", err)
		}
	}
}

// HandleOnceShutdown closes the underlying fsnotify watcher, ending the
// watch goroutine.
func (w *ConfWatcher) HandleOnceShutdown(completionErr error) error {
	err := w.watcher.Close()
	if completionErr == nil {
		completionErr = err
	}
	return completionErr
}
