package settings

import (
	"errors"
	"io/fs"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

// Viper is a Provider backed by a settings file owned by the admin side.
// The file is watched; every successful reload swaps in a new snapshot, so
// Get never observes a half-applied change.
type Viper struct {
	v    *viper.Viper
	log  zerolog.Logger
	snap atomic.Pointer[map[string]any]
}

// NewViper reads path (any format viper understands, picked by extension) on
// top of base. A missing file is not an error: base values apply until the
// file appears.
func NewViper(path string, base map[string]any, log zerolog.Logger) (*Viper, error) {
	v := viper.New()
	for k, val := range Defaults() {
		v.SetDefault(k, val)
	}
	for k, val := range flatten(base) {
		v.SetDefault(k, val)
	}
	v.SetConfigFile(path)

	p := &Viper{v: v, log: log.With().Str("component", "settings").Str("file", path).Logger()}
	if err := v.ReadInConfig(); err != nil {
		var nf viper.ConfigFileNotFoundError
		if !errors.Is(err, fs.ErrNotExist) && !errors.As(err, &nf) {
			return nil, err
		}
		p.log.Warn().Msg("settings file not found, using defaults")
	}
	p.reload()
	return p, nil
}

// Watch starts hot reload of the settings file.
func (p *Viper) Watch() {
	p.v.OnConfigChange(func(e fsnotify.Event) {
		p.reload()
		p.log.Info().Str("op", e.Op.String()).Msg("settings reloaded")
	})
	p.v.WatchConfig()
}

func (p *Viper) reload() {
	m := flatten(p.v.AllSettings())
	p.snap.Store(&m)
}

func (p *Viper) Get(key string) (any, bool) {
	m := p.snap.Load()
	if m == nil {
		return nil, false
	}
	v, ok := (*m)[key]
	return v, ok
}
