package kitten

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// yaml config for the mains. Zero values keep the defaults.
//
//	client:
//	  base_url: http://localhost:6565/
//	  path: atl/str
//	  reconnect_initial: 1s
//	  reconnect_max: 10m
//	  reset_policy: never_reset
//	hub:
//	  port: 6565
//	  kittens:
//	    - email: knorton@google.com
//	      name: Kelly Norton

type Config struct {
	Client ClientConfig `yaml:"client"`
	Hub    HubConfig    `yaml:"hub"`
}

type ClientConfig struct {
	BaseUrl               string        `yaml:"base_url"`
	Path                  string        `yaml:"path"`
	ReconnectInitial      time.Duration `yaml:"reconnect_initial"`
	ReconnectMax          time.Duration `yaml:"reconnect_max"`
	ResetPolicy           string        `yaml:"reset_policy"`
	ReadTimeout           time.Duration `yaml:"read_timeout"`
	HistoryLimit          int           `yaml:"history_limit"`
	DispatchKittenChanges *bool         `yaml:"dispatch_kitten_changes"`
}

type HubConfig struct {
	Port         int            `yaml:"port"`
	StreamPath   string         `yaml:"stream_path"`
	HistoryLimit int            `yaml:"history_limit"`
	PingTimeout  time.Duration  `yaml:"ping_timeout"`
	Kittens      []KittenConfig `yaml:"kittens"`
}

type KittenConfig struct {
	Email string `yaml:"email"`
	Name  string `yaml:"name"`
}

// the roster the hub starts with when none is configured
var DefaultRoster = []KittenConfig{
	{Email: "knorton@google.com", Name: "Kelly Norton"},
	{Email: "jgw@google.com", Name: "Joel Webber"},
	{Email: "schenney@google.com", Name: "Stephen Chenney"},
	{Email: "pdr@google.com", Name: "Philip Rogers"},
	{Email: "fmalita@google.com", Name: "Florin Malita"},
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseConfig(data)
}

func ParseConfig(data []byte) (*Config, error) {
	config := &Config{}
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, err
	}
	return config, nil
}

func (self *ClientConfig) ClientSettings() (*ClientSettings, error) {
	settings := DefaultClientSettings()
	if 0 < self.ReconnectInitial {
		settings.TransportSettings.ReconnectInitialTimeout = self.ReconnectInitial
	}
	if 0 < self.ReconnectMax {
		settings.TransportSettings.ReconnectMaxTimeout = self.ReconnectMax
	}
	if self.ResetPolicy != "" {
		resetPolicy, err := ParseBackoffResetPolicy(self.ResetPolicy)
		if err != nil {
			return nil, err
		}
		settings.TransportSettings.ReconnectResetPolicy = resetPolicy
	}
	if 0 < self.ReadTimeout {
		settings.TransportSettings.ReadTimeout = self.ReadTimeout
	}
	if 0 < self.HistoryLimit {
		settings.ModelSettings.HistoryLimit = self.HistoryLimit
	}
	if self.DispatchKittenChanges != nil {
		settings.DispatchKittenChanges = *self.DispatchKittenChanges
	}
	return settings, nil
}

func (self *HubConfig) ServerSettings() *ServerSettings {
	settings := DefaultServerSettings()
	if self.StreamPath != "" {
		settings.StreamPath = self.StreamPath
	}
	if 0 < self.HistoryLimit {
		settings.HistoryLimit = self.HistoryLimit
	}
	if 0 < self.PingTimeout {
		settings.PingTimeout = self.PingTimeout
	}
	return settings
}

func (self *HubConfig) Roster() []*Kitten {
	kittenConfigs := self.Kittens
	if len(kittenConfigs) == 0 {
		kittenConfigs = DefaultRoster
	}
	roster := make([]*Kitten, 0, len(kittenConfigs))
	for _, kittenConfig := range kittenConfigs {
		roster = append(roster, NewKitten(kittenConfig.Email, kittenConfig.Name))
	}
	return roster
}
