package scada

import (
	"fmt"
	"time"

	"github.com/thegridelectric/gwproactor/internal/ally"
	"github.com/thegridelectric/gwproactor/internal/config"
)

// Settings are the SCADA entries under the config's extra section:
//
//	extra:
//	  atn: hw1.isone.me
//	  gpio_chip: gpiochip0
//	  ally_period: 60s
//	  strat_saving: 10m
//	  ally:
//	    max_ewt_f: 170
type Settings struct {
	// Atn defaults to the peer of the upstream link.
	Atn         string        `yaml:"atn"`
	GpioChip    string        `yaml:"gpio_chip"`
	AllyPeriod  time.Duration `yaml:"ally_period"`
	StratSaving time.Duration `yaml:"strat_saving"`
	Ally        AllySettings  `yaml:"ally"`
}

// AllySettings override ally.DefaultParams.
type AllySettings struct {
	MaxEwtF              float64       `yaml:"max_ewt_f"`
	StorageFullFor       time.Duration `yaml:"storage_full_for"`
	StorageColderMarginF float64       `yaml:"storage_colder_margin_f"`
}

// Params returns the ally parameters with defaults for unset fields.
func (s AllySettings) Params() ally.Params {
	p := ally.DefaultParams()
	if s.MaxEwtF > 0 {
		p.MaxEwtF = s.MaxEwtF
	}
	if s.StorageFullFor > 0 {
		p.StorageFullFor = s.StorageFullFor
	}
	if s.StorageColderMarginF > 0 {
		p.StorageColderMarginF = s.StorageColderMarginF
	}
	return p
}

// LoadSettings decodes the extra section of cfg and fills defaults.
func LoadSettings(cfg *config.Proactor) (Settings, error) {
	var s Settings
	if cfg.Extra.Kind != 0 {
		if err := cfg.Extra.Decode(&s); err != nil {
			return Settings{}, fmt.Errorf("%w: extra: %w", config.ErrInvalidConfig, err)
		}
	}
	if s.Atn == "" {
		for _, l := range cfg.Links {
			if l.Upstream {
				s.Atn = l.PeerName
			}
		}
	}
	if s.GpioChip == "" {
		s.GpioChip = "gpiochip0"
	}
	if s.AllyPeriod <= 0 {
		s.AllyPeriod = AllyPeriod
	}
	if s.StratSaving <= 0 {
		s.StratSaving = DefaultStratSaving
	}
	return s, nil
}
