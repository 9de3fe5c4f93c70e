package atn

import (
	"fmt"

	"github.com/thegridelectric/gwproactor/internal/config"
)

// Settings are the ATN entries under the config's extra section:
//
//	extra:
//	  scada: hw1.isone.me.scada
//	  fuel_substitution: true
//	  oil_price_threshold: 120
type Settings struct {
	// Scada defaults to the peer of the primary peer link.
	Scada             string  `yaml:"scada"`
	FuelSubstitution  bool    `yaml:"fuel_substitution"`
	OilPriceThreshold float64 `yaml:"oil_price_threshold"`

	// LayoutReceived lets contracts start without the SCADA's layout
	// file on disk.
	LayoutReceived bool `yaml:"layout_received"`
}

// LoadSettings decodes the extra section of cfg and fills defaults.
func LoadSettings(cfg *config.Proactor) (Settings, error) {
	var s Settings
	if cfg.Extra.Kind != 0 {
		if err := cfg.Extra.Decode(&s); err != nil {
			return Settings{}, fmt.Errorf("%w: extra: %w", config.ErrInvalidConfig, err)
		}
	}
	if s.Scada == "" {
		for _, l := range cfg.Links {
			if l.PrimaryPeer {
				s.Scada = l.PeerName
			}
		}
	}
	if s.Scada == "" {
		return Settings{}, fmt.Errorf("%w: no scada peer", config.ErrInvalidConfig)
	}
	return s, nil
}
