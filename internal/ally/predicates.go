package ally

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNoForecast means no heating forecast has arrived. The ally gives
	// up rather than run blind.
	ErrNoForecast = errors.New("no heating forecast")

	// ErrMissingTemperature means a channel the decision needs has no
	// reading.
	ErrMissingTemperature = errors.New("missing temperature")
)

// Temperature channels the ally reads, all in degrees F.
const (
	BufferDepth1   = "buffer-depth1"
	BufferDepth2   = "buffer-depth2"
	BufferDepth4   = "buffer-depth4"
	BufferColdPipe = "buffer-cold-pipe"
	StoreColdPipe  = "store-cold-pipe"
	Tank1Depth1    = "tank1-depth1"
)

// RequiredChannels lists every channel Evaluate reads.
var RequiredChannels = []string{BufferDepth1, BufferDepth2, BufferDepth4, BufferColdPipe, StoreColdPipe, Tank1Depth1}

// forecastHours is how far ahead the buffer thresholds look.
const forecastHours = 3

// HeatingForecast carries the required supply water temperature and its
// allowed drop for the coming hours.
type HeatingForecast struct {
	FromGNodeAlias string    `json:"FromGNodeAlias"`
	Time           []int64   `json:"Time"`
	RswtF          []float64 `json:"RswtF"`
	RswtDeltaTF    []float64 `json:"RswtDeltaTF"`
	WeatherUID     string    `json:"WeatherUid,omitempty"`
}

func (*HeatingForecast) TypeName() string { return "heating.forecast" }

func maxFirst(v []float64) (float64, bool) {
	if len(v) == 0 {
		return 0, false
	}
	m := v[0]
	for i := 1; i < len(v) && i < forecastHours; i++ {
		if v[i] > m {
			m = v[i]
		}
	}
	return m, true
}

// Params tune the predicates.
type Params struct {
	// MaxEwtF is the hottest water the heat pump may be asked to take in.
	MaxEwtF float64

	// StorageFullFor keeps the storage counted as full after it was last
	// seen full.
	StorageFullFor time.Duration

	// StorageColderMarginF is how much hotter the buffer top must be than
	// the store top for the store to count as colder.
	StorageColderMarginF float64
}

// DefaultParams returns the usual site settings.
func DefaultParams() Params {
	return Params{
		MaxEwtF:              170,
		StorageFullFor:       15 * time.Minute,
		StorageColderMarginF: 3,
	}
}

// Inputs is what one evaluation sees.
type Inputs struct {
	RemainingElecWh float64
	TempsF          map[string]float64
	Forecast        *HeatingForecast
	OilBoilerOn     bool
	Now             time.Time
}

func (in Inputs) temp(name string) (float64, error) {
	v, ok := in.TempsF[name]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrMissingTemperature, name)
	}
	return v, nil
}

func (in Inputs) noMoreElec() bool {
	return in.RemainingElecWh <= 1
}

func (in Inputs) bufferEmpty() (bool, error) {
	if in.Forecast == nil {
		return false, ErrNoForecast
	}
	rswt, ok1 := maxFirst(in.Forecast.RswtF)
	dt, ok2 := maxFirst(in.Forecast.RswtDeltaTF)
	if !ok1 || !ok2 {
		return false, ErrNoForecast
	}
	d2, err := in.temp(BufferDepth2)
	if err != nil {
		return false, err
	}
	return d2 < rswt-dt, nil
}

func (in Inputs) bufferFull(really bool, p Params) (bool, error) {
	if really {
		cold, err := in.temp(BufferColdPipe)
		if err != nil {
			return false, err
		}
		return cold > p.MaxEwtF, nil
	}
	if in.Forecast == nil {
		return false, ErrNoForecast
	}
	rswt, ok := maxFirst(in.Forecast.RswtF)
	if !ok {
		return false, ErrNoForecast
	}
	d4, err := in.temp(BufferDepth4)
	if err != nil {
		return false, err
	}
	return d4 > rswt, nil
}

func (in Inputs) storageColderThanBuffer(p Params) (bool, error) {
	top, err := in.temp(BufferDepth1)
	if err != nil {
		return false, err
	}
	tank, err := in.temp(Tank1Depth1)
	if err != nil {
		return false, err
	}
	return top > tank+p.StorageColderMarginF, nil
}
