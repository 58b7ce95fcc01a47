package config

import (
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/septivank/energy-metering-cache/internal/db"
	"github.com/septivank/energy-metering-cache/internal/identity"
	"github.com/septivank/energy-metering-cache/tools/timeparser"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// MeteringPointConfig is a partial description of a usage point.
// Nil fields keep the stored value on update and take the documented
// default on creation:
//
//	enable, cache, consumption, consumption_detail: true
//	production, production_detail: false
//	plan: BASE; prices: 0; offpeak hours: empty; max dates: unset
type MeteringPointConfig struct {
	ID                   string           `yaml:"-"`
	Name                 *string          `yaml:"name"`
	Enable               *bool            `yaml:"enable"`
	Cache                *bool            `yaml:"cache"`
	Consumption          *bool            `yaml:"consumption"`
	ConsumptionDetail    *bool            `yaml:"consumption_detail"`
	Production           *bool            `yaml:"production"`
	ProductionDetail     *bool            `yaml:"production_detail"`
	Plan                 *string          `yaml:"plan"`
	ConsumptionPriceBase *decimal.Decimal `yaml:"consumption_price_base"`
	ConsumptionPriceHC   *decimal.Decimal `yaml:"consumption_price_hc"`
	ConsumptionPriceHP   *decimal.Decimal `yaml:"consumption_price_hp"`
	ProductionPrice      *decimal.Decimal `yaml:"production_price"`
	OffpeakHours0        *string          `yaml:"offpeak_hours_0"`
	OffpeakHours1        *string          `yaml:"offpeak_hours_1"`
	OffpeakHours2        *string          `yaml:"offpeak_hours_2"`
	OffpeakHours3        *string          `yaml:"offpeak_hours_3"`
	OffpeakHours4        *string          `yaml:"offpeak_hours_4"`
	OffpeakHours5        *string          `yaml:"offpeak_hours_5"`
	OffpeakHours6        *string          `yaml:"offpeak_hours_6"`

	ConsumptionMaxDateRaw       *string `yaml:"consumption_max_date"`
	ConsumptionDetailMaxDateRaw *string `yaml:"consumption_detail_max_date"`
	ProductionMaxDateRaw        *string `yaml:"production_max_date"`
	ProductionDetailMaxDateRaw  *string `yaml:"production_detail_max_date"`
}

// OffpeakHours returns the seven weekday slots; nil entries are unset.
func (c *MeteringPointConfig) OffpeakHours() [7]*string {
	return [7]*string{
		c.OffpeakHours0, c.OffpeakHours1, c.OffpeakHours2, c.OffpeakHours3,
		c.OffpeakHours4, c.OffpeakHours5, c.OffpeakHours6,
	}
}

// MaxDates parses the farthest-fetched markers. An empty string clears a
// marker, a nil field leaves it untouched.
func (c *MeteringPointConfig) MaxDates() (map[db.Series]*time.Time, error) {
	raw := map[db.Series]*string{
		{Resolution: db.Daily, Direction: db.Consumption}:  c.ConsumptionMaxDateRaw,
		{Resolution: db.Detail, Direction: db.Consumption}: c.ConsumptionDetailMaxDateRaw,
		{Resolution: db.Daily, Direction: db.Production}:   c.ProductionMaxDateRaw,
		{Resolution: db.Detail, Direction: db.Production}:  c.ProductionDetailMaxDateRaw,
	}

	out := make(map[db.Series]*time.Time, len(raw))
	for series, v := range raw {
		if v == nil {
			continue
		}
		if *v == "" {
			out[series] = nil
			continue
		}
		t, err := timeparser.ParseProviderDate(*v)
		if err != nil {
			return nil, fmt.Errorf("usage point %s: invalid %s max date: %w", c.ID, series, err)
		}
		out[series] = &t
	}
	return out, nil
}

type meteringPointsFile struct {
	Points map[string]*MeteringPointConfig `yaml:"myelectricaldata"`
}

// LoadMeteringPoints reads the usage point definitions file
func LoadMeteringPoints(path string) ([]MeteringPointConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read metering points file: %w", err)
	}
	return ParseMeteringPoints(data)
}

// ParseMeteringPoints decodes usage point definitions, sorted by id
func ParseMeteringPoints(data []byte) ([]MeteringPointConfig, error) {
	var file meteringPointsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse metering points: %w", err)
	}

	points := make([]MeteringPointConfig, 0, len(file.Points))
	for id, p := range file.Points {
		if err := identity.ValidateUsagePointID(id); err != nil {
			return nil, err
		}
		if p == nil {
			p = &MeteringPointConfig{}
		}
		p.ID = id
		if _, err := p.MaxDates(); err != nil {
			return nil, err
		}
		points = append(points, *p)
	}

	sort.Slice(points, func(i, j int) bool { return points[i].ID < points[j].ID })
	return points, nil
}
