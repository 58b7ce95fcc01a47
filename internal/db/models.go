package db

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Direction is the measurement stream of a record
type Direction string

const (
	Consumption Direction = "consumption"
	Production  Direction = "production"
)

// Resolution is the granularity of a record
type Resolution string

const (
	Daily  Resolution = "daily"
	Detail Resolution = "detail"
)

// Series selects one of the four record tables.
type Series struct {
	Resolution Resolution
	Direction  Direction
}

// AllSeries lists every series in storage order.
func AllSeries() []Series {
	return []Series{
		{Resolution: Daily, Direction: Consumption},
		{Resolution: Daily, Direction: Production},
		{Resolution: Detail, Direction: Consumption},
		{Resolution: Detail, Direction: Production},
	}
}

// ParseSeries builds a Series from its textual resolution and direction.
func ParseSeries(resolution, direction string) (Series, error) {
	s := Series{Resolution: Resolution(resolution), Direction: Direction(direction)}
	if err := s.Validate(); err != nil {
		return Series{}, err
	}
	return s, nil
}

// Validate reports whether s names a known table.
func (s Series) Validate() error {
	switch s.Resolution {
	case Daily, Detail:
	default:
		return fmt.Errorf("unknown resolution %q", s.Resolution)
	}
	switch s.Direction {
	case Consumption, Production:
	default:
		return fmt.Errorf("unknown direction %q", s.Direction)
	}
	return nil
}

// Table returns the table holding the series, e.g. consumption_daily.
func (s Series) Table() string {
	return string(s.Direction) + "_" + string(s.Resolution)
}

func (s Series) String() string {
	return s.Table()
}

// MeasureType labels a detail interval with its tariff period
type MeasureType string

const (
	OffPeak MeasureType = "HC"
	Peak    MeasureType = "HP"
)

// Record is a cached daily or detail measurement.
//
// Daily records leave Interval and MeasureType empty. Detail records never
// carry a MonthlyCharge. Value is in Wh as returned by the provider.
type Record struct {
	ID            string
	UsagePointID  string
	Date          time.Time
	Value         int64
	Interval      int
	MeasureType   MeasureType
	MonthlyCharge decimal.NullDecimal
	Blacklist     bool
	FailCount     int
}

// MeteringPoint is the ledger row of a configured usage point
type MeteringPoint struct {
	ID                string
	Name              string
	Enable            bool
	Cache             bool
	Consumption       bool
	ConsumptionDetail bool
	Production        bool
	ProductionDetail  bool

	Plan                 string
	ConsumptionPriceBase decimal.Decimal
	ConsumptionPriceHC   decimal.Decimal
	ConsumptionPriceHP   decimal.Decimal
	ProductionPrice      decimal.Decimal
	OffpeakHours         [7]string

	CallNumber        int
	QuotaLimit        int
	QuotaReached      bool
	QuotaResetAt      *time.Time
	LastCall          *time.Time
	ConsentExpiration *time.Time
	Ban               bool

	Progress                 int
	ProgressStatus           string
	ConsumptionMaxDate       *time.Time
	ConsumptionDetailMaxDate *time.Time
	ProductionMaxDate        *time.Time
	ProductionDetailMaxDate  *time.Time
}

// MaxDate returns the farthest-fetched marker for a series.
func (m *MeteringPoint) MaxDate(s Series) *time.Time {
	switch s {
	case Series{Resolution: Daily, Direction: Consumption}:
		return m.ConsumptionMaxDate
	case Series{Resolution: Detail, Direction: Consumption}:
		return m.ConsumptionDetailMaxDate
	case Series{Resolution: Daily, Direction: Production}:
		return m.ProductionMaxDate
	case Series{Resolution: Detail, Direction: Production}:
		return m.ProductionDetailMaxDate
	}
	return nil
}

// SetMaxDate updates the farthest-fetched marker for a series.
func (m *MeteringPoint) SetMaxDate(s Series, at *time.Time) {
	switch s {
	case Series{Resolution: Daily, Direction: Consumption}:
		m.ConsumptionMaxDate = at
	case Series{Resolution: Detail, Direction: Consumption}:
		m.ConsumptionDetailMaxDate = at
	case Series{Resolution: Daily, Direction: Production}:
		m.ProductionMaxDate = at
	case Series{Resolution: Detail, Direction: Production}:
		m.ProductionDetailMaxDate = at
	}
}

// Enabled reports whether fetching the series is configured for the point.
func (m *MeteringPoint) Enabled(s Series) bool {
	switch s {
	case Series{Resolution: Daily, Direction: Consumption}:
		return m.Consumption
	case Series{Resolution: Detail, Direction: Consumption}:
		return m.ConsumptionDetail
	case Series{Resolution: Daily, Direction: Production}:
		return m.Production
	case Series{Resolution: Detail, Direction: Production}:
		return m.ProductionDetail
	}
	return false
}
