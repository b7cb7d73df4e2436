// Package config загружает конфигурацию vestra-orchestrator.
//
// Источники по убыванию приоритета: переменные окружения (VESTRA_*,
// а также DB_URL, RABBITMQ_URL, LOG_LEVEL, LOG_FORMAT), YAML-файл, значения по умолчанию.
package config

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shaiso/vestra/internal/domain"
)

// Драйверы хранилища.
const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// Config — корневая конфигурация.
type Config struct {
	DB           DBConfig           `mapstructure:"db"`
	MQ           MQConfig           `mapstructure:"mq"`
	Ledger       LedgerConfig       `mapstructure:"ledger"`
	Flows        FlowsConfig        `mapstructure:"flows"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Instruments  InstrumentsConfig  `mapstructure:"instruments"`
	HTTP         HTTPConfig         `mapstructure:"http"`
	Log          LogConfig          `mapstructure:"log"`
	Lab          LabConfig          `mapstructure:"lab"`
	Schedules    []ScheduleConfig   `mapstructure:"schedules"`
}

// DBConfig — PostgreSQL.
type DBConfig struct {
	URL      string `mapstructure:"url"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// MQConfig — RabbitMQ. Недоступный брокер не мешает запуску.
type MQConfig struct {
	URL     string `mapstructure:"url"`
	Enabled bool   `mapstructure:"enabled"`
}

// LedgerConfig выбирает хранилище.
type LedgerConfig struct {
	Driver string `mapstructure:"driver"`
}

// FlowsConfig — расположение flows.json.
type FlowsConfig struct {
	Dir              string   `mapstructure:"dir"`
	File             string   `mapstructure:"file"`
	PassthroughTypes []string `mapstructure:"passthrough_types"`
	IgnoredTypes     []string `mapstructure:"ignored_types"`
}

// OrchestratorConfig — интервалы ожидания и dispatcher.
type OrchestratorConfig struct {
	PollInterval     time.Duration `mapstructure:"poll_interval"`
	DispatchInterval time.Duration `mapstructure:"dispatch_interval"`
	MinBackoff       time.Duration `mapstructure:"min_backoff"`
}

// InstrumentsConfig — подключение к приборам.
type InstrumentsConfig struct {
	// Simulate подменяет драйверы приборов симуляторами
	Simulate bool          `mapstructure:"simulate"`
	OpDelay  time.Duration `mapstructure:"op_delay"`
}

// HTTPConfig — API и /metrics.
type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
}

// LogConfig — логирование.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// LabConfig — начальное оснащение лаборатории для драйвера memory.
type LabConfig struct {
	Instruments []LabInstrument `mapstructure:"instruments"`
	Locations   []LabLocation   `mapstructure:"locations"`
}

// LabInstrument описывает прибор.
type LabInstrument struct {
	ID               int64          `mapstructure:"id"`
	Name             string         `mapstructure:"name"`
	Type             string         `mapstructure:"type"`
	ConnectionMethod string         `mapstructure:"connection_method"`
	ConnectionInfo   map[string]any `mapstructure:"connection_info"`
	Disabled         bool           `mapstructure:"disabled"`
}

// LabLocation описывает место для планшета.
type LabLocation struct {
	ID           string `mapstructure:"id"`
	Type         string `mapstructure:"type"`
	InstrumentID int64  `mapstructure:"instrument_id"`
	Parent       string `mapstructure:"parent"`
}

// Domain переводит прибор в доменную запись.
func (li LabInstrument) Domain() (domain.Instrument, error) {
	inst := domain.Instrument{
		ID:               li.ID,
		Name:             li.Name,
		Type:             li.Type,
		ConnectionMethod: li.ConnectionMethod,
		Enabled:          !li.Disabled,
	}
	if len(li.ConnectionInfo) > 0 {
		raw, err := json.Marshal(li.ConnectionInfo)
		if err != nil {
			return inst, fmt.Errorf("instrument %d: connection_info: %w", li.ID, err)
		}
		inst.ConnectionInfo = raw
	}
	return inst, nil
}

// Domain переводит место в доменную запись.
func (ll LabLocation) Domain() domain.PlateLocation {
	loc := domain.PlateLocation{ID: ll.ID, Type: ll.Type}
	if ll.InstrumentID != 0 {
		id := ll.InstrumentID
		loc.InstrumentID = &id
	}
	if ll.Parent != "" {
		parent := ll.Parent
		loc.ParentID = &parent
	}
	return loc
}

// DemoLab — стенд из отслаивателя и манипулятора, которым пользуется
// драйвер memory, если [lab] не задан.
func DemoLab() LabConfig {
	return LabConfig{
		Instruments: []LabInstrument{
			{ID: 1, Name: "xpeel", Type: "XPeel", ConnectionMethod: "serial"},
			{
				ID:               2,
				Name:             "ur-arm",
				Type:             "UrRobot",
				ConnectionMethod: "tcp",
				ConnectionInfo: map[string]any{
					"waypoint_locations": map[string]any{
						"1": "hotel-1",
						"2": "xpeel-nest",
						"3": "hotel-2",
					},
				},
			},
		},
		Locations: []LabLocation{
			{ID: "xpeel-nest", Type: "instrument", InstrumentID: 1},
			{ID: "hotel-1", Type: "hotel"},
			{ID: "hotel-2", Type: "hotel"},
		},
	}
}

// ScheduleConfig — периодический запуск flow.
// Задаётся либо Cron, либо Interval.
type ScheduleConfig struct {
	Name        string        `mapstructure:"name"`
	StartNodeID string        `mapstructure:"start_node_id"`
	Cron        string        `mapstructure:"cron"`
	Interval    time.Duration `mapstructure:"interval"`
	Timezone    string        `mapstructure:"timezone"`
}

// Validate проверяет конфигурацию.
func (c *Config) Validate() error {
	switch c.Ledger.Driver {
	case DriverPostgres, DriverMemory:
	default:
		return fmt.Errorf("%w: ledger.driver %q", ErrInvalidConfig, c.Ledger.Driver)
	}

	intervals := []struct {
		key string
		val time.Duration
	}{
		{"orchestrator.poll_interval", c.Orchestrator.PollInterval},
		{"orchestrator.dispatch_interval", c.Orchestrator.DispatchInterval},
		{"orchestrator.min_backoff", c.Orchestrator.MinBackoff},
	}
	for _, iv := range intervals {
		if iv.val <= 0 {
			return fmt.Errorf("%w: %s must be positive, got %s", ErrInvalidConfig, iv.key, iv.val)
		}
	}
	if c.Orchestrator.MinBackoff > c.Orchestrator.PollInterval {
		return fmt.Errorf("%w: orchestrator.min_backoff exceeds poll_interval", ErrInvalidConfig)
	}

	if c.Flows.Dir == "" {
		return fmt.Errorf("%w: flows.dir is required", ErrInvalidConfig)
	}
	if c.Ledger.Driver == DriverPostgres && c.DB.URL == "" {
		return fmt.Errorf("%w: db.url is required for postgres", ErrInvalidConfig)
	}

	seen := make(map[int64]bool)
	for _, inst := range c.Lab.Instruments {
		if inst.ID <= 0 || inst.Type == "" {
			return fmt.Errorf("%w: lab instrument needs id and type", ErrInvalidConfig)
		}
		if seen[inst.ID] {
			return fmt.Errorf("%w: duplicate lab instrument %d", ErrInvalidConfig, inst.ID)
		}
		seen[inst.ID] = true
	}
	for _, loc := range c.Lab.Locations {
		if loc.ID == "" {
			return fmt.Errorf("%w: lab location needs id", ErrInvalidConfig)
		}
	}

	for i, sc := range c.Schedules {
		if sc.StartNodeID == "" {
			return fmt.Errorf("%w: schedules[%d].start_node_id is required", ErrInvalidConfig, i)
		}
		if (sc.Cron == "") == (sc.Interval == 0) {
			return fmt.Errorf("%w: schedules[%d] needs exactly one of cron or interval", ErrInvalidConfig, i)
		}
		if sc.Interval < 0 {
			return fmt.Errorf("%w: schedules[%d].interval must be positive", ErrInvalidConfig, i)
		}
	}
	return nil
}
