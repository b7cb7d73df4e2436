package instrument

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shaiso/vestra/internal/domain"
)

// Типы приборов в таблице instruments.
const (
	TypeXPeel   = "XPeel"
	TypeUrRobot = "UrRobot"
)

// SimConfig — параметры симуляторов.
type SimConfig struct {
	// OpDelay — длительность каждой операции (default: 0).
	OpDelay time.Duration

	Logger *slog.Logger
}

// SimulatedFactories возвращает фабрики симуляторов для всех известных типов.
func SimulatedFactories(cfg SimConfig) map[string]Factory {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return map[string]Factory{
		TypeXPeel: func(inst domain.Instrument) (Connector, error) {
			return NewSimPeeler(inst, cfg), nil
		},
		TypeUrRobot: func(inst domain.Instrument) (Connector, error) {
			return NewSimArm(inst, cfg)
		},
	}
}

// simBase — общее состояние симулятора.
type simBase struct {
	name   string
	delay  time.Duration
	logger *slog.Logger

	mu        sync.Mutex
	connected bool
	calls     map[string]int
}

func newSimBase(inst domain.Instrument, cfg SimConfig) *simBase {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &simBase{
		name:   inst.Name,
		delay:  cfg.OpDelay,
		logger: logger.With("instrument", inst.Name, "simulated", true),
		calls:  make(map[string]int),
	}
}

// Connect помечает симулятор подключённым.
func (s *simBase) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.connected {
		s.connected = true
		s.logger.Info("simulated instrument connected")
	}
	return nil
}

// Calls возвращает количество вызовов операции.
func (s *simBase) Calls(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// begin проверяет соединение, учитывает вызов и имитирует длительность.
func (s *simBase) begin(ctx context.Context, op string) error {
	s.mu.Lock()
	connected := s.connected
	s.calls[op]++
	s.mu.Unlock()

	if !connected {
		return fmt.Errorf("%s: not connected", s.name)
	}

	if s.delay > 0 {
		timer := time.NewTimer(s.delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}
	return nil
}

// SimPeeler — симулятор распечатывателя планшетов XPeel.
type SimPeeler struct {
	*simBase

	tapeLeft int
}

// NewSimPeeler создаёт симулятор XPeel.
func NewSimPeeler(inst domain.Instrument, cfg SimConfig) *SimPeeler {
	return &SimPeeler{simBase: newSimBase(inst, cfg), tapeLeft: 100}
}

// Operations возвращает операции XPeel.
func (p *SimPeeler) Operations() map[string]Operation {
	return map[string]Operation{
		"status":         p.status,
		"reset":          p.reset,
		"peel":           p.peel,
		"seal_check":     p.sealCheck,
		"tape_remaining": p.tapeRemaining,
	}
}

func (p *SimPeeler) status(ctx context.Context, _ Args) (Output, error) {
	if err := p.begin(ctx, "status"); err != nil {
		return nil, err
	}
	return readyOutput(), nil
}

func (p *SimPeeler) reset(ctx context.Context, _ Args) (Output, error) {
	if err := p.begin(ctx, "reset"); err != nil {
		return nil, err
	}
	return readyOutput(), nil
}

func (p *SimPeeler) peel(ctx context.Context, args Args) (Output, error) {
	param, err := args.Int("param")
	if err != nil {
		return nil, err
	}
	adhere, err := args.Int("adhere")
	if err != nil {
		return nil, err
	}
	if err := p.begin(ctx, "peel"); err != nil {
		return nil, err
	}

	p.mu.Lock()
	if p.tapeLeft == 0 {
		p.mu.Unlock()
		return nil, fmt.Errorf("%s: out of tape", p.name)
	}
	p.tapeLeft--
	p.mu.Unlock()

	p.logger.Info("simulated peel", "param", param, "adhere", adhere)
	out := readyOutput()
	out["param"] = param
	out["adhere"] = adhere
	return out, nil
}

func (p *SimPeeler) sealCheck(ctx context.Context, _ Args) (Output, error) {
	if err := p.begin(ctx, "seal_check"); err != nil {
		return nil, err
	}
	return readyOutput(), nil
}

func (p *SimPeeler) tapeRemaining(ctx context.Context, _ Args) (Output, error) {
	if err := p.begin(ctx, "tape_remaining"); err != nil {
		return nil, err
	}

	p.mu.Lock()
	left := p.tapeLeft
	p.mu.Unlock()

	return Output{
		"type":              "tape",
		"deseals_remaining": left,
		"take_up_spool":     100 - left,
	}, nil
}

func readyOutput() Output {
	return Output{
		"type":         "ready",
		"error_code_1": 0,
		"error_code_2": 0,
		"error_code_3": 0,
	}
}

// SimArm — симулятор робота-манипулятора UR.
type SimArm struct {
	*simBase

	position int
}

// NewSimArm создаёт симулятор UR.
func NewSimArm(inst domain.Instrument, cfg SimConfig) (*SimArm, error) {
	// connection_info должен разбираться: из него берутся места точек
	if _, err := inst.ParseConnectionInfo(); err != nil {
		return nil, err
	}
	return &SimArm{simBase: newSimBase(inst, cfg)}, nil
}

// Operations возвращает операции UR.
func (a *SimArm) Operations() map[string]Operation {
	return map[string]Operation{
		"move":                   a.move,
		"move_to_joint_waypoint": a.moveToJointWaypoint,
		"retrieve_state_joint":   a.retrieveStateJoint,
	}
}

// Position возвращает текущую точку.
func (a *SimArm) Position() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.position
}

func (a *SimArm) move(ctx context.Context, args Args) (Output, error) {
	src, err := args.Int("source_waypoint_number")
	if err != nil {
		return nil, err
	}
	dst, err := args.Int("destination_waypoint_number")
	if err != nil {
		return nil, err
	}

	var pause time.Duration
	if args.Has("delay_between_movements") {
		sec, err := args.Float("delay_between_movements")
		if err != nil {
			return nil, err
		}
		pause = time.Duration(sec * float64(time.Second))
	}

	if err := a.begin(ctx, "move"); err != nil {
		return nil, err
	}
	a.setPosition(src)

	if pause > 0 {
		timer := time.NewTimer(pause)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	a.setPosition(dst)

	a.logger.Info("simulated move", "source", src, "destination", dst)
	return Output{
		"source_waypoint_number":      src,
		"destination_waypoint_number": dst,
	}, nil
}

func (a *SimArm) moveToJointWaypoint(ctx context.Context, args Args) (Output, error) {
	wp, err := args.Int("waypoint_number")
	if err != nil {
		return nil, err
	}
	if err := a.begin(ctx, "move_to_joint_waypoint"); err != nil {
		return nil, err
	}
	a.setPosition(wp)
	return Output{"waypoint_number": wp}, nil
}

func (a *SimArm) retrieveStateJoint(ctx context.Context, _ Args) (Output, error) {
	if err := a.begin(ctx, "retrieve_state_joint"); err != nil {
		return nil, err
	}

	pos := float64(a.Position())
	q := []any{pos, 0.0, 0.0, 0.0, 0.0, 0.0}
	return Output{"q": q}, nil
}

func (a *SimArm) setPosition(wp int) {
	a.mu.Lock()
	a.position = wp
	a.mu.Unlock()
}
