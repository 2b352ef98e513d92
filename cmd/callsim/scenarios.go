package main

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/arzzra/sipcall/pkg/account"
	"github.com/arzzra/sipcall/pkg/call"
	"github.com/arzzra/sipcall/pkg/logger"
	"github.com/arzzra/sipcall/pkg/simengine"
)

type scenarioFunc func(ctx context.Context, r *scenarioRunner) error

var scenarios = map[string]scenarioFunc{
	"outgoing": outgoingScenario,
	"incoming": incomingScenario,
	"rejected": rejectedScenario,
	"hold":     holdScenario,
	"transfer": transferScenario,
}

// scenarioOrder порядок для "all"
var scenarioOrder = []string{"outgoing", "incoming", "rejected", "hold", "transfer"}

func scenarioNames() string {
	names := make([]string, 0, len(scenarios)+1)
	for name := range scenarios {
		names = append(names, name)
	}
	sort.Strings(names)
	return strings.Join(append(names, "all"), ", ")
}

// scenarioRunner играет роль удаленной стороны и пользователя
type scenarioRunner struct {
	acc    *account.Account
	engine *simengine.Engine
	video  bool
	log    logger.StructuredLogger
	// pause между шагами, 0 в тестах
	pause time.Duration
}

// Run выполняет сценарий по имени или все по порядку
func (r *scenarioRunner) Run(ctx context.Context, name string) error {
	if name == "all" {
		var errs []error
		for _, n := range scenarioOrder {
			if ctx.Err() != nil {
				break
			}
			if err := r.runOne(ctx, n); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	}
	return r.runOne(ctx, name)
}

func (r *scenarioRunner) runOne(ctx context.Context, name string) error {
	fn, ok := scenarios[name]
	if !ok {
		return fmt.Errorf("unknown scenario %q", name)
	}

	r.log.Info(ctx, "сценарий начат", logger.String("scenario", name))
	if err := fn(ctx, r); err != nil {
		return fmt.Errorf("scenario %s: %w", name, err)
	}
	if err := r.engine.Drain(ctx); err != nil {
		return fmt.Errorf("scenario %s: %w", name, err)
	}
	r.log.Info(ctx, "сценарий завершен", logger.String("scenario", name))
	return nil
}

func (r *scenarioRunner) wait(ctx context.Context) error {
	if err := ctx.Err(); err != nil || r.pause <= 0 {
		return err
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(r.pause):
		return nil
	}
}

// steps выполняет шаги по очереди с паузой между ними
func (r *scenarioRunner) steps(ctx context.Context, steps ...func() error) error {
	for _, step := range steps {
		if err := step(); err != nil {
			return err
		}
		if err := r.engine.Drain(ctx); err != nil {
			return err
		}
		if err := r.wait(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (r *scenarioRunner) dial(ctx context.Context, destination string) (*simengine.Call, error) {
	session, err := r.acc.MakeCall(ctx, destination, r.video)
	if err != nil {
		return nil, err
	}
	c, ok := r.engine.Call(session.ID())
	if !ok {
		return nil, fmt.Errorf("call %d: %w", session.ID(), simengine.ErrCallDeleted)
	}
	return c, nil
}

var defaultTraffic = simengine.Traffic{
	Packets:        250,
	LossEvery:      40,
	DuplicateEvery: 100,
	Jitter:         3 * time.Millisecond,
}

// outgoingScenario исходящий звонок: звонит, отвечает, разговор, отбой с нашей стороны
func outgoingScenario(ctx context.Context, r *scenarioRunner) error {
	c, err := r.dial(ctx, "sip:200@"+r.acc.Realm())
	if err != nil {
		return err
	}
	return r.steps(ctx,
		func() error { return c.Ring(ctx) },
		func() error { return c.RemoteAnswer(ctx) },
		func() error { return c.SimulateAudio(defaultTraffic) },
		func() error { return r.acc.HangUp(ctx, c.ID()) },
	)
}

// incomingScenario входящий звонок: ответ, смена формата видео, отбой удаленной стороной
func incomingScenario(ctx context.Context, r *scenarioRunner) error {
	c, err := r.engine.Incoming(ctx, "sip:300@example.com", r.video)
	if err != nil {
		return err
	}

	steps := []func() error{
		func() error { return r.acc.Accept(ctx, c.ID()) },
		func() error { return c.SimulateAudio(defaultTraffic) },
	}
	if r.video {
		steps = append(steps,
			func() error { return r.acc.AttachIncomingSurface(ctx, c.ID(), "remote") },
			func() error { return r.acc.AttachPreviewSurface(ctx, c.ID(), "local") },
			func() error { return c.VideoFormatChanged(ctx, 1280, 720) },
			func() error { return c.RequestKeyframe(ctx) },
		)
	}
	steps = append(steps, func() error { return c.RemoteHangup(ctx) })
	return r.steps(ctx, steps...)
}

// rejectedScenario исходящий звонок, отклоненный удаленной стороной, и входящий, на который занято
func rejectedScenario(ctx context.Context, r *scenarioRunner) error {
	out, err := r.dial(ctx, "sip:201@"+r.acc.Realm())
	if err != nil {
		return err
	}
	if err := r.steps(ctx,
		func() error { return out.Ring(ctx) },
		func() error { return out.RemoteReject(ctx, call.StatusBusyHere, "Busy Here") },
	); err != nil {
		return err
	}

	in, err := r.engine.Incoming(ctx, "sip:301@example.com", false)
	if err != nil {
		return err
	}
	return r.steps(ctx, func() error { return r.acc.SendBusy(ctx, in.ID()) })
}

// holdScenario удержание, mute и снятие удержания в разговоре
func holdScenario(ctx context.Context, r *scenarioRunner) error {
	c, err := r.dial(ctx, "sip:202@"+r.acc.Realm())
	if err != nil {
		return err
	}
	id := c.ID()
	return r.steps(ctx,
		func() error { return c.RemoteAnswer(ctx) },
		func() error { return r.acc.SetHold(ctx, id, true) },
		func() error { return r.acc.SetHold(ctx, id, false) },
		func() error { return r.acc.SetMute(ctx, id, true) },
		func() error { return c.SimulateAudio(defaultTraffic) },
		func() error { return r.acc.SetMute(ctx, id, false) },
		func() error { return r.acc.HangUp(ctx, id) },
	)
}

// transferScenario слепой перевод и отбой после него
func transferScenario(ctx context.Context, r *scenarioRunner) error {
	c, err := r.engine.Incoming(ctx, "sip:302@example.com", false)
	if err != nil {
		return err
	}
	id := c.ID()
	return r.steps(ctx,
		func() error { return r.acc.Accept(ctx, id) },
		func() error { return r.acc.Transfer(ctx, id, "300") },
		func() error { return c.RemoteHangup(ctx) },
	)
}
