package call

import (
	"context"
	"errors"

	"github.com/looplab/fsm"
)

// State сигнальное состояние звонка
type State int

const (
	StateNull State = iota
	StateCalling
	StateIncoming
	StateEarly
	StateConnecting
	StateConfirmed
	StateDisconnected
)

var stateNames = map[State]string{
	StateNull:         "NULL",
	StateCalling:      "CALLING",
	StateIncoming:     "INCOMING",
	StateEarly:        "EARLY",
	StateConnecting:   "CONNECTING",
	StateConfirmed:    "CONFIRMED",
	StateDisconnected: "DISCONNECTED",
}

// String возвращает имя состояния, оно же имя состояния FSM
func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "UNKNOWN"
}

// IsTerminal true только для Disconnected
func (s State) IsTerminal() bool {
	return s == StateDisconnected
}

func stateFromString(name string) State {
	for state, stateName := range stateNames {
		if stateName == name {
			return state
		}
	}
	return StateDisconnected
}

// newStateMachine создает FSM жизненного цикла звонка.
// Имя события совпадает с именем целевого состояния. Переходы только вперед,
// повторная доставка текущего состояния допустима (NoTransitionError).
func newStateMachine(initial State) *fsm.FSM {
	null := StateNull.String()
	calling := StateCalling.String()
	incoming := StateIncoming.String()
	early := StateEarly.String()
	connecting := StateConnecting.String()
	confirmed := StateConfirmed.String()
	disconnected := StateDisconnected.String()

	return fsm.NewFSM(
		initial.String(),
		fsm.Events{
			{Name: calling, Src: []string{null, calling}, Dst: calling},
			{Name: incoming, Src: []string{null, incoming}, Dst: incoming},
			{Name: early, Src: []string{null, calling, incoming, early}, Dst: early},
			{Name: connecting, Src: []string{null, calling, incoming, early, connecting}, Dst: connecting},
			{Name: confirmed, Src: []string{null, calling, incoming, early, connecting, confirmed}, Dst: confirmed},
			{Name: disconnected, Src: []string{null, calling, incoming, early, connecting, confirmed}, Dst: disconnected},
		},
		fsm.Callbacks{},
	)
}

// transitionResult итог попытки перехода
type transitionResult int

const (
	transitionApplied transitionResult = iota
	transitionReentered
	transitionRejected
)

// advance переводит FSM в target. Повторный вход в текущее состояние
// не ошибка: обработчик ветки все равно выполняется.
func advance(ctx context.Context, machine *fsm.FSM, target State) (transitionResult, error) {
	err := machine.Event(ctx, target.String())
	if err == nil {
		return transitionApplied, nil
	}

	var noTransition fsm.NoTransitionError
	if errors.As(err, &noTransition) {
		return transitionReentered, nil
	}

	return transitionRejected, err
}
