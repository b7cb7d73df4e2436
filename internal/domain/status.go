package domain

// Status — статус выполнения FlowRun или NodeRun.
//
// Жизненный цикл NodeRun:
//
//	waiting → in-progress → completed
//	                      ↘ failed (выставляется оператором)
//	(любой не финальный) → paused (выставляется оператором)
//
// FlowRun проходит те же статусы: in-progress ⇄ waiting на каждом шаге,
// completed после последнего канонического шага.
type Status string

const (
	// StatusWaiting — NodeRun стоит в очереди инструмента или ждёт plate location.
	StatusWaiting Status = "waiting"

	// StatusInProgress — шаг выполняется на инструменте.
	StatusInProgress Status = "in-progress"

	// StatusCompleted — шаг успешно завершён.
	StatusCompleted Status = "completed"

	// StatusFailed — шаг (или flow) завершился с ошибкой.
	StatusFailed Status = "failed"

	// StatusPaused — выполнение приостановлено оператором.
	StatusPaused Status = "paused"
)

// IsTerminal возвращает true, если статус финальный.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed:
		return true
	default:
		return false
	}
}

// IsActive возвращает true для статусов, которые удерживают ресурс.
func (s Status) IsActive() bool {
	switch s {
	case StatusWaiting, StatusInProgress, StatusPaused:
		return true
	default:
		return false
	}
}

// Valid проверяет, что статус известен системе.
func (s Status) Valid() bool {
	switch s {
	case StatusWaiting, StatusInProgress, StatusCompleted, StatusFailed, StatusPaused:
		return true
	default:
		return false
	}
}

// ParseStatus парсит строку в Status.
// Поддерживает написание через подчёркивание (in_progress).
func ParseStatus(s string) (Status, bool) {
	if s == "in_progress" {
		return StatusInProgress, true
	}
	st := Status(s)
	return st, st.Valid()
}

// String возвращает строковое представление Status.
func (s Status) String() string {
	return string(s)
}
