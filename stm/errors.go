package stm

import "errors"

// Sentinel-ошибки для типизированной обработки на стороне вызывающего.
//
// WriteCollision, WritableReadCollision и CommitFailed — внутренние
// сигналы повтора: они никогда не возвращаются из Run/RunResult, всегда
// перехватываются транзакционным циклом.
var (
	ErrWriteCollision         = errors.New("stm: write collision")
	ErrWritableReadCollision  = errors.New("stm: writable read collision")
	ErrCommitFailed           = errors.New("stm: commit validation failed")
	ErrNotInTransaction       = errors.New("stm: not in transaction")
	ErrAlreadyInTransaction   = errors.New("stm: already in transaction")
	ErrContextForbidden       = errors.New("stm: operation touched a cell outside its allowed scope")
	ErrWriteForbidden         = errors.New("stm: when-committing callback attempted a non-staged write")
	ErrInvalidCommute         = errors.New("stm: commute and main transaction touched overlapping cells")
	ErrConditionalDependsOnNothing = errors.New("stm: conditional/pre-commit test accessed no cells")
	ErrContinuationCompleted  = errors.New("stm: continuation already committed or rolled back")
)

// retrySignal — внутренний сигнал "откатиться и начать заново". Никогда не
// покидает пакет: Run и RunResult перехватывают его в своём цикле.
type retrySignal struct{}

func (retrySignal) Error() string { return "stm: retry" }

var errRetry error = retrySignal{}

// isRetry сообщает, является ли err внутренним сигналом повтора —
// явным RollbackAndRetry либо одной из трёх коллизий, которые по
// определению всегда приводят к перезапуску транзакции с нуля.
func isRetry(err error) bool {
	var r retrySignal
	if errors.As(err, &r) {
		return true
	}
	switch err {
	case ErrWriteCollision, ErrWritableReadCollision, ErrCommitFailed:
		return true
	}
	return false
}
