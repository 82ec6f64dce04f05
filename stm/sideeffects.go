package stm

import (
	"context"
	"errors"
	"fmt"
)

// SideEffect регистрирует пару колбэков, выполняемых вне транзакционного
// мира (§3 "Side effects"): onCommit — после успешной публикации, onRollback
// — если транзакция не дошла до коммита (конфликт, повтор, ошибка тела).
// Сами колбэки не должны трогать ячейки: на момент вызова коммит уже либо
// состоялся, либо откатился.
func SideEffect(ctx context.Context, onCommit, onRollback func()) {
	tc, ok := txFromContext(ctx)
	if !ok {
		abort(ErrNotInTransaction)
	}
	tc.sideEffects = append(tc.sideEffects, sideEffectPair{onCommit: onCommit, onRollback: onRollback})
}

// SyncSideEffect регистрирует колбэк, выполняемый синхронно внутри
// commit-координатора непосредственно перед публикацией новой версии, пока
// ячейки ещё залочены текущей транзакцией — в отличие от обычного
// SideEffect, он вправе дёргать внешние ресурсы, которым важно увидеть
// побочный эффект atomically с коммитом (например, журналирование).
func SyncSideEffect(ctx context.Context, cb func()) {
	tc, ok := txFromContext(ctx)
	if !ok {
		abort(ErrNotInTransaction)
	}
	tc.syncSideEffects = append(tc.syncSideEffects, cb)
}

func (tc *txContext) runSyncSideEffects() error {
	var errs []error
	for _, cb := range tc.syncSideEffects {
		func() {
			defer func() {
				if r := recover(); r != nil {
					if sig, ok := r.(abortSignal); ok {
						errs = append(errs, sig.err)
						return
					}
					panic(r)
				}
			}()
			cb()
		}()
	}
	return errors.Join(errs...)
}

// fireCommitted выполняет все зарегистрированные onCommit вне транзакции
// (§4.6 P7). Паника одного колбэка не должна мешать остальным — каждый
// вызывается изолированно, а их ошибки (UserError, §7) собираются через
// errors.Join и не подменяют собой результат самого коммита: тот уже
// определён к моменту вызова этой функции.
func (tc *txContext) fireCommitted() error {
	return tc.runSideEffects(true)
}

// fireRolledBack — как fireCommitted, но для onRollback.
func (tc *txContext) fireRolledBack() error {
	return tc.runSideEffects(false)
}

func (tc *txContext) runSideEffects(committed bool) error {
	var errs []error
	for _, p := range tc.sideEffects {
		cb := p.onRollback
		if committed {
			cb = p.onCommit
		}
		if cb == nil {
			continue
		}
		func() {
			defer func() {
				if r := recover(); r != nil {
					if sig, ok := r.(abortSignal); ok {
						errs = append(errs, sig.err)
						return
					}
					errs = append(errs, fmt.Errorf("stm: side effect panicked: %v", r))
				}
			}()
			cb()
		}()
	}
	return errors.Join(errs...)
}
