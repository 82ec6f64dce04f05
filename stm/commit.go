package stm

import (
	"errors"
	"fmt"
)

// tryCommit — один проход протокола коммита (§4.6): коммутативная фаза,
// pre-commit триггеры, валидация, публикация. Возвращает errRetry, если
// попытку нужно перезапустить с нуля, любую другую ошибку — если она
// должна пробросься вызывающему без повтора, и nil — при успехе.
func tryCommit(tc *txContext) error {
	rt := tc.rt
	whenCommitting := rt.whenCommittingSnapshot()
	if !tc.hasChanges && len(tc.commutes) == 0 && len(whenCommitting) == 0 {
		return nil
	}

	prep, err := validateAndLock(tc, whenCommitting)
	if err != nil {
		return err
	}
	prep.publishLocked()
	return nil
}

// commitPrep — состояние между двумя половинами протокола коммита:
// validateAndLock уже провалидировал транзакцию и держит захваченным
// rt.commitMu вместе с write-stamp'ами затронутых ячеек; вызывающий обязан
// рано или поздно снять их через publishLocked (успех) или releaseLocked
// (откат) — именно так RunToCommit (§5, §6) разносит "валидировать и
// залочить" и "опубликовать" по разным моментам времени.
type commitPrep struct {
	tc     *txContext
	ws     *writeStamp
	locked []enlistedCell
}

// validateAndLock — первая половина tryCommit: коммутативная фаза,
// pre-commit и when-committing триггеры, посячеечная валидация и захват
// write-stamp'ов. При успехе возвращает *commitPrep с rt.commitMu ОСТАВЛЕННЫМ
// захваченным — это и есть "holds locks" из описания run_to_commit. При
// ошибке мьютекс уже снят.
func validateAndLock(tc *txContext, whenCommitting []*whenCommittingSub) (*commitPrep, error) {
	// commitMu снимается вручную (без defer) на каждом пути выхода: после
	// публикации нужно успеть освободить его ДО fireConditionalsAfterCommit,
	// которая рекурсивно открывает новые транзакции через rt.Run — с defer
	// это привело бы к самозахвату неповторно входимого sync.Mutex.
	rt := tc.rt
	rt.commitMu.Lock()

	// Изолированная коммутативная фаза идёт уже под commitMu: её свежий
	// read_stamp не может устареть до валидации, так что коммутации на
	// одну ячейку из разных транзакций не вызывают повторов друг друга.
	savedReadStamp := tc.readStamp
	var commuteStamp uint64
	var touched map[uint64]struct{}
	if err := runGuardedVoid(func() { commuteStamp, touched = tc.runIsolatedCommutes() }); err != nil {
		tc.readStamp = savedReadStamp
		rt.commitMu.Unlock()
		return nil, err
	}

	if err := runGuardedVoid(func() { firePreCommit(tc) }); err != nil {
		rt.commitMu.Unlock()
		return nil, err
	}

	for _, w := range whenCommitting {
		if w.cb == nil {
			continue
		}
		if err := runWhenCommitting(tc, w); err != nil {
			rt.commitMu.Unlock()
			return nil, err
		}
	}

	ws := newWriteStamp(tc)
	locked := make([]enlistedCell, 0, len(tc.enlisted))
	ok := true
	for _, c := range tc.enlisted {
		readStamp := tc.readStamp
		if _, isIsolated := touched[c.cellID()]; isIsolated {
			readStamp = commuteStamp
		}
		if !c.canCommit(tc, readStamp, ws) {
			ok = false
			break
		}
		locked = append(locked, c)
	}
	if !ok {
		for _, c := range locked {
			c.rollbackCell(tc)
		}
		rt.commitMu.Unlock()
		return nil, errRetry
	}

	if err := tc.runSyncSideEffects(); err != nil {
		for _, c := range locked {
			c.rollbackCell(tc)
		}
		rt.commitMu.Unlock()
		return nil, err
	}

	return &commitPrep{tc: tc, ws: ws, locked: locked}, nil
}

// publishLocked — вторая половина протокола: продвигает часы рантайма,
// публикует новые версии затронутых ячеек и снимает rt.commitMu, захваченный
// validateAndLock. Вызывается ровно один раз на успешный commitPrep.
func (p *commitPrep) publishLocked() {
	tc := p.tc
	rt := tc.rt

	version := rt.clock.advance()
	tc.ws = p.ws
	p.ws.publish(version)

	for _, c := range tc.enlisted {
		c.commitCell(tc, version)
	}

	rt.commitCounter.Add(1)
	rt.maybeTrim(tc.enlisted, version)

	rt.cfg.logger.Debug("stm: committed transaction", "version", version, "cells", len(tc.enlisted))

	rt.commitMu.Unlock()

	rt.fireConditionalsAfterCommit(tc)
}

// releaseLocked откатывает захваченные validateAndLock ячейки и снимает
// rt.commitMu без публикации — путь Continuation.Rollback()/таймаута (§5):
// "its pending locks auto-release via rollback".
func (p *commitPrep) releaseLocked() {
	tc := p.tc
	for _, c := range p.locked {
		c.rollbackCell(tc)
	}
	tc.rt.cfg.logger.Debug("stm: continuation rolled back", "cells", len(p.locked))
	tc.rt.commitMu.Unlock()
}

// runWhenCommitting выполняет один when-committing колбэк со своими
// ограничениями (§4.7): запрещены новые ячейки и незастейдженные записи.
func runWhenCommitting(tc *txContext, w *whenCommittingSub) error {
	savedNoNew := tc.noNewEnlists
	savedStaged := tc.writesMustBeStaged
	tc.noNewEnlists = true
	tc.writesMustBeStaged = true
	defer func() {
		tc.noNewEnlists = savedNoNew
		tc.writesMustBeStaged = savedStaged
	}()
	ctx := withTx(tc.baseCtx, tc)
	return runGuardedVoid(func() {
		if err := w.cb(ctx); err != nil {
			abort(err)
		}
	})
}

// runGuardedVoid — как runGuarded, но для кода, которому важна только
// ошибка (сигнал повтора трактуется как errRetry).
func runGuardedVoid(f func()) error {
	retried, err := runGuarded(f)
	if retried {
		return errRetry
	}
	return err
}

// maybeTrim выполняет попутный тримминг версий затронутых этим коммитом
// ячеек раз в cfg.trimEvery коммитов (§4.1). Горизонт — минимальный
// активный read-stamp рантайма.
func (rt *Runtime) maybeTrim(cells []enlistedCell, version uint64) {
	n := rt.commitCounter.Load()
	if rt.cfg.trimEvery == 0 || n%rt.cfg.trimEvery != 0 {
		return
	}
	horizon := rt.vlist.min(version)
	for _, c := range cells {
		c.trim(horizon)
	}
}

// fireConditionalsAfterCommit перезапускает Conditional-подписки,
// зарегистрированные на ячейках, которые эта транзакция реально изменила
// (§4.7): каждая срабатывает не более одного раза за коммит. Подписка,
// упавшая паникой, не должна останавливать срабатывание остальных —
// каждая оборачивается изолированно, а их ошибки собираются через
// errors.Join, ровно как в runSyncSideEffects.
func (rt *Runtime) fireConditionalsAfterCommit(tc *txContext) {
	fired := make(map[*subscription]bool)
	var errs []error
	for _, c := range tc.enlisted {
		if !tc.changed[c.ownerTag()] {
			continue
		}
		for _, s := range c.subsSnapshot() {
			if s.kind != subConditional || s.disposed.Load() || fired[s] {
				continue
			}
			fired[s] = true
			func() {
				defer func() {
					if r := recover(); r != nil {
						errs = append(errs, fmt.Errorf("stm: conditional reaction panicked: %v", r))
					}
				}()
				if err := runGuardedVoid(func() { rt.refireConditional(s) }); err != nil {
					errs = append(errs, err)
				}
			}()
		}
	}
	if err := errors.Join(errs...); err != nil {
		rt.cfg.logger.Warn("stm: conditional reaction failed", "error", err)
	}
}
