package stm

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

// Run выполняет body внутри транзакции, перезапуская её с нуля при каждом
// конфликте коммита, пока она не пройдёт (§4.2, §4.6). body видит ячейки
// через ctx — ambient-доступ вместо явного параметра транзакции (см.
// DESIGN.md, заметка R1). Вложенный вызов внутри транзакции того же
// Runtime выполняет body прямо во внешней транзакции.
func (rt *Runtime) Run(ctx context.Context, body func(ctx context.Context) error) error {
	if outer, ok := txFromContext(ctx); ok && outer.rt == rt {
		return body(ctx)
	}
	attempt := 0
	for {
		tc := newTxContextWithBase(rt, ctx)
		txCtx := withTx(ctx, tc)

		bodyErr := runBody(txCtx, tc, body)

		if bodyErr == nil {
			bodyErr = tryCommit(tc)
		}

		tc.release()

		if bodyErr == nil {
			rt.logSideEffectErr("commit", tc.fireCommitted())
			return nil
		}
		if !isRetry(bodyErr) {
			rt.logSideEffectErr("rollback", tc.fireRolledBack())
			return bodyErr
		}
		rt.logSideEffectErr("rollback", tc.fireRolledBack())
		attempt++
		rt.backoff(ctx, attempt)
	}
}

// runBody вызывает body и переводит панику-сигнал (WriteCollision и
// подобные внутренние конфликты, а также проброшенные abort()'ом настоящие
// ошибки) в обычное значение error — единственная точка перехвата,
// описанная в txctx.go про abortSignal.
func runBody(ctx context.Context, tc *txContext, body func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			sig, ok := r.(abortSignal)
			if !ok {
				panic(r)
			}
			err = sig.err
		}
	}()
	return body(ctx)
}

// logSideEffectErr репортует UserError-агрегат (§7) от fireCommitted/
// fireRolledBack, не подменяя им результат самой транзакции — она уже
// решена к моменту вызова.
func (rt *Runtime) logSideEffectErr(phase string, err error) {
	if err != nil {
		rt.cfg.logger.Warn("stm: side effect failed", "phase", phase, "error", err)
	}
}

func (rt *Runtime) backoff(ctx context.Context, attempt int) {
	base := rt.cfg.commitRetryBase
	if base <= 0 {
		return
	}
	d := base << uint(attempt-1)
	if max := rt.cfg.commitRetryMax; max > 0 && d > max {
		d = max
	}
	jittered := time.Duration(rand.Int63n(int64(d) + 1))
	select {
	case <-ctx.Done():
	case <-time.After(jittered):
	}
}

// Run — package-level обёртка над Default().Run.
func Run(ctx context.Context, body func(ctx context.Context) error) error {
	return Default().Run(ctx, body)
}

// RunResultOn — как RunResult, но на явно заданном Runtime. Go не
// позволяет методам иметь собственные типовые параметры сверх параметра
// получателя, поэтому generic-вариант Run оформлен как свободная функция.
func RunResultOn[T any](rt *Runtime, ctx context.Context, body func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := rt.Run(ctx, func(ctx context.Context) error {
		v, err := body(ctx)
		if err != nil {
			return err
		}
		result = v
		return nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return result, nil
}

// RunResult — package-level обёртка над RunResultOn(Default(), ...).
func RunResult[T any](ctx context.Context, body func(ctx context.Context) (T, error)) (T, error) {
	return RunResultOn[T](Default(), ctx, body)
}

// RollbackAndRetry немедленно прерывает текущую транзакцию и перезапускает
// её с нуля (§4.2 "explicit retry"). Годится, когда тело обнаружило, что
// ждать больше нечего без дополнительных данных.
func RollbackAndRetry(ctx context.Context) {
	if _, ok := txFromContext(ctx); !ok {
		abort(ErrNotInTransaction)
	}
	abort(errRetry)
}

// ReadOldState выполняет body с взведённым reading_old_state: Get() внутри
// body игнорирует локально застейдженные записи и всегда видит значение на
// момент read_stamp транзакции (§4.4).
func ReadOldState(ctx context.Context, body func(ctx context.Context) error) error {
	tc, ok := txFromContext(ctx)
	if !ok {
		return ErrNotInTransaction
	}
	saved := tc.readingOldState
	tc.readingOldState = true
	defer func() { tc.readingOldState = saved }()
	return body(ctx)
}

// IsInTransaction сообщает, выполняется ли ctx внутри транзакции.
func IsInTransaction(ctx context.Context) bool {
	_, ok := txFromContext(ctx)
	return ok
}

// ReadStamp возвращает read-stamp текущей транзакции, если ctx несёт её.
func ReadStamp(ctx context.Context) (uint64, bool) {
	tc, ok := txFromContext(ctx)
	if !ok {
		return 0, false
	}
	return tc.readStamp, true
}

// Continuation — результат RunToCommit: транзакция, тело которой уже
// выполнено и провалидировано, но публикация отложена до явного Commit
// или до истечения таймаута — полезно, когда коммит нужно
// скоординировать с внешним событием.
type Continuation struct {
	tc        *txContext
	ctx       context.Context
	prep      *commitPrep
	mu        sync.Mutex
	completed bool
}

// RunToCommit выполняет body, как Run, но не публикует результат сразу: тело
// уже провалидировано и его write-stamp'ы захвачены под rt.commitMu (§6
// "Body runs, validates, holds locks") к моменту, когда функция возвращает
// Continuation. Дальнейшая публикация — дело вызывающего через Commit(),
// либо автоматический откат (с освобождением этих же локов) по истечении
// timeout (§5).
func (rt *Runtime) RunToCommit(ctx context.Context, timeout time.Duration, body func(ctx context.Context) error) (*Continuation, error) {
	if _, ok := txFromContext(ctx); ok {
		return nil, ErrAlreadyInTransaction
	}
	for {
		tc := newTxContextWithBase(rt, ctx)
		txCtx := withTx(ctx, tc)
		bodyErr := runBody(txCtx, tc, body)
		if bodyErr != nil {
			tc.release()
			if isRetry(bodyErr) {
				continue
			}
			rt.logSideEffectErr("rollback", tc.fireRolledBack())
			return nil, bodyErr
		}

		whenCommitting := rt.whenCommittingSnapshot()
		var prep *commitPrep
		if tc.hasChanges || len(tc.commutes) != 0 || len(whenCommitting) != 0 {
			var err error
			prep, err = validateAndLock(tc, whenCommitting)
			if err != nil {
				tc.release()
				if isRetry(err) {
					continue
				}
				rt.logSideEffectErr("rollback", tc.fireRolledBack())
				return nil, err
			}
		}

		cont := &Continuation{tc: tc, ctx: txCtx, prep: prep}
		if timeout > 0 {
			timer := time.AfterFunc(timeout, func() { cont.Rollback() })
			_ = timer
		}
		return cont, nil
	}
}

// Commit публикует отложенную транзакцию. Тело уже провалидировано и
// залочено в RunToCommit, так что, в отличие от обычного коммита, здесь
// больше нечему провалиться конфликтом — Commit лишь продвигает часы и
// публикует застейдженные значения, после чего снимает commitMu.
func (c *Continuation) Commit() error {
	c.mu.Lock()
	if c.completed {
		c.mu.Unlock()
		return ErrContinuationCompleted
	}
	c.completed = true
	c.mu.Unlock()

	if c.prep != nil {
		c.prep.publishLocked()
	}
	c.tc.release()
	c.tc.rt.logSideEffectErr("commit", c.tc.fireCommitted())
	return nil
}

// Rollback отменяет отложенную транзакцию без публикации, освобождая
// захваченные в RunToCommit write-stamp'ы и commitMu (§5: "its pending locks
// auto-release via rollback"). Вызывается явно либо таймером timeout.
func (c *Continuation) Rollback() {
	c.mu.Lock()
	if c.completed {
		c.mu.Unlock()
		return
	}
	c.completed = true
	c.mu.Unlock()

	if c.prep != nil {
		c.prep.releaseLocked()
	} else {
		for _, cell := range c.tc.enlisted {
			cell.rollbackCell(c.tc)
		}
	}
	c.tc.release()
	c.tc.rt.logSideEffectErr("rollback", c.tc.fireRolledBack())
}
