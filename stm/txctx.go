package stm

import "context"

// enlistedCell — нетипизированная сторона Cell[T], нужная коду, который не
// может быть generic сам по себе (txContext, commit-координатор,
// commute-движок). Каждый Cell[T] реализует её напрямую.
type enlistedCell interface {
	cellID() uint64
	ownerTag() any
	registerSub(s *subscription)
	unregisterSub(s *subscription)
	subsSnapshot() []*subscription
	canCommit(tc *txContext, readStamp uint64, ws *writeStamp) bool
	commitCell(tc *txContext, version uint64)
	rollbackCell(tc *txContext)
	trim(horizon uint64)
}

type ctxKeyType struct{}

var ctxKey ctxKeyType

func withTx(ctx context.Context, tc *txContext) context.Context {
	return context.WithValue(ctx, ctxKey, tc)
}

func txFromContext(ctx context.Context) (*txContext, bool) {
	tc, ok := ctx.Value(ctxKey).(*txContext)
	return tc, ok
}

type sideEffectPair struct {
	onCommit   func()
	onRollback func()
}

// txContext — состояние одной попытки транзакции (§3 "Transaction
// context"). Принадлежит ровно одной goroutine на всё время своей жизни;
// внутренней синхронизации не требует. Носится в значении context.Context
// как идиоматичная Go-замена thread-static поля оригинала (см. DESIGN.md,
// заметка R1).
type txContext struct {
	rt      *Runtime
	baseCtx context.Context

	readStamp uint64

	enlisted    []enlistedCell
	enlistedIdx map[uint64]int
	changed     map[any]bool // owner tag -> действительно ли изменён (для when_committing)

	hasChanges bool

	commutes     []*commuteRecord
	inDegenerate bool
	commuteTime  int // -1 = без ограничения

	sideEffects     []sideEffectPair
	syncSideEffects []func()

	ws *writeStamp

	// ограничения, накладываемые на вложенные операции во время
	// специальных фаз выполнения (strict commute, pre-commit,
	// when-committing, read_old_state).
	blockEnlist        uint64
	noNewEnlists       bool
	writesMustBeStaged bool
	enforceTracking    bool
	readingOldState    bool
	blockCommute       bool
}

func newTxContext(rt *Runtime) *txContext {
	return newTxContextWithBase(rt, context.Background())
}

func newTxContextWithBase(rt *Runtime, base context.Context) *txContext {
	tc := &txContext{
		rt:          rt,
		baseCtx:     base,
		readStamp:   rt.clock.load(),
		enlistedIdx: make(map[uint64]int),
		changed:     make(map[any]bool),
		commuteTime: -1,
	}
	rt.vlist.acquire(tc.readStamp)
	return tc
}

func (tc *txContext) release() {
	tc.rt.vlist.release(tc.readStamp)
}

func (tc *txContext) isEnlisted(cellID uint64) bool {
	_, ok := tc.enlistedIdx[cellID]
	return ok
}

// markEnlisted добавляет ячейку в enlisted-набор, если её там ещё нет.
// Возвращает true, если это первое касание.
func (tc *txContext) markEnlisted(c enlistedCell, cellID uint64) bool {
	if _, ok := tc.enlistedIdx[cellID]; ok {
		return false
	}
	tc.enlistedIdx[cellID] = len(tc.enlisted)
	tc.enlisted = append(tc.enlisted, c)
	return true
}

func (tc *txContext) markChanged(c enlistedCell) {
	tc.changed[c.ownerTag()] = true
}

func (tc *txContext) addCommute(r *commuteRecord) {
	tc.commutes = append(tc.commutes, r)
}

// removeAffecting удаляет из очереди все ещё не выполненные commute-записи,
// которые затрагивают cellID — используется при аварийном сворачивании
// деградации (§4.5: "on throw, remove every record whose affecting contains
// c before re-raising").
func (tc *txContext) removeAffecting(cellID uint64) {
	kept := tc.commutes[:0]
	for _, r := range tc.commutes {
		if r.state == commuteExecuted {
			kept = append(kept, r)
			continue
		}
		if _, touches := r.affecting[cellID]; touches {
			continue
		}
		kept = append(kept, r)
	}
	tc.commutes = kept
}

// abortSignal несёт либо сигнал повтора, либо настоящую ошибку через панику,
// перехватываемую на границе Run/RunResult/RunToCommit (см. run.go).
// Это единственное оправданное использование паники в пакете: публичные
// методы Cell[T] (Get/Set/Modify/...) описаны спецификацией без
// возвращаемого error, так что пробросить конфликт сквозь произвольно
// глубокий пользовательский стек вызовов можно только так — ровно тот же
// приём, которым encoding/json отменяет глубоко вложенное декодирование.
type abortSignal struct{ err error }

func abort(err error) {
	panic(abortSignal{err: err})
}
