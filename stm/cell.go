package stm

import (
	"context"
	"sync"
	"sync/atomic"
)

var cellIDCounter atomic.Uint64

func nextCellID() uint64 { return cellIDCounter.Add(1) }

// chainNode — один узел версионной цепочки ячейки (§3, I1-I4): stamp
// строго убывает от головы к хвосту, older может быть обрезан
// триммингом (§4.1), но никогда не образует цикл.
//
// Обобщение teacher-овского version[K,V] (mvcc/version.go): там это была
// целая карта значений на одну версию всей MVCCMap; здесь — одно значение
// на версию одной ячейки.
type chainNode[T any] struct {
	stamp uint64
	value T
	older *chainNode[T]
}

// Cell — версионированный контейнер одного значения, атомарная единица
// транзакционного состояния (§3, §4.4).
type Cell[T any] struct {
	id    uint64
	rt    *Runtime
	owner any

	head atomic.Pointer[chainNode[T]]
	ws   atomic.Pointer[writeStamp]

	local  sync.Map // map[*txContext]*T — застейдженное для транзакции значение
	locker *stampLocker
	subs   cellSubs
}

// CellOption настраивает создаваемую ячейку (функциональные опции, как в
// teacher-овском options.go).
type CellOption func(*cellConfig)

type cellConfig struct {
	owner any
}

// WithOwner задаёт opaque owner tag ячейки — идентичность, под которой
// вышестоящий контейнер (например, Dict) объявляет все свои внутренние
// ячейки одним логическим полем для WhenCommitting (§3 "Owner tag").
func WithOwner(owner any) CellOption {
	return func(c *cellConfig) { c.owner = owner }
}

// NewCellOn создаёт ячейку, привязанную к конкретному Runtime. Используется,
// когда требуется изоляция от общего Default()-рантайма (например, в
// тестах, где параллельные сценарии не должны делить один commit-мьютекс).
func NewCellOn[T any](rt *Runtime, v T, opts ...CellOption) *Cell[T] {
	cfg := cellConfig{}
	for _, o := range opts {
		o(&cfg)
	}
	c := &Cell[T]{
		id:     nextCellID(),
		rt:     rt,
		locker: newStampLocker(rt.cfg.spinCount),
	}
	c.owner = c // по умолчанию ячейка — владелец самой себя
	if cfg.owner != nil {
		c.owner = cfg.owner
	}
	c.head.Store(&chainNode[T]{stamp: 0, value: v})
	return c
}

// NewCell создаёт ячейку на разделяемом Default()-рантайме — типичный путь
// для приложений, которым не нужна изоляция между независимыми рантаймами.
func NewCell[T any](v T, opts ...CellOption) *Cell[T] {
	return NewCellOn(Default(), v, opts...)
}

func (c *Cell[T]) cellID() uint64 { return c.id }
func (c *Cell[T]) ownerTag() any  { return c.owner }

func (c *Cell[T]) registerSub(s *subscription)    { c.subs.add(s) }
func (c *Cell[T]) unregisterSub(s *subscription)  { c.subs.remove(s) }
func (c *Cell[T]) subsSnapshot() []*subscription  { return c.subs.snapshot() }

func (c *Cell[T]) loadLocal(tc *txContext) (T, bool) {
	v, ok := c.local.Load(tc)
	if !ok {
		var zero T
		return zero, false
	}
	return *(v.(*T)), true
}

func (c *Cell[T]) storeLocal(tc *txContext, v T) {
	c.local.Store(tc, &v)
}

func (c *Cell[T]) clearLocal(tc *txContext) {
	c.local.Delete(tc)
}

// enlist регистрирует ячейку в транзакции при первом касании и запускает
// деградацию commute-записей, которые её затрагивают (§4.5 шаг 1).
// Возвращает true, если это первое касание этой транзакцией.
func (c *Cell[T]) enlist(tc *txContext) bool {
	if tc.blockEnlist != 0 && tc.blockEnlist != c.id {
		abort(ErrContextForbidden)
	}
	if tc.noNewEnlists && !tc.isEnlisted(c.id) {
		abort(ErrContextForbidden)
	}

	firstTouch := tc.markEnlisted(c, c.id)
	if firstTouch || tc.enforceTracking {
		tc.degenerateFor(c)
	}
	return firstTouch
}

// waitIfLocked реализует политику ожидания на чтении (§4.4): если write
// stamp ячейки заблокирован версией ≤ readStamp, читатель паркуется до
// освобождения или повышения версии.
func (c *Cell[T]) waitIfLocked(readStamp uint64) {
	ws := c.ws.Load()
	if ws == nil || !ws.locked() {
		return
	}
	if ws.versionOrZero() > readStamp {
		return
	}
	c.locker.waitUntil(func() bool {
		cur := c.ws.Load()
		return cur == nil || !cur.locked() || cur.versionOrZero() > readStamp
	})
}

// findVisible идёт по цепочке от головы к хвосту, пока не найдёт первый
// узел с stamp ≤ readStamp (I2: такой узел всегда существует).
func (c *Cell[T]) findVisible(readStamp uint64) T {
	n := c.head.Load()
	for n != nil && n.stamp > readStamp {
		n = n.older
	}
	if n == nil {
		var zero T
		return zero
	}
	return n.value
}

// Get возвращает значение ячейки. Вне транзакции — атомарный снимок
// головы. Внутри транзакции — см. §4.4.
func (c *Cell[T]) Get(ctx context.Context) T {
	tc, ok := txFromContext(ctx)
	if !ok {
		return c.head.Load().value
	}
	c.checkRuntime(tc)

	c.enlist(tc)

	slot, hasStaged := c.loadLocal(tc)
	if hasStaged && !tc.readingOldState {
		return slot
	}

	if hasStaged && tc.readingOldState {
		if c.head.Load().stamp > tc.readStamp {
			abort(ErrWritableReadCollision)
		}
	}

	c.waitIfLocked(tc.readStamp)
	return c.findVisible(tc.readStamp)
}

// GetOld всегда возвращает значение на момент read_stamp, игнорируя
// застейдженные записи (§4.4).
func (c *Cell[T]) GetOld(ctx context.Context) T {
	tc, ok := txFromContext(ctx)
	if !ok {
		return c.head.Load().value
	}
	c.checkRuntime(tc)
	c.enlist(tc)
	c.waitIfLocked(tc.readStamp)
	return c.findVisible(tc.readStamp)
}

// Set регистрирует запись как ожидающую публикации (§4.4). Паникует
// внутренним сигналом повтора при коллизии с более новой головой.
func (c *Cell[T]) Set(ctx context.Context, v T) {
	tc, ok := txFromContext(ctx)
	if !ok {
		abort(ErrNotInTransaction)
	}
	c.checkRuntime(tc)
	c.setTx(tc, v)
}

func (c *Cell[T]) setTx(tc *txContext, v T) {
	c.enlist(tc)
	if tc.writesMustBeStaged {
		if _, hasStaged := c.loadLocal(tc); !hasStaged {
			abort(ErrWriteForbidden)
		}
	}
	if c.head.Load().stamp > tc.readStamp {
		abort(ErrWriteCollision)
	}
	c.storeLocal(tc, v)
	tc.hasChanges = true
	tc.markChanged(c)
}

// Modify — то же, что Set(f(Get())), но без двойного копирования большого
// значения: f мутирует значение staged-слота на месте.
func (c *Cell[T]) Modify(ctx context.Context, f func(v *T)) {
	tc, ok := txFromContext(ctx)
	if !ok {
		abort(ErrNotInTransaction)
	}
	c.checkRuntime(tc)
	c.modifyTx(tc, f)
}

func (c *Cell[T]) modifyTx(tc *txContext, f func(v *T)) {
	c.enlist(tc)
	if tc.writesMustBeStaged {
		if _, hasStaged := c.loadLocal(tc); !hasStaged {
			abort(ErrWriteForbidden)
		}
	}
	head := c.head.Load()
	if head.stamp > tc.readStamp {
		abort(ErrWriteCollision)
	}
	v, hasStaged := c.loadLocal(tc)
	if !hasStaged {
		v = head.value
	}
	f(&v)
	c.storeLocal(tc, v)
	tc.hasChanges = true
	tc.markChanged(c)
}

// Commute ставит в очередь отложенную коммутативную запись (§4.5).
// Тело f выполнится либо при деградации (если кто-то коснётся этой
// ячейки раньше коммита), либо изолированно на момент коммита.
func (c *Cell[T]) Commute(ctx context.Context, f func(v *T)) {
	tc, ok := txFromContext(ctx)
	if !ok {
		abort(ErrNotInTransaction)
	}
	c.checkRuntime(tc)
	tc.addCommute(&commuteRecord{
		cellID:    c.id,
		affecting: map[uint64]struct{}{c.id: {}},
		state:     commuteOk,
		run: func(rtc *txContext) {
			c.modifyTx(rtc, f)
		},
	})
}

// CommuteStrict — как Commute, но при выполнении запрещает телу f
// касаться любой ячейки, кроме c (через tc.blockEnlist, §4.5 "Strict
// commutes").
func (c *Cell[T]) CommuteStrict(ctx context.Context, f func(v *T)) {
	tc, ok := txFromContext(ctx)
	if !ok {
		abort(ErrNotInTransaction)
	}
	c.checkRuntime(tc)
	tc.addCommute(&commuteRecord{
		cellID:    c.id,
		affecting: map[uint64]struct{}{c.id: {}},
		state:     commuteOk,
		strict:    true,
		run: func(rtc *txContext) {
			prev := rtc.blockEnlist
			rtc.blockEnlist = c.id
			defer func() { rtc.blockEnlist = prev }()
			c.modifyTx(rtc, f)
		},
	})
}

// canCommit — сторона ячейки в протоколе коммита (§4.4): true, если не
// занята другим write stamp'ом и голова не продвинулась дальше readStamp
// вызывающего. При успехе и наличии staged-значения устанавливает ws.
// Вызывается только под Runtime.commitMu.
func (c *Cell[T]) canCommit(tc *txContext, readStamp uint64, ws *writeStamp) bool {
	if cur := c.ws.Load(); cur != nil && cur != ws {
		return false
	}
	if c.head.Load().stamp > readStamp {
		return false
	}
	if _, hasStaged := c.loadLocal(tc); hasStaged {
		c.ws.Store(ws)
	}
	return true
}

// commitCell публикует новую версию и снимает лок. Вызывается только под
// Runtime.commitMu, после того как canCommit вернул true для всех ячеек.
func (c *Cell[T]) commitCell(tc *txContext, version uint64) {
	v, ok := c.loadLocal(tc)
	if ok {
		for {
			old := c.head.Load()
			node := &chainNode[T]{stamp: version, value: v, older: old}
			if c.head.CompareAndSwap(old, node) {
				break
			}
		}
	}
	c.clearLocal(tc)
	if cur := c.ws.Load(); cur == tc.ws {
		c.ws.Store(nil)
	}
	c.locker.releaseAll()
}

// rollbackCell отменяет незакоммиченное состояние ячейки для транзакции tc.
func (c *Cell[T]) rollbackCell(tc *txContext) {
	c.clearLocal(tc)
	if cur := c.ws.Load(); cur != nil && cur.owner == tc {
		c.ws.Store(nil)
		c.locker.releaseAll()
	}
}

// trim отсекает хвост цепочки старше horizon (§4.1): находит новейший
// узел со stamp ≤ horizon и обрывает его older.
func (c *Cell[T]) trim(horizon uint64) {
	n := c.head.Load()
	for n != nil && n.stamp > horizon {
		n = n.older
	}
	if n == nil || n.older == nil {
		return
	}
	n.older = nil
}

func (c *Cell[T]) checkRuntime(tc *txContext) {
	if tc.rt != c.rt {
		panic("stm: cell used with a transaction from a different Runtime")
	}
}
