package stm

import (
	"context"
	"sync"
	"sync/atomic"
)

type subscriptionKind int

const (
	subConditional subscriptionKind = iota
	subPreCommit
)

// subscription — одна регистрация Conditional/PreCommit (§4.7). Набор
// зависимостей depCells защищён depMu; depsSnapshot отдаёт его копию.
// Без блокировок работает только посячеечный список подписчиков (cellSubs).
type subscription struct {
	rt   *Runtime
	kind subscriptionKind

	test  func(ctx context.Context) bool
	trans func(ctx context.Context) error

	depMu    sync.Mutex
	depCells []enlistedCell
	disposed atomic.Bool
}

func (s *subscription) setDeps(cells []enlistedCell) {
	s.depMu.Lock()
	s.depCells = cells
	s.depMu.Unlock()
}

func (s *subscription) depsSnapshot() []enlistedCell {
	s.depMu.Lock()
	defer s.depMu.Unlock()
	out := make([]enlistedCell, len(s.depCells))
	copy(out, s.depCells)
	return out
}

// Subscription — дескриптор живой подписки, возвращаемый Conditional/
// PreCommit/WhenCommitting.
type Subscription struct {
	sub  *subscription
	when *whenCommittingSub
}

// Dispose снимает подписку. Выполняется транзакционно (§4.7 "Dispose is
// transactional"): регистрация снимается атомарно относительно других
// коммитов, трогающих те же ячейки.
func (s *Subscription) Dispose(ctx context.Context) error {
	if s.when != nil {
		s.when.rt.removeWhenCommitting(s.when)
		return nil
	}
	if s.sub == nil || s.sub.disposed.Load() {
		return nil
	}
	return s.sub.rt.Run(ctx, func(ctx context.Context) error {
		s.sub.disposed.Store(true)
		for _, c := range s.sub.depsSnapshot() {
			c.unregisterSub(s.sub)
		}
		return nil
	})
}

// cellSubs — copy-on-write список подписчиков одной ячейки. Регистрация
// идёт через CAS-цикл над неизменяемым срезом, а не под мьютексом — того
// требует §4.7 ("lock-free CAS over an immutable list").
type cellSubs struct {
	list atomic.Pointer[[]*subscription]
}

func (cs *cellSubs) add(s *subscription) {
	for {
		old := cs.list.Load()
		var oldSlice []*subscription
		if old != nil {
			oldSlice = *old
		}
		next := make([]*subscription, len(oldSlice)+1)
		copy(next, oldSlice)
		next[len(oldSlice)] = s
		if cs.list.CompareAndSwap(old, &next) {
			return
		}
	}
}

func (cs *cellSubs) remove(s *subscription) {
	for {
		old := cs.list.Load()
		if old == nil {
			return
		}
		oldSlice := *old
		idx := -1
		for i, x := range oldSlice {
			if x == s {
				idx = i
				break
			}
		}
		if idx < 0 {
			return
		}
		next := make([]*subscription, 0, len(oldSlice)-1)
		next = append(next, oldSlice[:idx]...)
		next = append(next, oldSlice[idx+1:]...)
		if cs.list.CompareAndSwap(old, &next) {
			return
		}
	}
}

func (cs *cellSubs) snapshot() []*subscription {
	p := cs.list.Load()
	if p == nil {
		return nil
	}
	return *p
}

// gatherDeps выполняет test в изолированной подтранзакции исключительно
// ради сбора её read-набора; результат test отбрасывается (§4.7, шаг
// регистрации 1). Повторяет попытку при внутреннем конфликте чтения.
func (rt *Runtime) gatherDeps(test func(ctx context.Context) bool) ([]enlistedCell, error) {
	_, cells, err := rt.runTestWithDeps(test)
	return cells, err
}

// runTestWithDeps — как gatherDeps, но также возвращает результат test
// (нужно при повторном срабатывании Conditional: там важно не только
// перерегистрировать зависимость, но и узнать, пора ли выполнять trans).
func (rt *Runtime) runTestWithDeps(test func(ctx context.Context) bool) (result bool, cells []enlistedCell, err error) {
	for {
		tc := newTxContext(rt)
		ctx := withTx(context.Background(), tc)

		var res bool
		retried, rerr := runGuarded(func() { res = test(ctx) })
		tc.release()
		if rerr != nil {
			return false, nil, rerr
		}
		if retried {
			continue
		}
		if len(tc.enlisted) == 0 {
			return false, nil, ErrConditionalDependsOnNothing
		}
		out := make([]enlistedCell, len(tc.enlisted))
		copy(out, tc.enlisted)
		return res, out, nil
	}
}

// runGuarded выполняет f, перехватывая abortSignal: retried=true, если
// это был сигнал повтора; иначе сигнал (если был) возвращается как err.
// Любая другая паника пробрасывается дальше без изменений.
func runGuarded(f func()) (retried bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			sig, ok := r.(abortSignal)
			if !ok {
				panic(r)
			}
			if isRetry(sig.err) {
				retried = true
				return
			}
			err = sig.err
		}
	}()
	f()
	return false, nil
}

// Conditional регистрирует реактивную подписку (§4.7): при каждом коммите,
// затрагивающем текущий read-набор test, test перезапускается в свежей
// подтранзакции; если он вернёт true, trans выполняется как обычная
// транзакция (с автоматическим повтором).
func (rt *Runtime) Conditional(ctx context.Context, test func(ctx context.Context) bool, trans func(ctx context.Context) error) (*Subscription, error) {
	return rt.subscribe(subConditional, test, trans)
}

// PreCommit регистрирует подписку, которая срабатывает внутри
// коммитящейся транзакции, до валидации (§4.7): пригодна для поддержания
// инвариантов между несколькими ячейками.
func (rt *Runtime) PreCommit(ctx context.Context, test func(ctx context.Context) bool, trans func(ctx context.Context) error) (*Subscription, error) {
	return rt.subscribe(subPreCommit, test, trans)
}

func (rt *Runtime) subscribe(kind subscriptionKind, test func(ctx context.Context) bool, trans func(ctx context.Context) error) (*Subscription, error) {
	cells, err := rt.gatherDeps(test)
	if err != nil {
		return nil, err
	}
	sub := &subscription{rt: rt, kind: kind, test: test, trans: trans}
	sub.setDeps(cells)
	for _, c := range cells {
		c.registerSub(sub)
	}
	return &Subscription{sub: sub}, nil
}

// refireConditional перезапускает test подписки в свежей подтранзакции
// после коммита, затронувшего её зависимости (§4.7): при true выполняет
// trans как обычную транзакцию и перерегистрирует подписку на новый
// read-набор test.
func (rt *Runtime) refireConditional(sub *subscription) {
	if sub.disposed.Load() {
		return
	}
	result, cells, err := rt.runTestWithDeps(sub.test)
	if err != nil {
		rt.cfg.logger.Warn("stm: conditional test failed", "error", err)
		return
	}

	old := sub.depsSnapshot()
	oldSet := make(map[uint64]struct{}, len(old))
	for _, c := range old {
		oldSet[c.cellID()] = struct{}{}
	}
	newSet := make(map[uint64]struct{}, len(cells))
	for _, c := range cells {
		newSet[c.cellID()] = struct{}{}
	}
	for _, c := range cells {
		if _, existed := oldSet[c.cellID()]; !existed {
			c.registerSub(sub)
		}
	}
	for _, c := range old {
		if _, stillThere := newSet[c.cellID()]; !stillThere {
			c.unregisterSub(sub)
		}
	}
	sub.setDeps(cells)

	if !result || sub.disposed.Load() {
		return
	}
	if err := rt.Run(context.Background(), sub.trans); err != nil {
		rt.cfg.logger.Warn("stm: conditional reaction failed", "error", err)
	}
}

// firePreCommit выполняется из коммит-координатора (§4.6 "Pre-commit
// trigger"): для каждой уже-изменённой в tc ячейки ищет pre-commit
// подписки, выполняет их test внутри той же транзакции и при true — их
// trans, по одному разу за попытку коммита.
func firePreCommit(tc *txContext) {
	fired := make(map[*subscription]bool)
	ctx := withTx(tc.baseCtx, tc)
	i := 0
	for i < len(tc.enlisted) {
		c := tc.enlisted[i]
		i++
		if !tc.changed[c.ownerTag()] {
			continue
		}
		for _, s := range c.subsSnapshot() {
			if s.kind != subPreCommit || s.disposed.Load() || fired[s] {
				continue
			}
			fired[s] = true
			if !s.test(ctx) {
				continue
			}
			if err := s.trans(ctx); err != nil {
				abort(err)
			}
		}
	}
}
