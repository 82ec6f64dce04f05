package stm

import (
	"context"
	"sync"
	"sync/atomic"
)

// Runtime — изолированный экземпляр STM-движка: свои часы, свой
// commit-мьютекс, свой список активных read-stamp'ов. Большинству программ
// достаточно разделяемого Default(); отдельный Runtime пригождается
// тестам, которым нужна независимость друг от друга (см. DESIGN.md).
//
// Обобщение teacher-овского NewMVCCMap(ctx, opts...): там рантайм был
// неотделим от одной конкретной карты, здесь — общий для произвольного
// числа Cell.
type Runtime struct {
	clock clock
	vlist *versionList
	cfg   config

	commitMu      sync.Mutex
	commitCounter atomic.Uint64

	whenMu          sync.Mutex
	whenCommitting  []*whenCommittingSub
}

type whenCommittingSub struct {
	rt *Runtime
	cb func(ctx context.Context) error
}

// NewRuntime создаёт независимый рантайм с заданными опциями.
func NewRuntime(opts ...Option) *Runtime {
	cfg := defaultConfig()
	for _, o := range opts {
		o(&cfg)
	}
	return &Runtime{vlist: newVersionList(), cfg: cfg}
}

var defaultRuntime = NewRuntime()

// Default возвращает разделяемый рантайм пакета — тот, на котором работают
// все package-level функции (NewCell, Run, RunResult, ...).
func Default() *Runtime { return defaultRuntime }

func (rt *Runtime) addWhenCommitting(s *whenCommittingSub) {
	rt.whenMu.Lock()
	rt.whenCommitting = append(rt.whenCommitting, s)
	rt.whenMu.Unlock()
}

func (rt *Runtime) removeWhenCommitting(s *whenCommittingSub) {
	rt.whenMu.Lock()
	defer rt.whenMu.Unlock()
	for i, x := range rt.whenCommitting {
		if x == s {
			rt.whenCommitting = append(rt.whenCommitting[:i], rt.whenCommitting[i+1:]...)
			return
		}
	}
}

func (rt *Runtime) whenCommittingSnapshot() []*whenCommittingSub {
	rt.whenMu.Lock()
	defer rt.whenMu.Unlock()
	out := make([]*whenCommittingSub, len(rt.whenCommitting))
	copy(out, rt.whenCommitting)
	return out
}

// WhenCommitting регистрирует колбэк, который запускается при каждом
// коммите любой транзакции этого рантайма, перед валидацией (§4.7). Внутри
// cb действуют ограничения: нельзя касаться новых ячеек и нельзя писать в
// ячейку, не застейдженную самой коммитящейся транзакцией — попытка того
// или другого возвращает ContextForbidden/WriteForbidden через обычный
// путь абортов.
//
// Регистрация сама не должна выполняться внутри транзакции — иначе
// AlreadyInTransaction.
func (rt *Runtime) WhenCommitting(ctx context.Context, cb func(ctx context.Context) error) (*Subscription, error) {
	if _, ok := txFromContext(ctx); ok {
		return nil, ErrAlreadyInTransaction
	}
	s := &whenCommittingSub{rt: rt, cb: cb}
	rt.addWhenCommitting(s)
	return &Subscription{when: s}, nil
}

// Stats — снимок состояния рантайма, удобный для наблюдаемости и тестов
// (дополняет языконезависимую спецификацию: практические STM-библиотеки
// почти всегда экспонируют такой снимок).
type Stats struct {
	Clock           uint64
	ActiveReadStamps int
	CommitAttempts  uint64
}

func (rt *Runtime) Stats() Stats {
	return Stats{
		Clock:            rt.clock.load(),
		ActiveReadStamps: rt.vlist.count(),
		CommitAttempts:   rt.commitCounter.Load(),
	}
}

// package-level удобные обёртки над Default().

// Conditional — см. (*Runtime).Conditional, на Default().
func Conditional(ctx context.Context, test func(ctx context.Context) bool, trans func(ctx context.Context) error) (*Subscription, error) {
	return Default().Conditional(ctx, test, trans)
}

// PreCommit — см. (*Runtime).PreCommit, на Default().
func PreCommit(ctx context.Context, test func(ctx context.Context) bool, trans func(ctx context.Context) error) (*Subscription, error) {
	return Default().PreCommit(ctx, test, trans)
}

// WhenCommitting — см. (*Runtime).WhenCommitting, на Default().
func WhenCommitting(ctx context.Context, cb func(ctx context.Context) error) (*Subscription, error) {
	return Default().WhenCommitting(ctx, cb)
}
