package stm

import "sync/atomic"

// writeStamp — per-cell lock-токен, несущий стамп, который владелец
// собирается опубликовать. version остаётся nil, пока идёт валидация, и
// становится non-nil в момент её успеха — с этого момента ячейка уже
// "залочена будущей версией", но читатели со старым read-stamp'ом не ждут
// (§4.3: version > read_stamp их не блокирует).
//
// Обобщение teacher-овского versionedValue.writerTxID (mvcc/version.go):
// там это была просто метка на значении для конфликт-чека постфактум,
// здесь — полноценный токен лока, которым владеет ровно одна транзакция.
type writeStamp struct {
	owner   *txContext
	version atomic.Pointer[uint64]
}

func newWriteStamp(owner *txContext) *writeStamp {
	return &writeStamp{owner: owner}
}

// locked сообщает, занята ли ячейка этим write-stamp'ом с уже
// опубликованной версией (т.е. с точки зрения читателя это "в процессе
// commit, версия известна").
func (ws *writeStamp) locked() bool {
	return ws != nil && ws.version.Load() != nil
}

// versionOrZero возвращает версию (или 0, если валидация ещё не завершена).
func (ws *writeStamp) versionOrZero() uint64 {
	if ws == nil {
		return 0
	}
	if v := ws.version.Load(); v != nil {
		return *v
	}
	return 0
}

func (ws *writeStamp) publish(v uint64) {
	ws.version.Store(&v)
}
