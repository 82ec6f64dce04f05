// Package dict — образцовый транзакционный словарь (spec.md §4.8),
// построенный исключительно поверх публичного API пакета stm: ни одного
// обращения к его внутренностям. Переносит форму teacher-овского
// MVCCMap[K,V] (mvcc/map.go) — по версии на ключ — на Cell[V] вместо
// приватной версионной цепочки внутри карты.
package dict

import (
	"context"
	"sync"

	"shielded/stm"
)

// entry — содержимое ячейки одного ключа. exists=false — tombstone:
// ключ когда-то существовал (или никогда не существовал) и сейчас
// отсутствует; value в этом состоянии всегда нулевое.
type entry[V any] struct {
	value  V
	exists bool
}

// Dict — транзакционная карта произвольных сравнимых ключей на значения
// произвольного типа. Каждый ключ живёт в своей Cell[entry[V]], поэтому две
// транзакции, пишущие в РАЗНЫЕ ключи (включая появление новых), никогда не
// конфликтуют — per-key write stamps вместо одной общей структурной ячейки
// на всю карту (spec.md §4.8 "per-key locking and fine-grained enlistment").
type Dict[K comparable, V any] struct {
	rt *stm.Runtime

	// cells — процесс-живущий реестр key → *stm.Cell[entry[V]]. Сам по себе
	// не транзакционная структура: заведение записи в нём (cellFor)
	// идемпотентно и не участвует в конфликт-чеке коммита, поэтому создание
	// двух РАЗНЫХ новых ключей параллельно никогда не коллизирует. Коллизия
	// возможна только если два коммита пишут в ОДИН И ТОТ ЖЕ ключ — и это
	// уже обычная per-cell MVCC-валидация.
	cells sync.Map // K -> *stm.Cell[entry[V]]

	// count поддерживается исключительно через Commute: параллельные
	// Set/Delete на разные ключи не должны конфликтовать из-за общего
	// счётчика размера (spec.md §4.8 "a commuted Cell[int] count").
	count *stm.Cell[int]
}

// New создаёт пустой словарь на заданном рантайме.
func New[K comparable, V any](rt *stm.Runtime) *Dict[K, V] {
	return &Dict[K, V]{rt: rt, count: stm.NewCellOn(rt, 0)}
}

// cellFor возвращает ячейку ключа key, лениво заводя tombstone-запись при
// первом обращении к ранее неизвестному ключу.
func (d *Dict[K, V]) cellFor(key K) *stm.Cell[entry[V]] {
	if v, ok := d.cells.Load(key); ok {
		return v.(*stm.Cell[entry[V]])
	}
	cell := stm.NewCellOn(d.rt, entry[V]{})
	actual, _ := d.cells.LoadOrStore(key, cell)
	return actual.(*stm.Cell[entry[V]])
}

// Get возвращает значение по ключу и true, если ключ присутствует.
func (d *Dict[K, V]) Get(ctx context.Context, key K) (V, bool) {
	e := d.cellFor(key).Get(ctx)
	return e.value, e.exists
}

// Set записывает значение по ключу, создавая ключ при необходимости. Если
// ctx не несёт транзакцию, Set открывает свою собственную.
func (d *Dict[K, V]) Set(ctx context.Context, key K, value V) {
	if !stm.IsInTransaction(ctx) {
		_ = d.rt.Run(ctx, func(ctx context.Context) error {
			d.Set(ctx, key, value)
			return nil
		})
		return
	}
	cell := d.cellFor(key)
	existed := cell.Get(ctx).exists
	cell.Set(ctx, entry[V]{value: value, exists: true})
	if !existed {
		d.count.Commute(ctx, func(n *int) { *n++ })
	}
}

// Delete удаляет ключ, если он присутствует, и сообщает, было ли удаление
// результативным. Физически ключ не исчезает — его ячейка переходит в
// tombstone и может быть снова заполнена последующим Set. Если ctx не несёт
// транзакцию, Delete открывает свою собственную.
func (d *Dict[K, V]) Delete(ctx context.Context, key K) bool {
	if !stm.IsInTransaction(ctx) {
		var deleted bool
		_ = d.rt.Run(ctx, func(ctx context.Context) error {
			deleted = d.Delete(ctx, key)
			return nil
		})
		return deleted
	}
	cell := d.cellFor(key)
	if !cell.Get(ctx).exists {
		return false
	}
	cell.Set(ctx, entry[V]{})
	d.count.Commute(ctx, func(n *int) { *n-- })
	return true
}

// Modify читает текущее значение ключа (или нулевое значение, если ключа
// нет) и записывает результат f — полезно для read-modify-write без
// двойного похода в Dict. Если ctx не несёт транзакцию, Modify открывает
// свою собственную.
func (d *Dict[K, V]) Modify(ctx context.Context, key K, f func(v V) V) {
	if !stm.IsInTransaction(ctx) {
		_ = d.rt.Run(ctx, func(ctx context.Context) error {
			d.Modify(ctx, key, f)
			return nil
		})
		return
	}
	cell := d.cellFor(key)
	cur := cell.Get(ctx)
	cell.Set(ctx, entry[V]{value: f(cur.value), exists: true})
	if !cur.exists {
		d.count.Commute(ctx, func(n *int) { *n++ })
	}
}

// Len возвращает текущий размер. Поскольку он читается из коммутированного
// Cell[int], конкурентные Set/Delete на разные ключи не создают конфликта
// вокруг Len — только сам факт чтения заставляет выполниться уже
// накопленные коммутации (spec.md §4.5 "деградация при первом касании").
func (d *Dict[K, V]) Len(ctx context.Context) int {
	return d.count.Get(ctx)
}

// Keys возвращает снимок текущих ключей на момент одного read_stamp. Если
// ctx ещё не несёт транзакцию, Keys открывает свою собственную — иначе
// проход по разрозненным per-key ячейкам не был бы атомарным снимком.
func (d *Dict[K, V]) Keys(ctx context.Context) []K {
	if stm.IsInTransaction(ctx) {
		return d.keysSnapshot(ctx)
	}
	var out []K
	_ = d.rt.Run(ctx, func(ctx context.Context) error {
		out = d.keysSnapshot(ctx)
		return nil
	})
	return out
}

func (d *Dict[K, V]) keysSnapshot(ctx context.Context) []K {
	var out []K
	d.cells.Range(func(k, v any) bool {
		if v.(*stm.Cell[entry[V]]).Get(ctx).exists {
			out = append(out, k.(K))
		}
		return true
	})
	return out
}

// Has сообщает, присутствует ли ключ, без чтения значения.
func (d *Dict[K, V]) Has(ctx context.Context, key K) bool {
	return d.cellFor(key).Get(ctx).exists
}
