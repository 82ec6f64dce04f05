package stm

import "sync/atomic"

// clock — единственный на весь процесс монотонный 64-битный счётчик.
// Продвигается только под commit-мьютексом (см. commit.go); выдаёт read- и
// write-stamp'ы. Аналог nextVersionID у MVCCMap, но отделён от конкретной
// карты — делят его все ячейки рантайма.
type clock struct {
	value atomic.Uint64
}

// load возвращает текущее значение часов без блокировки.
func (c *clock) load() uint64 {
	return c.value.Load()
}

// advance продвигает часы на единицу и возвращает новое значение.
// Вызывающий обязан держать commit-мьютекс — иначе два advance() могут
// выдать конфликтующие write stamp'ы разным транзакциям.
func (c *clock) advance() uint64 {
	return c.value.Add(1)
}
