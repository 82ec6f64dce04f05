package stm

// ChainLenForTest возвращает длину версионной цепочки ячейки от головы до
// хвоста. Существует только ради внешних тестов пакета (export_test.go —
// обычный способ дать package_test доступ к непубличному состоянию).
func ChainLenForTest[T any](c *Cell[T]) int {
	n := 0
	for node := c.head.Load(); node != nil; node = node.older {
		n++
	}
	return n
}
