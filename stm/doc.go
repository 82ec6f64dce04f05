// Package stm реализует in-memory software transactional memory runtime:
// версионированные ячейки (Cell), транзакции с optimistic multi-version
// concurrency control и автоматическими повторами при конфликте.
//
// Базовый сценарий:
//
//	c := stm.NewCell(0)
//	err := stm.Run(ctx, func(ctx context.Context) error {
//		v := c.Get(ctx)
//		c.Set(ctx, v+1)
//		return nil
//	})
//
// Гарантии: каждая закоммиченная транзакция видит согласованный снапшот
// (snapshot isolation), конфликтующие транзакции автоматически
// перезапускаются, дедлоки невозможны — единственная секция, берущая
// несколько write-stamp'ов, защищена одним процесс-wide мьютексом.
package stm
