package stm_test

import (
	"context"
	"sync/atomic"
	"testing"

	"shielded/stm"
)

func BenchmarkConcurrentReadWrite(b *testing.B) {
	ctx := context.Background()
	rt := stm.NewRuntime()
	c := stm.NewCellOn(rt, 0)

	var ops atomic.Int64

	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			if ops.Add(1)%10 == 0 { // 10% writes
				_ = rt.Run(ctx, func(ctx context.Context) error {
					c.Set(ctx, 1)
					return nil
				})
			} else {
				_ = rt.Run(ctx, func(ctx context.Context) error {
					_ = c.Get(ctx)
					return nil
				})
			}
		}
	})
}

func BenchmarkCommute(b *testing.B) {
	ctx := context.Background()
	rt := stm.NewRuntime()
	c := stm.NewCellOn(rt, 0)

	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			_ = rt.Run(ctx, func(ctx context.Context) error {
				c.Commute(ctx, func(v *int) { *v++ })
				return nil
			})
		}
	})
}

func BenchmarkReadOnlyTransaction(b *testing.B) {
	ctx := context.Background()
	rt := stm.NewRuntime()
	c := stm.NewCellOn(rt, 42)

	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			_ = rt.Run(ctx, func(ctx context.Context) error {
				_ = c.Get(ctx)
				return nil
			})
		}
	})
}
