package sqlite

import (
	"context"
	"testing"
)

func BenchmarkGet(b *testing.B) {
	store, err := OpenWithOptions(b.TempDir()+"/bench.db", OpenOptions{MaxOpenConns: 1, MaxIdleConns: 1})
	if err != nil {
		b.Fatal(err)
	}
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	if _, err := store.Put(ctx, "https://bench.trycloudflare.com"); err != nil {
		b.Fatal(err)
	}

	b.ReportAllocs()
	b.ResetTimer()
	for b.Loop() {
		if _, _, err := store.Get(ctx); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkPut(b *testing.B) {
	store, err := OpenWithOptions(b.TempDir()+"/bench.db", OpenOptions{MaxOpenConns: 1, MaxIdleConns: 1})
	if err != nil {
		b.Fatal(err)
	}
	defer func() { _ = store.Close() }()

	ctx := context.Background()
	b.ReportAllocs()
	b.ResetTimer()
	for b.Loop() {
		if _, err := store.Put(ctx, "https://bench.trycloudflare.com"); err != nil {
			b.Fatal(err)
		}
	}
}
