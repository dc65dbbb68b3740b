package data

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pashagolub/bookvote/pkg/elo"
)

func benchmarkCatalog(b *testing.B, size int) *Catalog {
	b.Helper()
	ctx := context.Background()
	engine, err := elo.NewEngine(elo.DefaultConfig())
	require.NoError(b, err)
	c, err := NewCatalog(ctx, engine, NewMemoryStore())
	require.NoError(b, err)
	for i := range size {
		_, err := c.AddItem(ctx, KindTitle, fmt.Sprintf("Title %d", i))
		require.NoError(b, err)
		_, err = c.AddItem(ctx, KindCover, fmt.Sprintf("covers/%d.png", i))
		require.NoError(b, err)
	}
	return c
}

// BenchmarkSessionVote measures a full draw and submit cycle
func BenchmarkSessionVote(b *testing.B) {
	for _, size := range []int{10, 100, 1000} {
		b.Run(fmt.Sprintf("items_%d", size), func(b *testing.B) {
			c := benchmarkCatalog(b, size)
			config := SessionConfig{MaxTitleRounds: 1000, MaxCoverRounds: 1000}
			s, err := NewSession(c, UserID("bench"), config)
			require.NoError(b, err)

			ctx := context.Background()
			b.ReportAllocs()
			for b.Loop() {
				if s.Phase() != TitlePhase {
					s.Restart()
				}
				x, y, ok, err := s.NextPair(KindTitle)
				if err != nil || !ok {
					b.Fatalf("no pair: %v", err)
				}
				if _, err := s.SubmitOutcome(ctx, KindTitle, x.ID, y.ID); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}

// BenchmarkConcurrentVotes runs sessions of many voters against one catalog
func BenchmarkConcurrentVotes(b *testing.B) {
	c := benchmarkCatalog(b, 50)
	config := SessionConfig{MaxTitleRounds: 1000, MaxCoverRounds: 1000}
	var voter atomic.Int64

	b.ReportAllocs()
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		s, err := NewSession(c, UserID(fmt.Sprintf("voter-%d", voter.Add(1))), config)
		if err != nil {
			b.Error(err)
			return
		}
		ctx := context.Background()
		for pb.Next() {
			if s.Phase() != TitlePhase {
				s.Restart()
			}
			x, y, _, err := s.NextPair(KindTitle)
			if err != nil {
				b.Error(err)
				return
			}
			if _, err := s.SubmitOutcome(ctx, KindTitle, x.ID, y.ID); err != nil {
				b.Error(err)
				return
			}
		}
	})
}

// BenchmarkRankings measures sorting the global rankings
func BenchmarkRankings(b *testing.B) {
	c := benchmarkCatalog(b, 500)
	b.ReportAllocs()
	for b.Loop() {
		if _, err := c.Rankings(KindTitle, ByGlobal, nil); err != nil {
			b.Fatal(err)
		}
	}
}
