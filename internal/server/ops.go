package server

import (
	"context"
	"log"
	"time"

	"github.com/gorhill/cronexpr"
	"github.com/redis/go-redis/v9"

	"github.com/mohammad-safakhou/arbiter/internal/store"
)

// Sweeper runs periodic hygiene: expired fingerprint claims and stale
// breaker rows. Cosmetic only, since every read re-checks expiry; the
// sweep just keeps the tables from growing without bound.
type Sweeper struct {
	Store    *store.Store
	Rdb      *redis.Client
	Cron     string
	Stop     chan struct{}
	Logger   *log.Logger
	Retained time.Duration
}

func (s *Sweeper) Start() {
	if s.Logger == nil {
		s.Logger = log.New(log.Writer(), "[SWEEP] ", log.LstdFlags)
	}
	if s.Retained <= 0 {
		s.Retained = 24 * time.Hour
	}
	expr, err := cronexpr.Parse(s.Cron)
	if err != nil {
		s.Logger.Printf("invalid sweep cron %q, falling back to */10 * * * *: %v", s.Cron, err)
		expr = cronexpr.MustParse("*/10 * * * *")
	}
	go func() {
		for {
			next := expr.Next(time.Now())
			if next.IsZero() {
				return
			}
			select {
			case <-s.Stop:
				return
			case <-time.After(time.Until(next)):
				s.sweep()
			}
		}
	}()
}

func (s *Sweeper) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// distributed lock so only one replica sweeps per tick
	if s.Rdb != nil {
		ok, err := s.Rdb.SetNX(ctx, "arbiter:sweep:lock", "1", 2*time.Minute).Result()
		if err != nil {
			s.Logger.Printf("sweep lock: %v", err)
			return
		}
		if !ok {
			return
		}
		defer s.Rdb.Del(ctx, "arbiter:sweep:lock")
	}

	fps, err := s.Store.SweepExpiredFingerprints(ctx)
	if err != nil {
		s.Logger.Printf("sweep fingerprints: %v", err)
	}
	brk, err := s.Store.SweepExpiredBreakers(ctx, s.Retained)
	if err != nil {
		s.Logger.Printf("sweep breakers: %v", err)
	}
	if fps > 0 || brk > 0 {
		s.Logger.Printf("swept %d fingerprints, %d breakers", fps, brk)
	}
}
