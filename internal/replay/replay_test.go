package replay

import (
	"context"
	"sync"
	"testing"
	"time"
)

const someTx = "0xabc0000000000000000000000000000000000000000000000000000000000001"

func TestInsertIfAbsentAdmitsExactlyOnce(t *testing.T) {
	s := NewMemoryStore(time.Hour)
	defer s.Close()
	ctx := context.Background()

	admitted, err := s.InsertIfAbsent(ctx, someTx)
	if err != nil || !admitted {
		t.Fatalf("first insert: admitted=%v err=%v", admitted, err)
	}
	admitted, err = s.InsertIfAbsent(ctx, someTx)
	if err != nil || admitted {
		t.Fatalf("second insert: admitted=%v err=%v", admitted, err)
	}

	exists, err := s.Exists(ctx, someTx)
	if err != nil || !exists {
		t.Fatalf("exists: %v, %v", exists, err)
	}
}

func TestNonPositiveTTLFallsBackToDefault(t *testing.T) {
	for _, ttl := range []time.Duration{0, -time.Minute} {
		s := NewMemoryStore(ttl)
		if s.ttl != DefaultTTL {
			t.Errorf("ttl %v: store ttl = %v, want %v", ttl, s.ttl, DefaultTTL)
		}
		admitted, err := s.InsertIfAbsent(context.Background(), someTx)
		if err != nil || !admitted {
			t.Errorf("ttl %v: admitted=%v err=%v", ttl, admitted, err)
		}
		s.Close()
	}
}

func TestConcurrentInsertHasOneWinner(t *testing.T) {
	s := NewMemoryStore(time.Hour)
	defer s.Close()

	const racers = 32
	var wg sync.WaitGroup
	winners := make(chan struct{}, racers)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			admitted, err := s.InsertIfAbsent(context.Background(), someTx)
			if err != nil {
				t.Errorf("insert: %v", err)
				return
			}
			if admitted {
				winners <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(winners)

	n := 0
	for range winners {
		n++
	}
	if n != 1 {
		t.Fatalf("winners = %d, want exactly 1", n)
	}
}

func TestExpiredKeyIsReusable(t *testing.T) {
	s := NewMemoryStore(10 * time.Millisecond)
	defer s.Close()
	ctx := context.Background()

	if admitted, _ := s.InsertIfAbsent(ctx, someTx); !admitted {
		t.Fatal("first insert must be admitted")
	}
	time.Sleep(20 * time.Millisecond)

	exists, err := s.Exists(ctx, someTx)
	if err != nil || exists {
		t.Fatalf("expired key still exists: %v, %v", exists, err)
	}
	if admitted, _ := s.InsertIfAbsent(ctx, someTx); !admitted {
		t.Fatal("expired key must be admittable again")
	}
}

func TestDistinctKeysDoNotInterfere(t *testing.T) {
	s := NewMemoryStore(time.Hour)
	defer s.Close()
	ctx := context.Background()

	other := "0xdef0000000000000000000000000000000000000000000000000000000000002"
	if admitted, _ := s.InsertIfAbsent(ctx, someTx); !admitted {
		t.Fatal("first key must be admitted")
	}
	if admitted, _ := s.InsertIfAbsent(ctx, other); !admitted {
		t.Fatal("unrelated key must be admitted")
	}
}
