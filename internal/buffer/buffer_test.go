package buffer

import (
	"reflect"
	"sync"
	"testing"
	"time"
)

func waitForWaiters(t *testing.T, q *WaitQueue, n int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for q.NumWaiters() != n {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d waiters, have %d", n, q.NumWaiters())
		}
		time.Sleep(time.Millisecond)
	}
}

func TestSendBufferSplitsAtMaxPayload(t *testing.T) {
	sb := NewSendBuffer(2048)
	payload := make([]byte, 5*1024) // 5 KiB, per spec.md S5
	for i := range payload {
		payload[i] = byte(i)
	}
	sb.Put(payload)

	var sns []uint32
	var total int
	for {
		chunk, sn, ok := sb.Get()
		if !ok {
			break
		}
		if len(chunk) > 2048 {
			t.Fatalf("chunk %d exceeds max_payload: %d", sn, len(chunk))
		}
		sns = append(sns, sn)
		total += len(chunk)
	}
	if total != len(payload) {
		t.Fatalf("total reassembled = %d, want %d", total, len(payload))
	}
	for i, sn := range sns {
		if sn != uint32(i+1) {
			t.Fatalf("sn[%d] = %d, want %d (dense, starting at 1)", i, sn, i+1)
		}
	}
}

func TestSendBufferBackpressureInvariant(t *testing.T) {
	sb := NewSendBuffer(0)
	if sb.PoolSize() != 0 {
		t.Fatalf("expected empty pool")
	}
	sb.Put([]byte("x"))
	if sb.PoolSize() == 0 {
		t.Fatalf("pool_size should be > 0 after Put")
	}
	_, _, ok := sb.Get()
	if !ok {
		t.Fatalf("expected a chunk")
	}
	if sb.PoolSize() != 0 {
		t.Fatalf("pool should be empty again, got size %d", sb.PoolSize())
	}
}

func TestBlockReceivePoolOrderedDeliveryS6(t *testing.T) {
	var delivered [][]byte
	pool := NewBlockReceivePool(func(p []byte) {
		delivered = append(delivered, append([]byte(nil), p...))
	})

	pool.Put(2, []byte("two"))
	pool.Put(1, []byte("one"))
	pool.Put(3, []byte("three"))

	want := [][]byte{[]byte("one"), []byte("two"), []byte("three")}
	if !reflect.DeepEqual(delivered, want) {
		t.Fatalf("delivered = %v, want %v", delivered, want)
	}
	if len(pool.PendingSns()) != 0 {
		t.Fatalf("block_list should be empty at end, got %v", pool.PendingSns())
	}
	if pool.NextSn() != 4 {
		t.Fatalf("next_sn = %d, want 4", pool.NextSn())
	}
}

func TestBlockReceivePoolDedupesDuplicates(t *testing.T) {
	var count int
	pool := NewBlockReceivePool(func(p []byte) { count++ })
	pool.Put(1, []byte("a"))
	pool.Put(1, []byte("a-retransmit"))
	if count != 1 {
		t.Fatalf("delivered %d times, want 1 (dedup)", count)
	}
}

func TestBlockReceivePoolConcurrentInterleavingOrdered(t *testing.T) {
	const n = 200
	var mu sync.Mutex
	var delivered []uint32
	pool := NewBlockReceivePool(func(p []byte) {
		mu.Lock()
		delivered = append(delivered, uint32(len(p)))
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for sn := uint32(1); sn <= n; sn++ {
		wg.Add(1)
		go func(sn uint32) {
			defer wg.Done()
			pool.Put(sn, make([]byte, sn))
		}(sn)
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(delivered) != n {
		t.Fatalf("delivered %d payloads, want %d", len(delivered), n)
	}
	for i, length := range delivered {
		if length != uint32(i+1) {
			t.Fatalf("delivered[%d] has len %d, want %d (strictly increasing sn order)", i, length, i+1)
		}
	}
}

func TestWaitQueueWakesLowestIDFirst(t *testing.T) {
	q := NewWaitQueue()
	done := make(chan int, 3)
	for _, id := range []int{5, 1, 3} {
		id := id
		go func() {
			if q.Wait(id) {
				done <- id
			}
		}()
	}
	// Give goroutines a chance to register as waiters.
	waitForWaiters(t, q, 3)

	q.Notify()
	first := <-done
	if first != 1 {
		t.Fatalf("first woken = %d, want 1 (lowest id)", first)
	}

	q.Notify()
	second := <-done
	if second != 3 {
		t.Fatalf("second woken = %d, want 3", second)
	}

	q.Notify()
	third := <-done
	if third != 5 {
		t.Fatalf("third woken = %d, want 5", third)
	}
}

func TestWaitQueueStopWakesAll(t *testing.T) {
	q := NewWaitQueue()
	var wg sync.WaitGroup
	results := make(chan bool, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			results <- q.Wait(id)
		}(i)
	}
	waitForWaiters(t, q, 4)
	q.Stop()
	wg.Wait()
	close(results)
	for ok := range results {
		if ok {
			t.Fatalf("Wait should return false after Stop")
		}
	}
}
