package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kjstillabower/air-quality-service/internal/models"
)

func TestRequestCoalescer_Do_ConcurrentRequests(t *testing.T) {
	coalescer := newRequestCoalescer(5 * time.Second)
	callCount := 0
	var mu sync.Mutex
	release := make(chan struct{})

	fn := func(ctx context.Context) ([]models.Reading, error) {
		mu.Lock()
		callCount++
		mu.Unlock()
		<-release
		return []models.Reading{{Location: "lab-1"}}, nil
	}

	// Launch 10 concurrent requests for same key
	var wg sync.WaitGroup
	results := make([][]models.Reading, 10)
	errs := make([]error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			results[idx], _, errs[idx] = coalescer.Do(context.Background(), "lab-1", fn)
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	for i, result := range results {
		if errs[i] != nil {
			t.Errorf("Request %d error = %v, want nil", i, errs[i])
		}
		if len(result) != 1 || result[0].Location != "lab-1" {
			t.Errorf("Request %d result = %+v, want one lab-1 reading", i, result)
		}
	}

	mu.Lock()
	actualCalls := callCount
	mu.Unlock()
	if actualCalls != 1 {
		t.Errorf("fn call count = %d, want 1 (coalescing failed)", actualCalls)
	}
}

func TestRequestCoalescer_Do_ErrorPropagation(t *testing.T) {
	coalescer := newRequestCoalescer(5 * time.Second)
	wantErr := errors.New("store failure")

	fn := func(ctx context.Context) ([]models.Reading, error) {
		return nil, wantErr
	}

	var wg sync.WaitGroup
	errs := make([]error, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			_, _, errs[idx] = coalescer.Do(context.Background(), "lab-1", fn)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if !errors.Is(err, wantErr) {
			t.Errorf("Request %d error = %v, want %v", i, err, wantErr)
		}
	}
}

// TestRequestCoalescer_Do_CallerTimeout verifies a caller stops waiting when its ctx ends.
func TestRequestCoalescer_Do_CallerTimeout(t *testing.T) {
	coalescer := newRequestCoalescer(time.Second)

	fn := func(ctx context.Context) ([]models.Reading, error) {
		time.Sleep(200 * time.Millisecond)
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, _, err := coalescer.Do(ctx, "lab-1", fn)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Do() error = %v, want context deadline exceeded", err)
	}
}

// TestRequestCoalescer_Do_FetchBoundedByTimeout verifies the shared fetch gets its own
// deadline and survives cancellation of the caller that started it.
func TestRequestCoalescer_Do_FetchBoundedByTimeout(t *testing.T) {
	coalescer := newRequestCoalescer(50 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	fnErr := make(chan error, 1)
	fn := func(fetchCtx context.Context) ([]models.Reading, error) {
		if fetchCtx.Err() != nil {
			fnErr <- errors.New("fetch ctx inherited caller cancellation")
			return nil, fetchCtx.Err()
		}
		<-fetchCtx.Done()
		fnErr <- nil
		return nil, fetchCtx.Err()
	}

	_, _, _ = coalescer.Do(ctx, "lab-1", fn)
	select {
	case err := <-fnErr:
		if err != nil {
			t.Error(err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("shared fetch was not bounded by coalesce timeout")
	}
}

func TestRequestCoalescer_Do_DifferentKeys(t *testing.T) {
	coalescer := newRequestCoalescer(5 * time.Second)
	callCount := 0
	var mu sync.Mutex

	fn := func(ctx context.Context) ([]models.Reading, error) {
		mu.Lock()
		callCount++
		mu.Unlock()
		return nil, nil
	}

	// Different keys should not coalesce
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(key string) {
			defer wg.Done()
			_, _, _ = coalescer.Do(context.Background(), key, fn)
		}("key" + string(rune('a'+i)))
	}
	wg.Wait()

	mu.Lock()
	actualCalls := callCount
	mu.Unlock()
	if actualCalls != 5 {
		t.Errorf("fn call count = %d, want 5 (no coalescing for different keys)", actualCalls)
	}
}
