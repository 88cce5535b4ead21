package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/segmentio/kafka-go"

	"link-crawler/internal/logging"
	"link-crawler/internal/metrics"
	"link-crawler/mocks"
)

// A failed commit keeps the message at the head of its partition, so the next
// settle retries it before moving on.
func TestCommitCoordinatorRequeuesOnCommitFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	t.Cleanup(ctrl.Finish)

	reader := mocks.NewMockMessageReader(ctrl)
	commitCh := make(chan kafka.Message, 2)
	coordinator := newCommitCoordinator(reader, commitCh, logging.Discard())

	metrics.Reset()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go coordinator.run(ctx, &wg)

	msg0 := kafka.Message{Partition: 0, Offset: 0, Value: []byte("a")}
	msg1 := kafka.Message{Partition: 0, Offset: 1, Value: []byte("b")}

	gomock.InOrder(
		reader.EXPECT().CommitMessages(gomock.Any(), msg0).Return(errors.New("commit failed")),
		reader.EXPECT().CommitMessages(gomock.Any(), msg0).Return(nil),
		reader.EXPECT().CommitMessages(gomock.Any(), msg1).Return(nil),
	)

	commitCh <- msg0
	time.Sleep(50 * time.Millisecond)
	commitCh <- msg1
	time.Sleep(100 * time.Millisecond)
	close(commitCh)
	wg.Wait()

	if got := atomic.LoadUint64(&metrics.OffsetCommitErrors); got != 1 {
		t.Fatalf("expected 1 commit error, got %d", got)
	}
	if got := atomic.LoadInt64(&metrics.OffsetCommitPending); got != 0 {
		t.Fatalf("expected nothing pending, got %d", got)
	}
}

// A message settled ahead of an earlier offset waits until the gap is filled.
func TestCommitCoordinatorCommitsInOffsetOrder(t *testing.T) {
	ctrl := gomock.NewController(t)
	t.Cleanup(ctrl.Finish)

	reader := mocks.NewMockMessageReader(ctrl)
	commitCh := make(chan kafka.Message, 3)
	coordinator := newCommitCoordinator(reader, commitCh, logging.Discard())

	msg5 := kafka.Message{Partition: 1, Offset: 5}
	msg6 := kafka.Message{Partition: 1, Offset: 6}
	msg7 := kafka.Message{Partition: 1, Offset: 7}
	coordinator.seed(msg5)

	var committed []int64
	var mu sync.Mutex
	reader.EXPECT().CommitMessages(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, msgs ...kafka.Message) error {
			mu.Lock()
			defer mu.Unlock()
			for _, m := range msgs {
				committed = append(committed, m.Offset)
			}
			return nil
		},
	).Times(3)

	var wg sync.WaitGroup
	wg.Add(1)
	go coordinator.run(context.Background(), &wg)

	commitCh <- msg7
	commitCh <- msg6
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	if len(committed) != 0 {
		mu.Unlock()
		t.Fatalf("expected no commit before offset 5 settles, got %v", committed)
	}
	mu.Unlock()

	commitCh <- msg5
	close(commitCh)
	wg.Wait()

	if len(committed) != 3 || committed[0] != 5 || committed[1] != 6 || committed[2] != 7 {
		t.Fatalf("expected offsets committed in order, got %v", committed)
	}
}

// Fetched offsets may skip numbers after compaction or a rebalance. The commit
// point follows the fetched offsets, not offset+1.
func TestCommitCoordinatorCommitsAcrossOffsetGaps(t *testing.T) {
	ctrl := gomock.NewController(t)
	t.Cleanup(ctrl.Finish)

	reader := mocks.NewMockMessageReader(ctrl)
	commitCh := make(chan kafka.Message, 4)
	coordinator := newCommitCoordinator(reader, commitCh, logging.Discard())
	metrics.Reset()

	msg0 := kafka.Message{Partition: 2, Offset: 0}
	msg5 := kafka.Message{Partition: 2, Offset: 5}
	msg6 := kafka.Message{Partition: 2, Offset: 6}
	msg9 := kafka.Message{Partition: 2, Offset: 9}

	var committed []int64
	var mu sync.Mutex
	reader.EXPECT().CommitMessages(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, msgs ...kafka.Message) error {
			mu.Lock()
			defer mu.Unlock()
			for _, m := range msgs {
				committed = append(committed, m.Offset)
			}
			return nil
		},
	).Times(4)

	var wg sync.WaitGroup
	wg.Add(1)
	go coordinator.run(context.Background(), &wg)

	coordinator.seed(msg0)
	commitCh <- msg0
	coordinator.seed(msg5)
	coordinator.seed(msg6)
	coordinator.seed(msg9)
	commitCh <- msg6
	commitCh <- msg9
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	if len(committed) != 1 {
		mu.Unlock()
		t.Fatalf("expected only offset 0 committed while 5 is unsettled, got %v", committed)
	}
	mu.Unlock()

	commitCh <- msg5
	close(commitCh)
	wg.Wait()

	want := []int64{0, 5, 6, 9}
	if len(committed) != len(want) {
		t.Fatalf("expected offsets %v, got %v", want, committed)
	}
	for i := range want {
		if committed[i] != want[i] {
			t.Fatalf("expected offsets %v, got %v", want, committed)
		}
	}
	if got := atomic.LoadInt64(&metrics.OffsetCommitPending); got != 0 {
		t.Fatalf("expected nothing pending, got %d", got)
	}
}

// Settling an offset twice, or one below the commit point, commits nothing extra.
func TestCommitCoordinatorIgnoresStaleSettles(t *testing.T) {
	ctrl := gomock.NewController(t)
	t.Cleanup(ctrl.Finish)

	reader := mocks.NewMockMessageReader(ctrl)
	commitCh := make(chan kafka.Message, 4)
	coordinator := newCommitCoordinator(reader, commitCh, logging.Discard())
	metrics.Reset()

	msg3 := kafka.Message{Partition: 0, Offset: 3}
	msg4 := kafka.Message{Partition: 0, Offset: 4}
	coordinator.seed(msg3)

	gomock.InOrder(
		reader.EXPECT().CommitMessages(gomock.Any(), msg3).Return(nil),
		reader.EXPECT().CommitMessages(gomock.Any(), msg4).Return(nil),
	)

	var wg sync.WaitGroup
	wg.Add(1)
	go coordinator.run(context.Background(), &wg)

	commitCh <- msg3
	commitCh <- msg3
	commitCh <- kafka.Message{Partition: 0, Offset: 1}
	commitCh <- msg4
	close(commitCh)
	wg.Wait()

	if got := atomic.LoadInt64(&metrics.OffsetCommitPending); got != 0 {
		t.Fatalf("expected nothing pending, got %d", got)
	}
}
