package snapshot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xqhhhhhh/shopee-extension/internal/model"
	"github.com/xqhhhhhh/shopee-extension/internal/pkg/metrics"
)

// ErrWriterClosed 写入器已关闭。
var ErrWriterClosed = errors.New("snapshot writer closed")

const (
	defaultWriterCapacity = 256
	defaultWriterBatch    = 32
	defaultWriteTimeout   = 10 * time.Second
)

// WriterOptions 写入器参数，零值使用默认值。
type WriterOptions struct {
	Capacity     int           // 缓冲的记录数
	BatchSize    int           // 单次 Upsert 的最大记录数
	WriteTimeout time.Duration // 单次 Upsert 超时
}

// WriterStats 写入器统计快照。
type WriterStats struct {
	Queued  int64 // 已入队记录数
	Written int64 // 写入成功的记录数
	Failed  int64 // 写入失败的记录数
	Batches int64 // Upsert 调用次数
	Panics  int64
}

// Writer 串行的快照写入器。
//
// 单个 goroutine 按入队顺序攒批写入 Store，(date, url) 相同的记录后写覆盖先写。
// 调用方在抓取回调中入队，不必等待存储往返。
type Writer struct {
	store   Store
	logger  *slog.Logger
	opts    WriterOptions
	records chan model.DailyRecord
	done    chan struct{}

	sendMu  sync.RWMutex // 保护 records 的发送与关闭
	closed  bool
	pending sync.WaitGroup

	queued  atomic.Int64
	written atomic.Int64
	failed  atomic.Int64
	batches atomic.Int64
	panics  atomic.Int64
}

// NewWriter 创建并启动写入器。
//
// 参数:
//   - store: 快照存储
//   - logger: 日志记录器
//   - opts: 写入参数
//
// 返回值:
//   - *Writer: 写入器实例，使用完毕调用 Close
func NewWriter(store Store, logger *slog.Logger, opts WriterOptions) *Writer {
	if opts.Capacity <= 0 {
		opts.Capacity = defaultWriterCapacity
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultWriterBatch
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	w := &Writer{
		store:   store,
		logger:  logger,
		opts:    opts,
		records: make(chan model.DailyRecord, opts.Capacity),
		done:    make(chan struct{}),
	}
	go w.loop()
	return w
}

// Put 阻塞入队一条记录，直到成功、ctx 结束或写入器关闭。
func (w *Writer) Put(ctx context.Context, rec model.DailyRecord) error {
	w.sendMu.RLock()
	defer w.sendMu.RUnlock()
	if w.closed {
		return ErrWriterClosed
	}

	w.pending.Add(1)
	select {
	case w.records <- rec:
		w.queued.Add(1)
		return nil
	case <-ctx.Done():
		w.pending.Done()
		return ctx.Err()
	}
}

func (w *Writer) loop() {
	defer close(w.done)
	for rec := range w.records {
		batch := []model.DailyRecord{rec}
	drain:
		for len(batch) < w.opts.BatchSize {
			select {
			case next, ok := <-w.records:
				if !ok {
					break drain
				}
				batch = append(batch, next)
			default:
				break drain
			}
		}
		w.write(batch)
	}
}

// write 写入一批记录，带 panic 恢复。批内重复的 (date, url) 只保留最后一条。
func (w *Writer) write(batch []model.DailyRecord) {
	defer w.pending.Add(-len(batch))
	batch = Merge(nil, batch)
	defer func() {
		if r := recover(); r != nil {
			w.panics.Add(1)
			w.failed.Add(int64(len(batch)))
			metrics.SnapshotWritesTotal.WithLabelValues("error").Add(float64(len(batch)))
			w.logger.Error("snapshot write panic recovered",
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), w.opts.WriteTimeout)
	defer cancel()
	w.batches.Add(1)
	if err := w.store.Upsert(ctx, batch...); err != nil {
		w.failed.Add(int64(len(batch)))
		metrics.SnapshotWritesTotal.WithLabelValues("error").Add(float64(len(batch)))
		w.logger.Error("snapshot write failed",
			slog.Int("records", len(batch)),
			slog.String("first_url", batch[0].URL),
			slog.String("error", err.Error()))
		return
	}
	w.written.Add(int64(len(batch)))
	metrics.SnapshotWritesTotal.WithLabelValues("success").Add(float64(len(batch)))
}

// Flush 等待已入队的记录全部写完，或 ctx 结束。
func (w *Writer) Flush(ctx context.Context) error {
	flushed := make(chan struct{})
	go func() {
		w.pending.Wait()
		close(flushed)
	}()

	select {
	case <-flushed:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close 拒绝新记录，写完剩余记录后退出；超时返回错误。
func (w *Writer) Close(timeout time.Duration) error {
	w.sendMu.Lock()
	if w.closed {
		w.sendMu.Unlock()
		return ErrWriterClosed
	}
	w.closed = true
	close(w.records)
	w.sendMu.Unlock()

	select {
	case <-w.done:
		w.logger.Info("snapshot writer closed", slog.String("stats", w.String()))
		return nil
	case <-time.After(timeout):
		w.logger.Error("snapshot writer close timeout", slog.String("timeout", timeout.String()))
		return fmt.Errorf("snapshot writer close timeout after %s", timeout)
	}
}

// Stats 返回统计快照。
func (w *Writer) Stats() WriterStats {
	return WriterStats{
		Queued:  w.queued.Load(),
		Written: w.written.Load(),
		Failed:  w.failed.Load(),
		Batches: w.batches.Load(),
		Panics:  w.panics.Load(),
	}
}

// String 返回写入器的状态描述。
func (w *Writer) String() string {
	s := w.Stats()
	return fmt.Sprintf("SnapshotWriter[buffered=%d, queued=%d, written=%d, failed=%d, batches=%d, panics=%d]",
		len(w.records), s.Queued, s.Written, s.Failed, s.Batches, s.Panics)
}
