package crawler

import (
	"context"
	"log/slog"

	"github.com/xqhhhhhh/shopee-extension/internal/model"
	"github.com/xqhhhhhh/shopee-extension/internal/pkg/events"
	"github.com/xqhhhhhh/shopee-extension/internal/pkg/metrics"
)

// worker 循环：验证门 → 截止时间 → 暂停 → 取 URL → 抓取 → 记录 → 节奏控制。
func (e *Engine) worker(ctx context.Context, id int, opts Options) {
	lease := newTabLease(e.browser, e.cfg.TabOpenTimeout, e.logger)
	defer lease.Release()

	metrics.ActiveWorkers.Inc()
	defer metrics.ActiveWorkers.Dec()

	logger := e.logger.With(slog.Int("worker_id", id))
	processed := 0

	for {
		if ctx.Err() != nil {
			return
		}
		if e.gate != nil && e.gate.IsBlocked() {
			logger.Debug("waiting for verification gate")
			if err := e.gate.WaitUntilClear(ctx); err != nil {
				return
			}
			continue
		}
		if e.deadlinePassed(opts) {
			logger.Info("deadline reached, worker exiting")
			return
		}
		if opts.AllowPause && e.IsPaused() {
			if !e.sleep(ctx, e.cfg.PausePoll) {
				return
			}
			continue
		}

		url, ok := e.dequeue()
		if !ok {
			return
		}

		res, tab := e.fetcher.FetchOne(ctx, url, lease.Tab())
		lease.Set(tab)

		if res.Blocked {
			e.pushFront(url)
			continue
		}
		if !res.Success && ctx.Err() != nil {
			// 关闭时被打断的抓取不计入结果，留在队首等待恢复
			e.pushFront(url)
			return
		}

		payload, retried := e.record(url, res)
		processed++

		logger.Info("item processed",
			slog.String("url", url),
			slog.String("kind", string(res.Kind())),
			slog.Bool("requeued", retried))

		if opts.OnItem != nil {
			opts.OnItem(payload)
		}
		if opts.EmitEvents {
			e.publish(events.BatchProgress, payload)
		}

		if e.deadlinePassed(opts) {
			return
		}

		if e.rest != nil && e.rest.Due(processed) {
			d := e.rest.Duration()
			logger.Info("rest cycle", slog.Int("processed", processed), slog.Duration("duration", d))
			metrics.RestCyclesTotal.Inc()
			lease.Replace(ctx)
			if !e.sleepBounded(ctx, d, opts) {
				return
			}
			continue
		}
		if !e.sleepBounded(ctx, randomBetween(e.cfg.GapMin, e.cfg.GapMax), opts) {
			return
		}
	}
}

func (e *Engine) dequeue() (string, bool) {
	e.mu.Lock()
	if len(e.st.queue) == 0 {
		e.mu.Unlock()
		return "", false
	}
	url := e.st.queue[0]
	e.st.queue = e.st.queue[1:]
	depth := len(e.st.queue)
	snapshot := e.snapshotLocked()
	e.mu.Unlock()

	metrics.QueueDepth.Set(float64(depth))
	e.persist(snapshot)
	return url, true
}

// pushFront 被拦截的 URL 放回队首，不计入尝试次数。
func (e *Engine) pushFront(url string) {
	e.mu.Lock()
	e.st.queue = append([]string{url}, e.st.queue...)
	depth := len(e.st.queue)
	snapshot := e.snapshotLocked()
	e.mu.Unlock()

	metrics.QueueDepth.Set(float64(depth))
	e.persist(snapshot)
}

// record 记录结果并应用不完整重试策略。
//
// 返回值:
//
//	model.ResultPayload: 本次尝试的结果
//	bool: 是否已重新入队
func (e *Engine) record(url string, res model.ExtractionResult) (model.ResultPayload, bool) {
	e.mu.Lock()
	idx, ok := e.st.index[url]
	if !ok {
		idx = len(e.st.order)
		e.st.index[url] = idx
		e.st.order = append(e.st.order, url)
	}
	payload := model.ResultPayload{
		URL:    url,
		Index:  idx,
		Total:  len(e.st.order),
		Result: res,
	}
	e.st.results[url] = payload
	e.st.processed++

	incomplete := isIncomplete(res)
	retried := false
	if incomplete && e.st.retries[url] < e.cfg.IncompleteRetryLimit {
		e.st.retries[url]++
		e.st.queue = append(e.st.queue, url)
		retried = true
	}
	depth := len(e.st.queue)
	snapshot := e.snapshotLocked()
	e.mu.Unlock()

	status := "success"
	switch {
	case !res.Success:
		status = "failure"
	case incomplete:
		status = "incomplete"
	}
	metrics.ItemsProcessedTotal.WithLabelValues(status).Inc()
	if retried {
		metrics.RetriesTotal.WithLabelValues("incomplete").Inc()
	}
	metrics.QueueDepth.Set(float64(depth))

	e.persist(snapshot)
	return payload, retried
}

var (
	_ PauseSwitch = (*Engine)(nil)
	_ Fetcher     = (*PageDriver)(nil)
	_ GateWaiter  = (*Gate)(nil)
)
