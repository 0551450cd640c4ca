package exec

import (
	"context"
	"errors"
	"fmt"
	"time"

	"hl-mm-bot/internal/domain"

	"go.uber.org/zap"
)

// ResultSink receives command outcomes; a market pipeline satisfies it.
type ResultSink interface {
	Submit(ctx context.Context, ev domain.Event) error
}

// Worker sends one market's commands to the venue in order. A slow venue
// call only delays this market.
type Worker struct {
	market  string
	asset   int
	exec    *Executor
	sink    ResultSink
	timeout time.Duration
	log     *zap.Logger
	queue   chan domain.OrderCommand
}

func NewWorker(market string, asset int, exec *Executor, sink ResultSink, timeout time.Duration, queueSize int, log *zap.Logger) *Worker {
	if log == nil {
		log = zap.NewNop()
	}
	if queueSize <= 0 {
		queueSize = 64
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Worker{
		market:  market,
		asset:   asset,
		exec:    exec,
		sink:    sink,
		timeout: timeout,
		log:     log.With(zap.String("market", market)),
		queue:   make(chan domain.OrderCommand, queueSize),
	}
}

// Dispatch queues a command without blocking.
func (w *Worker) Dispatch(cmd domain.OrderCommand) bool {
	select {
	case w.queue <- cmd:
		return true
	default:
		return false
	}
}

func (w *Worker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case cmd := <-w.queue:
			res := w.execute(ctx, cmd)
			if err := w.sink.Submit(ctx, res); err != nil {
				if errors.Is(err, context.Canceled) {
					return err
				}
				w.log.Warn("failed to deliver command result", zap.Error(err))
			}
		}
	}
}

func (w *Worker) execute(ctx context.Context, cmd domain.OrderCommand) domain.CommandResult {
	callCtx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()
	start := time.Now()
	res := domain.CommandResult{Command: cmd}
	switch cmd.Type {
	case domain.CommandPlace:
		res.OrderID, res.Err = w.exec.PlaceOrder(callCtx, w.order(cmd))
	case domain.CommandReplace:
		res.OrderID, res.Err = w.exec.ModifyOrder(callCtx, Modify{OrderID: cmd.OrderID, Order: w.order(cmd)})
	case domain.CommandCancel:
		res.Err = w.exec.CancelOrder(callCtx, Cancel{Asset: w.asset, OrderID: cmd.OrderID, ClientID: cmd.ClientOrderID})
	default:
		res.Err = fmt.Errorf("unknown command type %q: %w", cmd.Type, ErrRejected)
	}
	res.Latency = time.Since(start)
	res.Rejected = errors.Is(res.Err, ErrRejected)
	if res.Err != nil {
		w.log.Debug("command finished with error",
			zap.String("type", string(cmd.Type)),
			zap.String("side", string(cmd.Side)),
			zap.Bool("rejected", res.Rejected),
			zap.Duration("latency", res.Latency),
			zap.Error(res.Err),
		)
	}
	return res
}

func (w *Worker) order(cmd domain.OrderCommand) Order {
	return Order{
		Asset:         w.asset,
		IsBuy:         cmd.Side.IsBuy(),
		Size:          cmd.Size,
		LimitPrice:    cmd.Price,
		PostOnly:      cmd.PostOnly,
		ClientOrderID: cmd.ClientOrderID,
	}
}
