package payment

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/qs3c/reportflow/internal/model"
)

// Outcome 支付组件的结束方式
type Outcome int

const (
	OutcomeSubmitted Outcome = iota
	OutcomeDismissed
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSubmitted:
		return "submitted"
	case OutcomeDismissed:
		return "dismissed"
	case OutcomeFailed:
		return "failed"
	}
	return "unknown"
}

// CheckoutResult 支付组件回执
type CheckoutResult struct {
	Outcome Outcome
	Payload model.CheckoutPayload
	// Reason 支付失败时组件给出的原因
	Reason string
}

// Checkout 第三方支付组件。Open 阻塞到用户完成、关闭或支付失败。
type Checkout interface {
	Open(ctx context.Context, order model.PaymentOrder) (CheckoutResult, error)
}

// CheckoutFunc 函数适配器
type CheckoutFunc func(ctx context.Context, order model.PaymentOrder) (CheckoutResult, error)

func (f CheckoutFunc) Open(ctx context.Context, order model.PaymentOrder) (CheckoutResult, error) {
	return f(ctx, order)
}

// ConsoleCheckout 在终端里完成支付：打印订单，读取支付回执
type ConsoleCheckout struct {
	In  io.Reader
	Out io.Writer
}

type lineResult struct {
	line string
	err  error
}

func (c *ConsoleCheckout) Open(ctx context.Context, order model.PaymentOrder) (CheckoutResult, error) {
	fmt.Fprintf(c.Out, "Order %s: %s %s for %s analysis\n", order.OrderID, order.Amount, order.Currency, order.ServiceType)
	fmt.Fprintln(c.Out, "Complete the payment, then paste \"<payment_id> <signature>\" (empty line to cancel):")

	lines := make(chan lineResult, 1)
	go func() {
		line, err := bufio.NewReader(c.In).ReadString('\n')
		lines <- lineResult{line: line, err: err}
	}()

	select {
	case <-ctx.Done():
		return CheckoutResult{}, ctx.Err()
	case r := <-lines:
		if r.err != nil && r.err != io.EOF {
			return CheckoutResult{Outcome: OutcomeFailed, Reason: r.err.Error()}, nil
		}
		fields := strings.Fields(r.line)
		switch len(fields) {
		case 0:
			return CheckoutResult{Outcome: OutcomeDismissed}, nil
		case 2:
			return CheckoutResult{
				Outcome: OutcomeSubmitted,
				Payload: model.CheckoutPayload{
					PaymentID: fields[0],
					OrderID:   order.OrderID,
					Signature: fields[1],
				},
			}, nil
		}
		return CheckoutResult{Outcome: OutcomeFailed, Reason: "unrecognized payment receipt"}, nil
	}
}
