package payment

// State 支付流程状态
type State string

const (
	StateIdle             State = "idle"
	StateOrderCreated     State = "order_created"
	StateCheckoutOpen     State = "checkout_open"
	StatePaymentFailed    State = "payment_failed"
	StatePaymentCancelled State = "payment_cancelled"
	StatePaymentSubmitted State = "payment_submitted"
	StateVerifying        State = "verifying"
	StateResultReady      State = "result_ready"
	StateStillProcessing  State = "still_processing"
	StatePolling          State = "polling"
	StateFailed           State = "failed"
	StateTimedOut         State = "timed_out"
)

// 允许的状态迁移
var transitions = map[State][]State{
	StateIdle:             {StateOrderCreated, StateFailed},
	StateOrderCreated:     {StateCheckoutOpen},
	StateCheckoutOpen:     {StatePaymentFailed, StatePaymentCancelled, StatePaymentSubmitted},
	StatePaymentSubmitted: {StateVerifying},
	StateVerifying:        {StateResultReady, StateStillProcessing, StateFailed},
	StateStillProcessing:  {StatePolling, StateResultReady},
	StatePolling:          {StateResultReady, StateFailed, StateTimedOut},
}

// CanTransition 判断迁移是否合法
func (s State) CanTransition(to State) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal 终态
func (s State) IsTerminal() bool {
	_, ok := transitions[s]
	return !ok
}
