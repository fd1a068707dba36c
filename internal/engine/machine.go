package engine

// Task and proof lifecycle guards. The money machine consults these and never
// bypasses them; public task handlers go through the same tables.

var taskEdges = map[TaskStatus][]TaskStatus{
	TaskOpen:           {TaskAccepted, TaskCancelled, TaskExpired},
	TaskAccepted:       {TaskProofSubmitted, TaskCancelled, TaskExpired},
	TaskProofSubmitted: {TaskCompleted, TaskDisputed, TaskCancelled},
	TaskDisputed:       {TaskCompleted, TaskCancelled},
}

func taskEdgeAllowed(from, to TaskStatus) bool {
	for _, t := range taskEdges[from] {
		if t == to {
			return true
		}
	}
	return false
}

var proofEdges = map[ProofStatus][]ProofStatus{
	ProofNone:      {ProofRequested},
	ProofRequested: {ProofSubmitted},
	ProofSubmitted: {ProofAnalyzing, ProofAccepted, ProofRejected, ProofLocked},
	ProofAnalyzing: {ProofEscalated, ProofAccepted, ProofRejected},
	ProofEscalated: {ProofAccepted, ProofRejected, ProofLocked},
	ProofRejected:  {ProofSubmitted},
}

func proofEdgeAllowed(from, to ProofStatus) bool {
	for _, t := range proofEdges[from] {
		if t == to {
			return true
		}
	}
	return false
}

// validateTaskTransition applies the edge table plus the per-edge guards.
// moneyState is the current escrow state; INV-2/INV-3 live here.
func validateTaskTransition(t Task, to TaskStatus, moneyState MoneyState, adminID string) error {
	if t.Status.Terminal() {
		return newErr(CodeInvalidTransition, "task "+t.ID+" is terminal")
	}
	if !taskEdgeAllowed(t.Status, to) {
		return newErr(CodeInvalidTransition, "task "+t.ID+": "+string(t.Status)+" -> "+string(to)+" not allowed")
	}
	switch to {
	case TaskAccepted:
		if t.HustlerID == "" {
			return newErr(CodeInvalidTransition, "accept requires a hustler")
		}
		if moneyState != MoneyHeld {
			return newErr(CodeInvalidTransition, "accept requires escrow held, have "+string(moneyState))
		}
	case TaskProofSubmitted:
		if t.ProofID == "" {
			return newErr(CodeInvalidTransition, "proof submission requires a proof id")
		}
	case TaskCompleted:
		if t.Status == TaskDisputed {
			if adminID == "" {
				return newErr(CodeForbidden, "dispute completion requires an admin")
			}
			return nil
		}
		if t.ProofState != ProofAccepted {
			return newErr(CodeInvalidTransition, "completion requires accepted proof, have "+string(t.ProofState))
		}
		if moneyState != MoneyHeld {
			return newErr(CodeInvalidTransition, "completion requires escrow held, have "+string(moneyState))
		}
	}
	return nil
}

// validateMoneyEvent checks the event against the state lock, the task
// machine, and the proof freeze rule.
func validateMoneyEvent(lock StateLock, task Task, req HandleRequest) error {
	if lock.Current.Terminal() {
		return newErr(CodeInvalidTransition, "escrow for task "+task.ID+" is terminal ("+string(lock.Current)+")")
	}
	if !lock.allows(req.Event) {
		return newErr(CodeInvalidTransition,
			"event "+string(req.Event)+" not allowed in state "+string(lock.Current))
	}
	if req.Event.adminOnly() && req.AdminID == "" {
		return newErr(CodeForbidden, "event "+string(req.Event)+" requires an admin")
	}

	switch req.Event {
	case EventHoldEscrow:
		if task.Status != TaskOpen {
			return newErr(CodeInvalidTransition, "hold requires an open task, have "+string(task.Status))
		}
		if req.Context.PaymentIntentID == "" {
			return newErr(CodeInvalidTransition, "hold requires a payment intent")
		}
		if req.Context.AmountCents != 0 && req.Context.AmountCents != task.PriceCents {
			return newErr(CodeInvalidTransition, "hold amount must match task price")
		}
	case EventReleasePayout:
		if task.Status != TaskCompleted {
			return newErr(CodeInvalidTransition, "release requires a completed task, have "+string(task.Status))
		}
		if task.ProofState.Frozen() {
			return newErr(CodeInvalidTransition, "release frozen while proof is "+string(task.ProofState))
		}
	case EventRefundEscrow:
		if task.Status == TaskCompleted {
			return newErr(CodeInvalidTransition, "cannot refund a completed task")
		}
	case EventDisputeOpen:
		if task.Status != TaskDisputed {
			return newErr(CodeInvalidTransition, "dispute lock requires a disputed task, have "+string(task.Status))
		}
	case EventDisputeResolveSplit:
		split := req.Context.ReleaseCents + req.Context.RefundCents
		if req.Context.ReleaseCents < 0 || req.Context.RefundCents < 0 || split != task.PriceCents {
			return newErr(CodeInvalidTransition, "split must partition the escrow exactly")
		}
	}
	return nil
}
