package paygate

import (
	"encoding/json"
	"errors"

	"github.com/mark3labs/mcp-go/mcp"
)

// reconciler folds x402/payment_result notifications back into the
// audit ledger. Notifications are fire-and-forget: problems are logged
// and dropped, never surfaced to the caller.
type reconciler struct {
	cfg *clientConfig
}

func newReconciler(cfg *clientConfig) *reconciler {
	return &reconciler{cfg: cfg}
}

func (r *reconciler) Handle(notification mcp.JSONRPCNotification) {
	raw, err := json.Marshal(notification.Params)
	if err != nil {
		r.cfg.logger.Warn("undecodable settlement notification", "error", err)
		return
	}
	var result PaymentResult
	if err := json.Unmarshal(raw, &result); err != nil {
		r.cfg.logger.Warn("undecodable settlement notification", "error", err)
		return
	}
	if result.RequestID == "" {
		r.cfg.logger.Warn("settlement notification without request id")
		return
	}

	status := PaymentStatusCompleted
	eventType := PaymentEventSettled
	if !result.Success {
		status = PaymentStatusFailed
		eventType = PaymentEventFailed
	}

	err = r.cfg.ledger.UpdatePaymentStatus(result.RequestID, status, PaymentUpdate{
		TxHash:      result.Transaction,
		Payer:       result.Payer,
		ErrorReason: result.ErrorReason,
		Network:     result.Network,
	})
	if err != nil {
		if errors.Is(err, ErrRecordNotFound) {
			r.cfg.logger.Warn("settlement notification for unknown request",
				"requestID", result.RequestID, "transaction", result.Transaction)
		} else {
			r.cfg.logger.Warn("failed to reconcile settlement",
				"requestID", result.RequestID, "error", err)
		}
		return
	}

	r.cfg.logger.Info("payment settled",
		"requestID", result.RequestID,
		"success", result.Success,
		"transaction", result.Transaction,
		"network", result.Network,
		"errorReason", result.ErrorReason)

	var eventErr error
	if !result.Success {
		eventErr = errors.New(result.ErrorReason)
	}
	for _, sink := range r.cfg.sinks {
		sink(PaymentEvent{
			Type:        eventType,
			RequestID:   result.RequestID,
			Network:     result.Network,
			Transaction: result.Transaction,
			Payer:       result.Payer,
			Err:         eventErr,
		})
	}
}
