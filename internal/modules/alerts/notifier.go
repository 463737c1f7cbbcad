package alerts

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/mkosta/autopilot/internal/domain"
	"github.com/mkosta/autopilot/internal/events"
)

// systemUserID receives alerts with no user scope, like oracle and
// global circuit events.
const systemUserID = "system"

// Notifier turns bus events into persisted alerts and pushes them out
// through the configured sender. Persisting and sending both happen off the
// publisher's critical path in the sense that failures are logged, never
// returned: an alert that cannot be delivered must not undo the decision
// that raised it.
type Notifier struct {
	repo   *Repository
	sender domain.NotificationSender
	log    zerolog.Logger
}

// NewNotifier creates the notifier. sender may be nil; alerts are then only
// persisted.
func NewNotifier(repo *Repository, sender domain.NotificationSender, log zerolog.Logger) *Notifier {
	return &Notifier{
		repo:   repo,
		sender: sender,
		log:    log.With().Str("service", "alert_notifier").Logger(),
	}
}

// Register subscribes the notifier to every alert-worthy event type.
func (n *Notifier) Register(bus *events.Bus) {
	bus.Subscribe(events.CircuitTripped, n.handle)
	bus.Subscribe(events.CircuitReset, n.handle)
	bus.Subscribe(events.DrawdownBreached, n.handle)
	bus.Subscribe(events.CrisisEvaluated, n.handle)
	bus.Subscribe(events.RepairSuggested, n.handle)
	bus.Subscribe(events.RepairExecuted, n.handle)
	bus.Subscribe(events.OutcomeRecorded, n.handle)
	bus.Subscribe(events.OracleAlert, n.handle)
}

func (n *Notifier) handle(event *events.Event) {
	alert, ok := n.translate(event)
	if !ok {
		return
	}

	if err := n.repo.Create(&alert); err != nil {
		n.log.Error().Err(err).Str("alert_type", alert.AlertType).Msg("Failed to persist alert")
	}
	if n.sender != nil {
		if err := n.sender.Send(context.Background(), alert.UserID, alert); err != nil {
			n.log.Warn().Err(err).Str("alert_type", alert.AlertType).Msg("Alert delivery failed")
		}
	}
}

// translate maps an event to an alert. Noise stays off the feed: routine
// crisis evaluations and non-actionable events return ok=false.
func (n *Notifier) translate(event *events.Event) (domain.Alert, bool) {
	switch data := event.Data.(type) {
	case *events.CircuitTrippedData:
		scope := "all chains"
		if data.ChainID != 0 {
			scope = domain.ChainName(data.ChainID)
		}
		return domain.Alert{
			UserID:    systemUserID,
			AlertType: "circuit_breaker",
			Severity:  "urgent",
			Title:     "Circuit breaker tripped",
			Message:   fmt.Sprintf("Operations halted on %s: %s", scope, data.Reason),
			Data:      map[string]interface{}{"chain_id": data.ChainID, "reason": data.Reason},
		}, true

	case *events.CircuitResetData:
		return domain.Alert{
			UserID:    systemUserID,
			AlertType: "circuit_breaker",
			Severity:  "info",
			Title:     "Circuit breaker reset",
			Message:   fmt.Sprintf("State is now %s", data.NewState),
			Data:      map[string]interface{}{"chain_id": data.ChainID, "new_state": data.NewState},
		}, true

	case *events.DrawdownBreachedData:
		return domain.Alert{
			UserID:    data.UserID,
			AlertType: "drawdown_breach",
			Severity:  "urgent",
			Title:     "Portfolio drawdown limit breached",
			Message: fmt.Sprintf("Portfolio is down %.1f%% from its high of $%.2f (limit %.1f%%)",
				data.DrawdownPct*100, data.HighWaterMark, data.LimitPct*100),
			Data: map[string]interface{}{"drawdown_pct": data.DrawdownPct, "limit_pct": data.LimitPct},
		}, true

	case *events.CrisisEvaluatedData:
		if !data.ShouldAct {
			return domain.Alert{}, false
		}
		return domain.Alert{
			UserID:    data.UserID,
			AlertType: "crisis",
			Severity:  "urgent",
			Title:     "Crisis de-risk plan prepared",
			Message: fmt.Sprintf("Trigger %s: %d position(s) selected for de-risking",
				data.TriggerType, data.Positions),
			Data: map[string]interface{}{"trigger_type": data.TriggerType, "positions": data.Positions},
		}, true

	case *events.RepairSuggestedData:
		return domain.Alert{
			UserID:    data.UserID,
			AlertType: "repair_suggested",
			Severity:  "warning",
			Title:     "Repair suggested",
			Message:   fmt.Sprintf("A %s repair is ready for review (est. %+.2f%% APY)", data.Kind, data.APYDelta),
			Data:      map[string]interface{}{"repair_id": data.RepairID, "kind": data.Kind},
		}, true

	case *events.RepairExecutedData:
		return domain.Alert{
			UserID:    data.UserID,
			AlertType: "repair_executed",
			Severity:  "info",
			Title:     "Repair executed",
			Message:   fmt.Sprintf("Repair %s confirmed on chain", data.RepairID),
			Data:      map[string]interface{}{"repair_id": data.RepairID, "tx_hash": data.TxHash},
		}, true

	case *events.OutcomeRecordedData:
		severity := "info"
		if data.Status == string(domain.OutcomeUnderperformed) {
			severity = "warning"
		}
		return domain.Alert{
			UserID:    data.UserID,
			AlertType: "repair_outcome",
			Severity:  severity,
			Title:     "Repair outcome recorded",
			Message:   fmt.Sprintf("A past repair was graded %s (%+.2f%% APY measured)", data.Status, data.ActualAPY),
			Data:      map[string]interface{}{"decision_id": data.DecisionID, "status": data.Status},
		}, true

	case *events.OracleAlertData:
		severity := "warning"
		if data.Severity == "critical" {
			severity = "urgent"
		}
		return domain.Alert{
			UserID:    systemUserID,
			AlertType: "oracle",
			Severity:  severity,
			Title:     fmt.Sprintf("Oracle %s: %s", data.AlertType, data.Symbol),
			Message:   oracleMessage(data),
			Data:      map[string]interface{}{"symbol": data.Symbol, "alert_type": data.AlertType},
		}, true

	default:
		return domain.Alert{}, false
	}
}

func oracleMessage(data *events.OracleAlertData) string {
	if data.AlertType == "depeg" {
		return fmt.Sprintf("%s deviates %.2f%% from its peg", data.Symbol, data.Deviation*100)
	}
	return fmt.Sprintf("%s price feed is %.1f hours stale", data.Symbol, data.AgeHours)
}
