package events

// EventData is the interface all event payload types implement. It keeps
// publishing type-safe while the bus stays generic.
type EventData interface {
	// EventType returns the event type this data is associated with
	EventType() EventType
}

// CircuitTrippedData contains data for CircuitTripped events
type CircuitTrippedData struct {
	ChainID     int64   `json:"chain_id,omitempty"` // 0 = global trip
	Reason      string  `json:"reason"`
	GasPrice    float64 `json:"gas_price,omitempty"`
	TriggeredBy string  `json:"triggered_by"`
}

func (d *CircuitTrippedData) EventType() EventType { return CircuitTripped }

// CircuitResetData contains data for CircuitReset events
type CircuitResetData struct {
	ChainID  int64  `json:"chain_id,omitempty"`
	NewState string `json:"new_state"` // CLOSED or HALF_OPEN
	ResetBy  string `json:"reset_by"`
}

func (d *CircuitResetData) EventType() EventType { return CircuitReset }

// DrawdownBreachedData contains data for DrawdownBreached events
type DrawdownBreachedData struct {
	UserID        string  `json:"user_id"`
	DrawdownPct   float64 `json:"drawdown_pct"`
	LimitPct      float64 `json:"limit_pct"`
	CurrentValue  float64 `json:"current_value"`
	HighWaterMark float64 `json:"high_water_mark"`
}

func (d *DrawdownBreachedData) EventType() EventType { return DrawdownBreached }

// CrisisEvaluatedData contains data for CrisisEvaluated events
type CrisisEvaluatedData struct {
	UserID      string `json:"user_id"`
	TriggerType string `json:"trigger_type"`
	ShouldAct   bool   `json:"should_act"`
	Positions   int    `json:"positions"`
}

func (d *CrisisEvaluatedData) EventType() EventType { return CrisisEvaluated }

// RepairSuggestedData contains data for RepairSuggested events
type RepairSuggestedData struct {
	UserID     string  `json:"user_id"`
	RepairID   string  `json:"repair_id"`
	PositionID string  `json:"position_id"`
	Kind       string  `json:"kind"`
	APYDelta   float64 `json:"apy_delta"`
	Confirmed  bool    `json:"confirmed"` // true when the executor acted without approval
}

func (d *RepairSuggestedData) EventType() EventType { return RepairSuggested }

// RepairExecutedData contains data for RepairExecuted events
type RepairExecutedData struct {
	UserID     string `json:"user_id"`
	RepairID   string `json:"repair_id"`
	DecisionID string `json:"decision_id"`
	TxHash     string `json:"tx_hash,omitempty"`
}

func (d *RepairExecutedData) EventType() EventType { return RepairExecuted }

// RepairRevertedData contains data for RepairReverted events
type RepairRevertedData struct {
	UserID     string `json:"user_id"`
	DecisionID string `json:"decision_id"`
}

func (d *RepairRevertedData) EventType() EventType { return RepairReverted }

// OutcomeRecordedData contains data for OutcomeRecorded events
type OutcomeRecordedData struct {
	UserID     string  `json:"user_id"`
	DecisionID string  `json:"decision_id"`
	Status     string  `json:"status"`
	ActualAPY  float64 `json:"actual_apy_delta"`
}

func (d *OutcomeRecordedData) EventType() EventType { return OutcomeRecorded }

// OracleAlertData contains data for OracleAlert events
type OracleAlertData struct {
	Symbol    string  `json:"symbol"`
	AlertType string  `json:"alert_type"` // depeg or stale
	Severity  string  `json:"severity"`   // warning or critical
	Deviation float64 `json:"deviation,omitempty"`
	AgeHours  float64 `json:"age_hours,omitempty"`
}

func (d *OracleAlertData) EventType() EventType { return OracleAlert }

// PolicyUpdatedData contains data for PolicyUpdated events
type PolicyUpdatedData struct {
	UserID  string `json:"user_id,omitempty"` // empty = global policy document
	Version string `json:"version,omitempty"`
	Field   string `json:"field,omitempty"`
}

func (d *PolicyUpdatedData) EventType() EventType { return PolicyUpdated }
