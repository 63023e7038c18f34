package domain

import "time"

// AlertStatus is the analyst workflow state of an alert.
type AlertStatus string

const (
	AlertNew           AlertStatus = "new"
	AlertReviewing     AlertStatus = "reviewing"
	AlertResolved      AlertStatus = "resolved"
	AlertFalsePositive AlertStatus = "false_positive"
)

var alertTransitions = map[AlertStatus][]AlertStatus{
	AlertNew:       {AlertReviewing, AlertResolved, AlertFalsePositive},
	AlertReviewing: {AlertResolved, AlertFalsePositive},
}

// Valid reports whether s is a known status.
func (s AlertStatus) Valid() bool {
	switch s {
	case AlertNew, AlertReviewing, AlertResolved, AlertFalsePositive:
		return true
	}
	return false
}

// Terminal reports whether no further transitions are allowed from s.
func (s AlertStatus) Terminal() bool {
	return s == AlertResolved || s == AlertFalsePositive
}

// CanTransitionTo reports whether the lifecycle allows moving from s to next.
func (s AlertStatus) CanTransitionTo(next AlertStatus) bool {
	for _, allowed := range alertTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Alert is raised when a transaction's combined score crosses the alert threshold.
type Alert struct {
	AlertID         string       `json:"alert_id"`
	TxnID           string       `json:"txn_id"`
	CustomerID      string       `json:"customer_id"`
	Score           float64      `json:"score"`
	Status          AlertStatus  `json:"status"`
	Explanation     *Explanation `json:"explanation,omitempty"`
	AnalystNotes    string       `json:"analyst_notes,omitempty"`
	Occurrences     int          `json:"occurrences"`
	LinkedTxnIDs    []string     `json:"linked_txn_ids,omitempty"`
	Degraded        bool         `json:"degraded,omitempty"`
	CreatedAt       time.Time    `json:"created_at"`
	UpdatedAt       time.Time    `json:"updated_at"`
	FirstOccurrence time.Time    `json:"first_occurrence_at"`
	LastOccurrence  time.Time    `json:"last_occurrence_at"`
}

// Clone returns a deep copy safe to hand outside the owning manager.
func (a *Alert) Clone() *Alert {
	if a == nil {
		return nil
	}
	c := *a
	if a.LinkedTxnIDs != nil {
		c.LinkedTxnIDs = append([]string(nil), a.LinkedTxnIDs...)
	}
	if a.Explanation != nil {
		e := *a.Explanation
		c.Explanation = &e
	}
	return &c
}

// AlertFilter narrows alert listings.
type AlertFilter struct {
	Status     AlertStatus
	CustomerID string
	Limit      int
	Offset     int
}
