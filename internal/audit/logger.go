package audit

import (
	"database/sql"
	"encoding/json"
	"log"
	"time"
)

// Logger records immutable audit entries. Entries are written to the
// audit_log table when a database is available and always mirrored to
// the process log. Write failures are logged and swallowed: an audit
// outage must never abort a payment flow.
type Logger struct {
	db *sql.DB
}

func NewLogger(db *sql.DB) *Logger {
	return &Logger{db: db}
}

func (l *Logger) LogPaymentOutcome(reference, contractID string, amount int64, status string) {
	detail := map[string]any{"amount": amount, "status": status}
	l.write("PAYMENT_OUTCOME", "payment", reference, nil, detail, "system")
	log.Printf("[AUDIT] payment %s contract %s amount %d status %s", reference, contractID, amount, status)
}

func (l *Logger) LogAllocation(reference, contractID string, penaltyTotal, installmentTotal, leftover int64) {
	detail := map[string]any{
		"penalties":    penaltyTotal,
		"installments": installmentTotal,
		"leftover":     leftover,
	}
	l.write("ALLOCATION", "contract", contractID, nil, detail, "system")
	log.Printf("[AUDIT] allocation %s contract %s penalties=%d installments=%d leftover=%d",
		reference, contractID, penaltyTotal, installmentTotal, leftover)
}

func (l *Logger) LogAdminAction(action, entity, entityID string, oldValue, newValue any, actor string) {
	l.write(action, entity, entityID, oldValue, newValue, actor)
}

func (l *Logger) LogError(reference, contractID string, err error) {
	detail := map[string]string{"error": err.Error()}
	l.write("ERROR", "payment", reference, nil, detail, "system")
	log.Printf("[AUDIT] error payment %s contract %s: %v", reference, contractID, err)
}

func (l *Logger) write(action, entity, entityID string, oldValue, newValue any, actor string) {
	if l.db == nil {
		return
	}

	oldJSON := marshalSnapshot(oldValue)
	newJSON := marshalSnapshot(newValue)

	_, err := l.db.Exec(`
		INSERT INTO audit_log (action, entity, entity_id, old_value, new_value, actor, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		action, entity, entityID, oldJSON, newJSON, actor, time.Now())
	if err != nil {
		log.Printf("[AUDIT] failed to persist entry %s/%s/%s: %v", action, entity, entityID, err)
	}
}

func marshalSnapshot(v any) []byte {
	if v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}
