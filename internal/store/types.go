package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// marshalJSON renders v as a JSON string for a TEXT column. Marshal
// failures degrade to the empty composite rather than poisoning a write.
func marshalJSON(v interface{}) string {
	data, err := json.Marshal(v)
	if err != nil {
		switch v.(type) {
		case map[string]interface{}:
			return "{}"
		default:
			return "[]"
		}
	}
	return string(data)
}

func unmarshalInts(s string) []int {
	var out []int
	if s == "" {
		return out
	}
	json.Unmarshal([]byte(s), &out)
	return out
}

func unmarshalStrings(s string) []string {
	var out []string
	if s == "" {
		return out
	}
	json.Unmarshal([]byte(s), &out)
	return out
}

func unmarshalMap(s string) map[string]interface{} {
	out := map[string]interface{}{}
	if s == "" {
		return out
	}
	json.Unmarshal([]byte(s), &out)
	return out
}

func unmarshalMaps(s string) []map[string]interface{} {
	var out []map[string]interface{}
	if s == "" {
		return out
	}
	json.Unmarshal([]byte(s), &out)
	return out
}

// nullTime converts a nullable scan target to a *time.Time.
func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func nullString(s sql.NullString) string {
	if !s.Valid {
		return ""
	}
	return s.String
}

func nullInt(i sql.NullInt64) *int {
	if !i.Valid {
		return nil
	}
	v := int(i.Int64)
	return &v
}

// nextSeq returns max(trailing sequence)+1 over all IDs in a column.
// IDs look like "CP-3-17"; the part after the last dash is the sequence.
// The counter is global across sessions so IDs never collide after a
// rollback or resume.
func nextSeq(db *sql.DB, table, column string) (int, error) {
	rows, err := db.Query(fmt.Sprintf("SELECT %s FROM %s", column, table))
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	maxSeq := 0
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			continue
		}
		parts := strings.Split(id, "-")
		if len(parts) < 2 {
			continue
		}
		seq, err := strconv.Atoi(parts[len(parts)-1])
		if err != nil {
			continue
		}
		if seq > maxSeq {
			maxSeq = seq
		}
	}
	return maxSeq + 1, rows.Err()
}
