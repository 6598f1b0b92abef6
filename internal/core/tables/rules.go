package tables

import (
	"fmt"
	"time"

	"github.com/JonMunkholm/orgtransfer/internal/core"
)

// BusinessRules returns the cross-field rules for the org schemas.
//
// Rules see coerced records. A field that failed coercion is absent, so each
// rule checks only what is present and never repeats a field error. Range
// checks that coercion already enforces, like percentage in [0, 1], are not
// repeated here.
func BusinessRules() []core.BusinessRule {
	return []core.BusinessRule{
		{
			Name:      "start_before_end",
			AppliesTo: []core.EntityKind{Assignments},
			Field:     "end_date",
			Check:     startBeforeEnd,
		},
		{
			Name:      "unit_not_own_parent",
			AppliesTo: []core.EntityKind{Units},
			Field:     "parent_id",
			Check:     notOwnParent,
		},
		{
			Name:      "closed_version_not_current",
			AppliesTo: []core.EntityKind{Assignments},
			Field:     "is_current",
			Check:     closedNotCurrent,
		},
	}
}

func startBeforeEnd(rec *core.Record) string {
	start, ok1 := rec.Value("start_date").(time.Time)
	end, ok2 := rec.Value("end_date").(time.Time)
	if !ok1 || !ok2 {
		return ""
	}
	if end.Before(start) {
		return fmt.Sprintf("end_date %s is before start_date %s", core.FormatTime(end), core.FormatTime(start))
	}
	return ""
}

func notOwnParent(rec *core.Record) string {
	if rec.IsNull("parent_id") || rec.ClientID == "" {
		return ""
	}
	if rec.Text("parent_id") == rec.ClientID {
		return "a unit cannot be its own parent"
	}
	return ""
}

func closedNotCurrent(rec *core.Record) string {
	current, ok := rec.Value("is_current").(bool)
	if !ok || !current || rec.IsNull("valid_to") {
		return ""
	}
	return "a record with valid_to set cannot be current"
}
