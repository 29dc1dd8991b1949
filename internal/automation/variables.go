package automation

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ecodrix/backend/internal/tenantdata"
)

// ErrSkipSend reports that a template variable resolved empty under the
// skip_send policy; the message must not go out.
var ErrSkipSend = errors.New("automation: empty variable under skip_send policy")

// ResolveVariables fills a template's positional placeholders from the lead
// and the manual overrides, applying the template's empty policy. The
// returned slice is ordered by position.
func ResolveVariables(tpl *tenantdata.Template, lead *tenantdata.Lead, manual map[string]string) ([]string, error) {
	if len(tpl.Variables) == 0 {
		return nil, nil
	}

	vars := make([]tenantdata.TemplateVariable, len(tpl.Variables))
	copy(vars, tpl.Variables)
	sort.Slice(vars, func(i, j int) bool { return vars[i].Position < vars[j].Position })

	out := make([]string, 0, len(vars))
	for _, v := range vars {
		val := resolveOne(v, lead, manual)
		if val == "" {
			switch tpl.EmptyPolicy {
			case tenantdata.EmptySkipSend:
				return nil, fmt.Errorf("%w: position %d", ErrSkipSend, v.Position)
			case tenantdata.EmptySendAnyway:
				// leave empty
			default: // use_fallback
				val = v.Fallback
				if val == "" {
					val = "-"
				}
			}
		}
		out = append(out, val)
	}
	return out, nil
}

func resolveOne(v tenantdata.TemplateVariable, lead *tenantdata.Lead, manual map[string]string) string {
	switch v.Source {
	case tenantdata.VarSourceStatic:
		return v.Value
	case tenantdata.VarSourceManual:
		return manual[v.Value]
	case tenantdata.VarSourceLeadField:
		raw, ok := lead.FieldValue(v.Value)
		if !ok {
			return ""
		}
		return toString(raw)
	case tenantdata.VarSourceSystem:
		return systemValue(v.Value)
	case tenantdata.VarSourceFormula:
		return formulaValue(v.Value, lead)
	}
	return ""
}

func systemValue(name string) string {
	now := time.Now()
	switch name {
	case "date":
		return now.Format("2006-01-02")
	case "time":
		return now.Format("15:04")
	case "datetime":
		return now.Format(time.RFC3339)
	case "year":
		return now.Format("2006")
	}
	return ""
}

// formulaValue supports the small formula set tenants actually use:
// full_name, days_since_contact and score_rounded.
func formulaValue(name string, lead *tenantdata.Lead) string {
	switch name {
	case "full_name":
		return strings.TrimSpace(lead.FirstName + " " + lead.LastName)
	case "days_since_contact":
		if lead.LastContactedAt == nil {
			return ""
		}
		days := int(time.Since(*lead.LastContactedAt).Hours() / 24)
		return fmt.Sprintf("%d", days)
	case "score_rounded":
		return fmt.Sprintf("%.0f", lead.Score.Total)
	}
	return ""
}
