package automation

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/ecodrix/backend/internal/tenantdata"
)

// EvalCondition decides whether a rule's optional condition holds for a
// lead. An unset field matches only neq; every other operator treats unset
// as a non-match.
func EvalCondition(lead *tenantdata.Lead, cond *tenantdata.RuleCondition) bool {
	if cond == nil {
		return true
	}

	value, ok := lead.FieldValue(cond.Field)
	if !ok {
		return cond.Operator == tenantdata.OpNeq
	}

	switch cond.Operator {
	case tenantdata.OpEq:
		return looseEqual(value, cond.Value)
	case tenantdata.OpNeq:
		return !looseEqual(value, cond.Value)
	case tenantdata.OpGt, tenantdata.OpGte, tenantdata.OpLt, tenantdata.OpLte:
		a, aok := toFloat(value)
		b, bok := toFloat(cond.Value)
		if !aok || !bok {
			return false
		}
		switch cond.Operator {
		case tenantdata.OpGt:
			return a > b
		case tenantdata.OpGte:
			return a >= b
		case tenantdata.OpLt:
			return a < b
		default:
			return a <= b
		}
	case tenantdata.OpIn:
		list, ok := cond.Value.([]interface{})
		if !ok {
			return false
		}
		for _, item := range list {
			if looseEqual(value, item) {
				return true
			}
		}
		return false
	case tenantdata.OpContains:
		return evalContains(value, cond.Value)
	}
	return false
}

// looseEqual compares across JSON's loose typing: numbers by value,
// everything else by string form.
func looseEqual(a, b interface{}) bool {
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
	}
	return toString(a) == toString(b)
}

// evalContains means substring on strings and membership on slices.
func evalContains(value, needle interface{}) bool {
	switch v := value.(type) {
	case string:
		return strings.Contains(v, toString(needle))
	case []string:
		want := toString(needle)
		for _, item := range v {
			if item == want {
				return true
			}
		}
	case []interface{}:
		for _, item := range v {
			if looseEqual(item, needle) {
				return true
			}
		}
	}
	return false
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}

func toString(v interface{}) string {
	switch s := v.(type) {
	case string:
		return s
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(s)
	case nil:
		return ""
	default:
		return ""
	}
}
