package exchange

import (
	"fmt"
	"strconv"
	"strings"
)

// RejectionError is a definitive venue refusal carried in a well-formed
// response, as opposed to a transport failure.
type RejectionError struct {
	Message string
}

func (e *RejectionError) Error() string {
	return "exchange rejected: " + e.Message
}

// CheckResponse returns a *RejectionError when the venue refused the
// action, either at the top level or in any per-order status.
func CheckResponse(resp map[string]any) error {
	if resp == nil {
		return fmt.Errorf("empty exchange response")
	}
	status, _ := resp["status"].(string)
	if status != "" && status != "ok" {
		msg := stringFromAny(resp["response"])
		if msg == "" {
			msg = status
		}
		return &RejectionError{Message: msg}
	}
	for _, st := range statuses(resp) {
		m, ok := st.(map[string]any)
		if !ok {
			continue
		}
		if msg, ok := m["error"].(string); ok && msg != "" {
			return &RejectionError{Message: msg}
		}
	}
	return nil
}

// IsAlreadyGone reports whether a cancel rejection means the order no
// longer rests on the book.
func IsAlreadyGone(err *RejectionError) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Message)
	return strings.Contains(msg, "already canceled") ||
		strings.Contains(msg, "never placed") ||
		strings.Contains(msg, "filled")
}

func OrderIDFromResponse(resp map[string]any) string {
	if resp == nil {
		return ""
	}
	return orderIDFromAny(resp)
}

func statuses(resp map[string]any) []any {
	inner, ok := resp["response"].(map[string]any)
	if !ok {
		return nil
	}
	data, ok := inner["data"].(map[string]any)
	if !ok {
		return nil
	}
	out, _ := data["statuses"].([]any)
	return out
}

func stringFromAny(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case float64:
		return strconv.FormatInt(int64(val), 10)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	default:
		return ""
	}
}

func orderIDFromAny(v any) string {
	switch val := v.(type) {
	case map[string]any:
		for _, key := range []string{"orderId", "orderID", "oid", "id"} {
			if id := stringFromAny(val[key]); id != "" {
				return id
			}
		}
		for _, nested := range val {
			if id := orderIDFromAny(nested); id != "" {
				return id
			}
		}
	case []any:
		for _, nested := range val {
			if id := orderIDFromAny(nested); id != "" {
				return id
			}
		}
	}
	return ""
}
