package tools

import (
	"context"
	"strings"

	"github.com/evelabs/callbrain/internal/wire"
)

// Builtin deterministic tools. Each returns canonical JSON so results are
// stable inputs for hashing, replay, and tool-grounded speech plans.

func registerBuiltins(r *Registry) {
	r.fns["check_availability"] = checkAvailability
	r.fns["get_pricing"] = getPricing
	r.fns["check_eligibility"] = checkEligibility
	r.fns["clinic_policies"] = clinicPolicies
	r.fns["mark_dnc_compliant"] = markDNCCompliant
	r.fns["log_call_outcome"] = logCallOutcome
	r.fns["set_follow_up_plan"] = setFollowUpPlan
}

func jsonResult(v map[string]any) (string, error) {
	blob, err := wire.CanonicalJSON(v)
	if err != nil {
		return "", err
	}
	return string(blob), nil
}

func argString(args map[string]any, key, fallback string) string {
	if v, ok := args[key].(string); ok {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return fallback
}

// checkAvailability produces deterministic slots keyed off the requested
// day hint. Sundays are closed.
func checkAvailability(_ context.Context, args map[string]any) (string, error) {
	requested := strings.ToLower(argString(args, "requested_dt", ""))
	var slots []string
	switch {
	case strings.Contains(requested, "sunday"):
		slots = []string{}
	case strings.Contains(requested, "tomorrow"):
		slots = []string{
			"Tomorrow 9:00 AM",
			"Tomorrow 11:30 AM",
			"Tomorrow 3:15 PM",
			"Tomorrow 4:40 PM",
		}
	default:
		slots = []string{
			"Tuesday 9:00 AM",
			"Tuesday 11:30 AM",
			"Wednesday 2:15 PM",
			"Thursday 4:40 PM",
			"Friday 10:10 AM",
		}
	}
	return jsonResult(map[string]any{"slots": slots})
}

// getPricing returns deterministic pricing; numeric content downstream must
// stay tool-grounded.
func getPricing(_ context.Context, args map[string]any) (string, error) {
	serviceID := argString(args, "service_id", "general")
	price := 0
	if serviceID == "general" {
		price = 120
	}
	return jsonResult(map[string]any{"service_id": serviceID, "price_usd": price})
}

func checkEligibility(_ context.Context, _ map[string]any) (string, error) {
	return jsonResult(map[string]any{"eligible": true})
}

func clinicPolicies(_ context.Context, _ map[string]any) (string, error) {
	return jsonResult(map[string]any{
		"policies": "We can help schedule appointments and answer basic questions.",
	})
}

func markDNCCompliant(_ context.Context, args map[string]any) (string, error) {
	reason := strings.ToUpper(argString(args, "reason", "USER_REQUEST"))
	switch reason {
	case "USER_REQUEST", "WRONG_NUMBER", "HOSTILE":
	default:
		return jsonResult(map[string]any{
			"ok":    false,
			"tool":  "mark_dnc_compliant",
			"error": "invalid_reason",
		})
	}
	return jsonResult(map[string]any{
		"ok":     true,
		"tool":   "mark_dnc_compliant",
		"reason": reason,
		"status": "dnc_recorded",
	})
}

func logCallOutcome(_ context.Context, args map[string]any) (string, error) {
	return jsonResult(map[string]any{
		"ok":        true,
		"tool":      "log_call_outcome",
		"status":    "acknowledged",
		"call_id":   argString(args, "call_id", ""),
		"reason":    strings.ToLower(argString(args, "reason", "queued")),
		"next_step": argString(args, "next_step", "queued"),
	})
}

func setFollowUpPlan(_ context.Context, args map[string]any) (string, error) {
	return jsonResult(map[string]any{
		"ok":        true,
		"tool":      "set_follow_up_plan",
		"status":    "acknowledged",
		"call_id":   argString(args, "call_id", ""),
		"reason":    strings.ToLower(argString(args, "reason", "queued")),
		"next_step": argString(args, "next_step", "queued"),
	})
}
