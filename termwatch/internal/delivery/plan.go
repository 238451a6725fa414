// Package delivery decides who hears about a detected change, and when,
// then carries the notification out.
//
// Route is a pure function of a change and its subscribers. The Dispatcher
// executes the resulting DeliveryPlan: realtime notifications go straight
// to a Transport, everything else waits in the digest queue until the daily
// or weekly flush.
package delivery

import "fmt"

// Digest frequencies.
const (
	FrequencyDaily  = "daily"
	FrequencyWeekly = "weekly"
)

// Gated features.
const (
	FeatureDiff     = "diff"
	FeatureRealtime = "realtime"
	FeatureWebhook  = "webhook"
	FeatureServices = "services"
)

// TierPolicy is what a subscriber's plan grants.
type TierPolicy struct {
	Name            string `json:"name" yaml:"name"`
	MaxServices     int    `json:"max_services" yaml:"max_services"`
	DigestFrequency string `json:"digest_frequency" yaml:"digest_frequency"`
	CanViewDiff     bool   `json:"can_view_diff" yaml:"can_view_diff"`
	RealtimeAlerts  bool   `json:"realtime_alerts" yaml:"realtime_alerts"`
	Webhooks        bool   `json:"webhooks" yaml:"webhooks"`
}

// Plans lists the built-in tiers.
var Plans = map[string]TierPolicy{
	"free": {
		Name:            "free",
		MaxServices:     2,
		DigestFrequency: FrequencyWeekly,
	},
	"pro": {
		Name:            "pro",
		MaxServices:     15,
		DigestFrequency: FrequencyDaily,
		CanViewDiff:     true,
		RealtimeAlerts:  true,
	},
	"business": {
		Name:            "business",
		MaxServices:     999,
		DigestFrequency: FrequencyDaily,
		CanViewDiff:     true,
		RealtimeAlerts:  true,
		Webhooks:        true,
	},
}

// PlanFor returns the named tier. Unknown names fall back to free.
func PlanFor(name string) TierPolicy {
	if p, ok := Plans[name]; ok {
		return p
	}
	return Plans["free"]
}

// UpgradeReason returns the prompt shown when plan does not grant feature,
// or "" when it does.
func UpgradeReason(plan TierPolicy, feature string) string {
	switch feature {
	case FeatureDiff:
		if !plan.CanViewDiff {
			return "Upgrade to Pro to see exactly what changed, line by line."
		}
	case FeatureRealtime:
		if !plan.RealtimeAlerts {
			return "Upgrade to Pro to get alerted the moment a policy changes."
		}
	case FeatureWebhook:
		if !plan.Webhooks {
			return "Upgrade to Business to receive changes on your own webhook."
		}
	case FeatureServices:
		return fmt.Sprintf("Your %s plan follows up to %d services. Upgrade to follow more.",
			plan.Name, plan.MaxServices)
	}
	return ""
}
