package triage

import "github.com/hardrivetech/secdash/pkg/domain"

const (
	// alertEPSSThreshold is the exploit-probability level worth announcing
	alertEPSSThreshold = 0.5
	// maxAlertDelivery caps how many alerts one refresh actually delivers
	maxAlertDelivery = 3
)

// ComputeAlerts returns the items that newly cross the alert threshold
// (known-exploited, or EPSS at or above 0.5) and were not announced before.
// At most 3 items are returned for delivery, in input order, but the updated
// notified set records every qualifying item so the ones beyond the cap are
// never re-offered on a later refresh.
func ComputeAlerts(items []domain.Vulnerability, notified []string) (alerts []domain.Vulnerability, updated []string) {
	seen := toSet(notified)
	updated = append([]string(nil), notified...)

	for _, it := range items {
		if !qualifies(it) {
			continue
		}
		if _, ok := seen[it.ID]; ok {
			continue
		}
		seen[it.ID] = struct{}{}
		updated = append(updated, it.ID)
		if len(alerts) < maxAlertDelivery {
			alerts = append(alerts, it)
		}
	}
	return alerts, updated
}

func qualifies(it domain.Vulnerability) bool {
	if it.KnownExploited {
		return true
	}
	return it.EPSSScore != nil && *it.EPSSScore >= alertEPSSThreshold
}
