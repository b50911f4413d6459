package security

import "time"

// Health grades recent incident volume.
type Health string

const (
	HealthExcellent Health = "excellent"
	HealthGood      Health = "good"
	HealthFair      Health = "fair"
	HealthPoor      Health = "poor"
)

// Report summarizes the incident ring.
type Report struct {
	GeneratedAt    time.Time  `json:"generatedAt"`
	TotalIncidents int        `json:"totalIncidents"`
	Last24h        int        `json:"last24h"`
	Recent         []Incident `json:"recent"`
	Health         Health     `json:"health"`
	NetworkBlocked bool       `json:"networkBlocked"`
	FormsBlocked   bool       `json:"formsBlocked"`
	PolicyModules  []string   `json:"policyModules"`
}

// AssessHealth grades the number of incidents in the last 24 hours.
func AssessHealth(last24h int) Health {
	switch {
	case last24h > 5:
		return HealthPoor
	case last24h > 2:
		return HealthFair
	case last24h > 0:
		return HealthGood
	default:
		return HealthExcellent
	}
}

// Report builds a snapshot of recent incidents and the gate state.
func (r *Responder) Report() (Report, error) {
	now := r.now().UTC()
	all, err := r.ring.All()
	if err != nil {
		return Report{}, err
	}

	dayAgo := now.Add(-24 * time.Hour)
	last24h := 0
	for _, inc := range all {
		if inc.Timestamp.After(dayAgo) {
			last24h++
		}
	}

	recent, err := r.ring.Recent(5)
	if err != nil {
		return Report{}, err
	}

	return Report{
		GeneratedAt:    now,
		TotalIncidents: len(all),
		Last24h:        last24h,
		Recent:         recent,
		Health:         AssessHealth(last24h),
		NetworkBlocked: r.gate.NetworkSuspended(),
		FormsBlocked:   r.gate.FormsSuspended(),
		PolicyModules:  r.policy.Modules(),
	}, nil
}
