package billing

import (
	"math"
	"slices"

	"github.com/d9705996/logexpert/internal/config"
)

// Unlimited marks a limit with no cap.
const Unlimited = -1

// PlanFree is the plan for unknown or missing price ids.
const PlanFree = "free"

// Feature names a metered plan limit.
type Feature string

const (
	FeatureLogsPerMonth  Feature = "logs_per_month"
	FeatureRetentionDays Feature = "retention_days"
	FeatureMonitors      Feature = "monitors"
	FeatureIncidents     Feature = "incidents"
	FeatureUsers         Feature = "users"
)

// Limits caps usage per feature. Unlimited (-1) means no cap.
type Limits struct {
	LogsPerMonth  int `json:"logs_per_month"`
	RetentionDays int `json:"retention_days"`
	Monitors      int `json:"monitors"`
	Incidents     int `json:"incidents"`
	Users         int `json:"users"`
}

// Plan is one entry in the plan table.
type Plan struct {
	ID         string   `json:"id"`
	Name       string   `json:"name"`
	PriceUSD   int      `json:"price_usd"`
	PriceID    string   `json:"price_id,omitempty"`
	Highlights []string `json:"highlights"`
	Limits     Limits   `json:"limits"`
}

// Limit returns the cap for f, or 0 for an unknown feature.
func (p Plan) Limit(f Feature) int {
	switch f {
	case FeatureLogsPerMonth:
		return p.Limits.LogsPerMonth
	case FeatureRetentionDays:
		return p.Limits.RetentionDays
	case FeatureMonitors:
		return p.Limits.Monitors
	case FeatureIncidents:
		return p.Limits.Incidents
	case FeatureUsers:
		return p.Limits.Users
	}
	return 0
}

// Allows reports whether usage is still below the cap for f.
func (p Plan) Allows(f Feature, usage int) bool {
	limit := p.Limit(f)
	if limit == Unlimited {
		return true
	}
	return usage < limit
}

// UsagePercent returns usage as a percentage of the cap, clamped to 100.
// Unlimited features always report 0.
func (p Plan) UsagePercent(f Feature, usage int) float64 {
	limit := p.Limit(f)
	switch {
	case limit == Unlimited:
		return 0
	case limit <= 0:
		return 100
	}
	return math.Min(float64(usage)/float64(limit)*100, 100)
}

// Catalog is the static plan table, with price ids taken from configuration.
type Catalog struct {
	plans   []Plan
	byPrice map[string]string
}

// NewCatalog builds the plan table.
func NewCatalog(cfg config.BillingConfig) *Catalog {
	plans := []Plan{
		{
			ID: PlanFree, Name: "Free", PriceUSD: 0,
			Highlights: []string{"1,000 logs per month", "7 days retention", "1 monitor", "Basic support"},
			Limits:     Limits{LogsPerMonth: 1000, RetentionDays: 7, Monitors: 1, Incidents: 10, Users: 1},
		},
		{
			ID: "starter", Name: "Starter", PriceUSD: 29, PriceID: cfg.PriceStarter,
			Highlights: []string{"100,000 logs per month", "30 days retention", "10 monitors", "Email support", "Incident management"},
			Limits:     Limits{LogsPerMonth: 100000, RetentionDays: 30, Monitors: 10, Incidents: 100, Users: 5},
		},
		{
			ID: "pro", Name: "Pro", PriceUSD: 99, PriceID: cfg.PricePro,
			Highlights: []string{"1,000,000 logs per month", "90 days retention", "Unlimited monitors", "Priority support", "Advanced analytics", "API access"},
			Limits:     Limits{LogsPerMonth: 1000000, RetentionDays: 90, Monitors: Unlimited, Incidents: Unlimited, Users: 20},
		},
		{
			ID: "enterprise", Name: "Enterprise", PriceUSD: 299, PriceID: cfg.PriceEnterprise,
			Highlights: []string{"Unlimited logs", "1 year retention", "Unlimited monitors", "24/7 support", "Custom integrations", "SSO", "Dedicated support"},
			Limits:     Limits{LogsPerMonth: Unlimited, RetentionDays: 365, Monitors: Unlimited, Incidents: Unlimited, Users: Unlimited},
		},
	}
	c := &Catalog{plans: plans, byPrice: make(map[string]string)}
	for _, p := range plans {
		if p.PriceID != "" {
			c.byPrice[p.PriceID] = p.ID
		}
	}
	return c
}

// Plans returns the table in ascending price order.
func (c *Catalog) Plans() []Plan { return slices.Clone(c.plans) }

// Plan looks up a plan by id.
func (c *Catalog) Plan(id string) (Plan, bool) {
	for _, p := range c.plans {
		if p.ID == id {
			return p, true
		}
	}
	return Plan{}, false
}

// PlanIDForPrice maps a provider price id to a plan id. Unknown and empty
// price ids map to the free plan.
func (c *Catalog) PlanIDForPrice(priceID string) string {
	if id, ok := c.byPrice[priceID]; ok {
		return id
	}
	return PlanFree
}
