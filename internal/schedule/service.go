package schedule

import "strings"

// Service identifies the upstream data source a schedule syncs.
type Service string

const (
	ServiceGA4     Service = "ga4"
	ServiceMeta    Service = "meta"
	ServiceShopify Service = "shopify"
)

// Services lists every known service in deterministic (name) order.
var Services = []Service{ServiceGA4, ServiceMeta, ServiceShopify}

func (s Service) String() string { return string(s) }

// Valid reports whether s is one of the known services.
func (s Service) Valid() bool {
	switch s {
	case ServiceGA4, ServiceMeta, ServiceShopify:
		return true
	default:
		return false
	}
}

// ParseService normalizes raw and rejects unknown services.
func ParseService(raw string) (Service, error) {
	s := Service(strings.ToLower(strings.TrimSpace(raw)))
	if !s.Valid() {
		return "", &ValidationError{Field: "service", Value: raw, Reason: "must be one of ga4, meta, shopify"}
	}
	return s, nil
}

// DefaultCron is the cron used for rows auto-created for a tenant.
// Services are spread an hour apart so a fresh tenant never bursts all three.
func DefaultCron(s Service) string {
	switch s {
	case ServiceMeta:
		return "0 2 * * *"
	case ServiceGA4:
		return "0 3 * * *"
	case ServiceShopify:
		return "0 4 * * *"
	default:
		return "0 2 * * *"
	}
}
