package ratelimit

import "time"

// EndpointConfig overrides the default budget for one route.
type EndpointConfig struct {
	Path   string        // exact path, or a prefix when it ends in "/"
	Method string        // HTTP method
	Limit  int           // requests per Window
	Window time.Duration // refill period
	Burst  int           // bucket size; Limit when 0
}

// Settings is the deployment-facing part of Config.
type Settings struct {
	Enabled       bool
	DefaultLimit  int
	DefaultWindow time.Duration
	Whitelist     []string
	Blacklist     []string
}

// NewConfig builds a limiter configuration from settings and the built-in
// per-route budgets.
func NewConfig(s Settings) *Config {
	if !s.Enabled {
		return &Config{Enabled: false}
	}
	return &Config{
		Enabled:         true,
		DefaultLimit:    s.DefaultLimit,
		DefaultWindow:   s.DefaultWindow,
		CleanupInterval: 5 * time.Minute,
		Whitelist:       ipSet(s.Whitelist),
		Blacklist:       ipSet(s.Blacklist),
		EndpointConfigs: DefaultEndpointConfigs(),
	}
}

// DefaultEndpointConfigs returns the per-route budgets. Full runs and
// scheduler triggers fan out to feeds and the model, so they get an hourly
// budget; single steps share a per-minute one. Health is never limited.
func DefaultEndpointConfigs() []EndpointConfig {
	expensive := func(path, method string) EndpointConfig {
		return EndpointConfig{Path: path, Method: method, Limit: 60, Window: time.Hour, Burst: 5}
	}
	return []EndpointConfig{
		expensive("/v1/pipeline/run", "POST"),
		expensive("/v1/scheduler/tick", "POST"),
		expensive("/v1/scheduler/tick", "GET"),
		{Path: "/v1/pipeline/", Method: "POST", Limit: 300, Window: time.Minute, Burst: 30},
	}
}

func ipSet(ips []string) map[string]bool {
	set := make(map[string]bool, len(ips))
	for _, ip := range ips {
		set[ip] = true
	}
	return set
}
