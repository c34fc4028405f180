package config

import "time"

// DefaultConfig returns the default configuration: a local API and the
// session bootstrap plan of the operations dashboard.
func DefaultConfig() *Config {
	return &Config{
		API: APIConfig{
			BaseURL:        "http://localhost:8080/api",
			RequestTimeout: Duration(10 * time.Second),
		},
		Concurrency:      4,
		BootstrapTimeout: Duration(30 * time.Second),
		Retry:            DefaultRetryConfig(),
		Breaker: BreakerConfig{
			ConsecutiveFailures: 5,
			OpenTimeout:         Duration(30 * time.Second),
			HalfOpenRequests:    3,
		},
		Tasks: DefaultTasks(),
	}
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		InitialInterval:     Duration(100 * time.Millisecond),
		MaxInterval:         Duration(2 * time.Second),
		MaxElapsedTime:      Duration(15 * time.Second),
		Multiplier:          2.0,
		RandomizationFactor: 0.5,
	}
}

// DefaultTasks returns the built-in bootstrap plan. Higher priority loads
// first when more tasks are eligible than the budget allows.
func DefaultTasks() []TaskConfig {
	return []TaskConfig{
		{ID: "permissions", Label: "Permissions", Priority: 100, Endpoint: "/permissions"},
		{ID: "users", Label: "Users", Priority: 90, Endpoint: "/users"},
		{ID: "employees", Label: "Employees", Priority: 80, Endpoint: "/employees"},
		{ID: "teams", Label: "Teams", Priority: 70, DependsOn: []string{"users", "employees"}, Endpoint: "/teams"},
		{ID: "projects", Label: "Projects", Priority: 80, Endpoint: "/projects"},
		{ID: "sites", Label: "Sites", Priority: 60, DependsOn: []string{"projects"}, Endpoint: "/sites"},
		{ID: "work-stages", Label: "Work stages", Priority: 50, DependsOn: []string{"projects", "sites"}, Endpoint: "/work-stages"},
		{ID: "daily-reports", Label: "Daily reports", Priority: 40, DependsOn: []string{"projects", "teams"}, Endpoint: "/daily-reports"},
		{ID: "time-records", Label: "Time records", Priority: 30, DependsOn: []string{"employees"}, Endpoint: "/time-records"},
		{ID: "documents", Label: "Documents", Priority: 20, DependsOn: []string{"projects"}, Endpoint: "/documents"},
		{ID: "equipment", Label: "Equipment", Priority: 10, Endpoint: "/equipment"},
		{ID: "notifications", Label: "Notifications", DependsOn: []string{"users"}, Endpoint: "/notifications"},
	}
}
