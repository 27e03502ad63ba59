package stage

import "context"

// Health summarizes the readiness of a stage executor.
type Health struct {
	Name   string `json:"name"`
	Ready  bool   `json:"ready"`
	Detail string `json:"detail,omitempty"`
}

// HealthChecker is implemented by executors that can report readiness.
type HealthChecker interface {
	HealthCheck(ctx context.Context) Health
}

// Healthy constructs a ready Health record.
func Healthy(name string) Health {
	return Health{Name: name, Ready: true}
}

// Unhealthy constructs an unhealthy Health record with context detail.
func Unhealthy(name, detail string) Health {
	return Health{Name: name, Ready: false, Detail: detail}
}

// Check reports exec's health, walking decorators until one implements
// HealthChecker. Executors without a check are reported ready.
func Check(ctx context.Context, name string, exec Executor) Health {
	for exec != nil {
		if checker, ok := exec.(HealthChecker); ok {
			health := checker.HealthCheck(ctx)
			health.Name = name
			return health
		}
		unwrapper, ok := exec.(Unwrapper)
		if !ok {
			break
		}
		exec = unwrapper.Unwrap()
	}
	if exec == nil {
		return Unhealthy(name, "no executor registered")
	}
	return Healthy(name)
}
