// Package metrics provides centralized metrics management for the
// coordination core, following the teacher's category-registry
// taxonomy (business/technical/infra becomes session/agent/rollback/
// kv here).
//
// All metrics follow the naming convention:
// coordcore_<category>_<subsystem>_<metric_name>_<unit>
//
// Example:
//
//	registry := metrics.DefaultRegistry()
//	registry.Session().SessionsCreatedTotal.WithLabelValues("agent-a").Inc()
package metrics

import "sync"

// Registry is the central registry for all Prometheus metrics, with
// categories lazy-initialized on first access.
type Registry struct {
	namespace string

	session  *SessionMetrics
	agent    *AgentMetrics
	rollback *RollbackMetrics
	kv       *KVMetrics

	sessionOnce  sync.Once
	agentOnce    sync.Once
	rollbackOnce sync.Once
	kvOnce       sync.Once
}

var (
	defaultRegistry     *Registry
	defaultRegistryOnce sync.Once
)

// DefaultRegistry returns the global singleton Registry, initialized
// once on first call.
func DefaultRegistry() *Registry {
	defaultRegistryOnce.Do(func() {
		defaultRegistry = NewRegistry("coordcore")
	})
	return defaultRegistry
}

// NewRegistry creates a Registry under the given Prometheus namespace.
// Prefer DefaultRegistry() outside of tests.
func NewRegistry(namespace string) *Registry {
	if namespace == "" {
		namespace = "coordcore"
	}
	return &Registry{namespace: namespace}
}

// Session returns the session-lifecycle metrics, lazy-initialized.
func (r *Registry) Session() *SessionMetrics {
	r.sessionOnce.Do(func() {
		r.session = newSessionMetrics(r.namespace)
	})
	return r.session
}

// Agent returns the agent-coordination metrics, lazy-initialized.
func (r *Registry) Agent() *AgentMetrics {
	r.agentOnce.Do(func() {
		r.agent = newAgentMetrics(r.namespace)
	})
	return r.agent
}

// Rollback returns the rollback-engine metrics, lazy-initialized.
func (r *Registry) Rollback() *RollbackMetrics {
	r.rollbackOnce.Do(func() {
		r.rollback = newRollbackMetrics(r.namespace)
	})
	return r.rollback
}

// KV returns the Redis-facade metrics, lazy-initialized.
func (r *Registry) KV() *KVMetrics {
	r.kvOnce.Do(func() {
		r.kv = newKVMetrics(r.namespace)
	})
	return r.kv
}

// Namespace returns the configured Prometheus namespace.
func (r *Registry) Namespace() string {
	return r.namespace
}
