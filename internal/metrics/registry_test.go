package metrics

import (
	"sync"
	"testing"
)

func TestDefaultRegistry_Singleton(t *testing.T) {
	registry1 := DefaultRegistry()
	registry2 := DefaultRegistry()

	if registry1 != registry2 {
		t.Error("DefaultRegistry() should return singleton instance")
	}
}

func TestDefaultRegistry_ConcurrentAccess(t *testing.T) {
	var wg sync.WaitGroup
	registries := make([]*Registry, 100)

	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(index int) {
			defer wg.Done()
			registries[index] = DefaultRegistry()
		}(i)
	}
	wg.Wait()

	first := registries[0]
	for i := 1; i < len(registries); i++ {
		if registries[i] != first {
			t.Errorf("registry at index %d is not the same instance", i)
		}
	}
}

func TestNewRegistry(t *testing.T) {
	tests := []struct {
		name      string
		namespace string
		expected  string
	}{
		{name: "custom namespace", namespace: "test_service", expected: "test_service"},
		{name: "empty namespace defaults", namespace: "", expected: "coordcore"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			registry := NewRegistry(tt.namespace)
			if registry.Namespace() != tt.expected {
				t.Errorf("Namespace() = %q, want %q", registry.Namespace(), tt.expected)
			}
		})
	}
}

func TestRegistry_Session(t *testing.T) {
	registry := NewRegistry("test_reg_session")

	session1 := registry.Session()
	if session1 == nil {
		t.Fatal("Session() returned nil")
	}
	session2 := registry.Session()
	if session1 != session2 {
		t.Error("Session() should return same instance on subsequent calls")
	}

	if session1.SessionsCreatedTotal == nil {
		t.Error("SessionsCreatedTotal not initialized")
	}
	if session1.ActiveSessions == nil {
		t.Error("ActiveSessions not initialized")
	}
	if session1.SequenceRecoveriesTotal == nil {
		t.Error("SequenceRecoveriesTotal not initialized")
	}
}

func TestRegistry_Agent(t *testing.T) {
	registry := NewRegistry("test_reg_agent")

	agent1 := registry.Agent()
	if agent1 == nil {
		t.Fatal("Agent() returned nil")
	}
	agent2 := registry.Agent()
	if agent1 != agent2 {
		t.Error("Agent() should return same instance on subsequent calls")
	}

	if agent1.TasksSubmittedTotal == nil {
		t.Error("TasksSubmittedTotal not initialized")
	}
	if agent1.DeadAgentsDetectedTotal == nil {
		t.Error("DeadAgentsDetectedTotal not initialized")
	}
}

func TestRegistry_Rollback(t *testing.T) {
	registry := NewRegistry("test_reg_rollback")

	rb1 := registry.Rollback()
	if rb1 == nil {
		t.Fatal("Rollback() returned nil")
	}
	rb2 := registry.Rollback()
	if rb1 != rb2 {
		t.Error("Rollback() should return same instance on subsequent calls")
	}

	if rb1.DiffEntriesTotal == nil {
		t.Error("DiffEntriesTotal not initialized")
	}
	if rb1.SnapshotStoreBytes == nil {
		t.Error("SnapshotStoreBytes not initialized")
	}
}

func TestRegistry_KV(t *testing.T) {
	registry := NewRegistry("test_reg_kv")

	kv1 := registry.KV()
	if kv1 == nil {
		t.Fatal("KV() returned nil")
	}
	kv2 := registry.KV()
	if kv1 != kv2 {
		t.Error("KV() should return same instance on subsequent calls")
	}

	if kv1.CommandDuration == nil {
		t.Error("CommandDuration not initialized")
	}
	if kv1.CircuitBreakerState == nil {
		t.Error("CircuitBreakerState not initialized")
	}
}

func TestRegistry_IndependentNamespaces(t *testing.T) {
	a := NewRegistry("ns_a_registry")
	b := NewRegistry("ns_b_registry")

	if a.Session() == b.Session() {
		t.Error("registries with different namespaces should not share metric instances")
	}
}
