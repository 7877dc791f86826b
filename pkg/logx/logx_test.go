package logx

import (
	"context"
	"testing"
)

func TestDomainFiltering(t *testing.T) {
	SetDebug(true, []string{"router", "executor"})
	defer SetDebug(false, nil)

	if !IsDebugEnabledForDomain("router") {
		t.Error("router domain should be enabled")
	}
	if !IsDebugEnabledForDomain("executor") {
		t.Error("executor domain should be enabled")
	}
	if IsDebugEnabledForDomain("validator") {
		t.Error("validator domain should not be enabled")
	}
}

func TestAllDomainsWhenUnfiltered(t *testing.T) {
	SetDebug(true, nil)
	defer SetDebug(false, nil)

	if !IsDebugEnabledForDomain("anything") {
		t.Error("all domains should be enabled when no filter is set")
	}
}

func TestDisabledDebugBlocksAllDomains(t *testing.T) {
	SetDebug(false, nil)

	if IsDebugEnabledForDomain("router") {
		t.Error("no domain should be enabled when debug is off")
	}
	if IsDebugEnabled() {
		t.Error("debug should be off")
	}
}

func TestWithComponentContext(t *testing.T) {
	ctx := WithComponent(context.Background(), "group-42")
	if id, ok := ctx.Value(componentKey{}).(string); !ok || id != "group-42" {
		t.Errorf("expected component group-42, got %q", id)
	}
}
