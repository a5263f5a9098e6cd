package rules

import (
	"testing"

	"github.com/openrelayd/relayd/config"
	"github.com/openrelayd/relayd/relay/kv"
)

type staticMacros map[string]string

func (m staticMacros) Expand(value string) string {
	if v, ok := m[value]; ok {
		return v
	}
	return value
}

func newCtx(headers map[string]string, macros staticMacros) *Context {
	tree := kv.NewTree()
	for k, v := range headers {
		tree.Insert(k, v)
	}
	return &Context{
		Trees:  map[config.KeyType]*kv.Tree{config.KeyHeader: tree},
		Macros: macros,
	}
}

// TestOrderSensitiveTermination: given rules
// [R1, R2] where both match, only R1's side effects apply if it's terminal.
func TestOrderSensitiveTermination(t *testing.T) {
	r1 := &config.Rule{
		Direction: config.DirRequest,
		Action:    config.ActionBlock,
		Patterns: map[config.KeyType]*config.KvPattern{
			config.KeyHeader: config.NewKvPattern("Host", "*.example.com", true),
		},
	}
	r2 := &config.Rule{
		Direction: config.DirRequest,
		Action:    config.ActionSet,
		Patterns: map[config.KeyType]*config.KvPattern{
			config.KeyHeader: config.NewKvPattern("Host", "*.example.com", true),
		},
	}

	ctx := newCtx(map[string]string{"Host": "api.example.com"}, nil)
	reg := NewRegistry()
	res := Evaluate([]*config.Rule{r1, r2}, config.DirRequest, ctx, reg)

	if !res.Terminal || !res.Blocked {
		t.Fatalf("expected terminal BLOCK from R1, got %+v", res)
	}
	// R2's SET must never have run: the Host header is untouched.
	if v := ctx.Trees[config.KeyHeader].Get(ctx.Trees[config.KeyHeader].FindExact("Host")[0]).Value; v != "api.example.com" {
		t.Fatalf("R2 should not have applied; Host = %q", v)
	}
}

func TestHeaderRewriteMacro(t *testing.T) {
	// A rule matches on "Host" and, in the same step,
	// writes a different header ("X-Original-Host") that doesn't exist in
	// the tree yet. The write target hangs off the match condition as a
	// Children entry, so its absence from the tree never blocks the match.
	condition := config.NewKvPattern("Host", "*.example.com", true)
	condition.Children = []*config.KvPattern{
		config.NewKvPattern("X-Original-Host", "$HEADER", true),
	}
	rule := &config.Rule{
		Direction:  config.DirRequest,
		Action:     config.ActionSet,
		TargetType: config.KeyHeader,
		Patterns: map[config.KeyType]*config.KvPattern{
			config.KeyHeader: condition,
		},
	}

	ctx := newCtx(map[string]string{"Host": "api.example.com"}, staticMacros{"$HEADER": "api.example.com"})
	reg := NewRegistry()
	Evaluate([]*config.Rule{rule}, config.DirRequest, ctx, reg)

	ids := ctx.Trees[config.KeyHeader].FindExact("X-Original-Host")
	if len(ids) != 1 {
		t.Fatalf("expected X-Original-Host to be set, got %d nodes", len(ids))
	}
	if got := ctx.Trees[config.KeyHeader].Get(ids[0]).Value; got != "api.example.com" {
		t.Fatalf("X-Original-Host = %q, want api.example.com", got)
	}
}

// TestUnconditionalSetCreatesNewKey covers the other half of the rewrite
// contract: a write action with no separate match condition at all must
// still be able to create a key that isn't present yet.
func TestUnconditionalSetCreatesNewKey(t *testing.T) {
	rule := &config.Rule{
		Direction:  config.DirRequest,
		Action:     config.ActionSet,
		TargetType: config.KeyHeader,
		Patterns: map[config.KeyType]*config.KvPattern{
			config.KeyHeader: {Children: []*config.KvPattern{
				config.NewKvPattern("X-Injected", "value", true),
			}},
		},
	}

	ctx := newCtx(nil, nil)
	reg := NewRegistry()
	Evaluate([]*config.Rule{rule}, config.DirRequest, ctx, reg)

	ids := ctx.Trees[config.KeyHeader].FindExact("X-Injected")
	if len(ids) != 1 {
		t.Fatalf("expected X-Injected to be created, got %d nodes", len(ids))
	}
	if got := ctx.Trees[config.KeyHeader].Get(ids[0]).Value; got != "value" {
		t.Fatalf("X-Injected = %q, want value", got)
	}
}

// TestMultiKeyTypeRuleTargetsExplicitType: a rule can legally populate more
// than one key-type, and the write action must hit exactly
// rule.TargetType, never whichever key-type a map happens to iterate first.
func TestMultiKeyTypeRuleTargetsExplicitType(t *testing.T) {
	headerCondition := config.NewKvPattern("Host", "*.example.com", true)
	headerCondition.Children = []*config.KvPattern{
		config.NewKvPattern("X-Rewritten", "yes", true),
	}
	rule := &config.Rule{
		Direction:  config.DirRequest,
		Action:     config.ActionSet,
		TargetType: config.KeyHeader,
		Patterns: map[config.KeyType]*config.KvPattern{
			config.KeyCookie: config.NewKvPattern("session", "abc", true),
			config.KeyHeader: headerCondition,
		},
	}

	ctx := newCtx(map[string]string{"Host": "api.example.com"}, nil)
	ctx.Trees[config.KeyCookie] = kv.NewTree()
	ctx.Trees[config.KeyCookie].Insert("session", "abc")

	reg := NewRegistry()
	Evaluate([]*config.Rule{rule}, config.DirRequest, ctx, reg)

	if ids := ctx.Trees[config.KeyHeader].FindExact("X-Rewritten"); len(ids) != 1 {
		t.Fatalf("expected X-Rewritten header, got %d nodes", len(ids))
	}
	if ids := ctx.Trees[config.KeyCookie].FindExact("session"); len(ids) != 1 {
		t.Fatalf("cookie tree should be untouched, got %d nodes", len(ids))
	}
}

// TestLabelTagRefCount checks the rule_inherit/rule_free ref accounting.
func TestLabelTagRefCount(t *testing.T) {
	reg := NewRegistry()
	id1 := reg.Inherit("blocked-by-waf")
	id2 := reg.Inherit("blocked-by-waf")
	if id1 != id2 {
		t.Fatalf("same name should intern to the same id")
	}
	if got := reg.RefCount(id1); got != 2 {
		t.Fatalf("refcount = %d, want 2", got)
	}

	reg.Free(id1)
	if got := reg.RefCount(id1); got != 1 {
		t.Fatalf("refcount after one free = %d, want 1", got)
	}

	reg.Free(id2)
	if got := reg.RefCount(id1); got != 0 {
		t.Fatalf("refcount after both freed = %d, want 0", got)
	}
	if reg.Name(id1) != "" {
		t.Fatalf("name should be reclaimed once refcount hits 0")
	}
}

func TestUnconditionalRuleAlwaysMatches(t *testing.T) {
	rule := &config.Rule{Direction: config.DirRequest, Action: config.ActionLog}
	ctx := newCtx(nil, nil)
	reg := NewRegistry()
	res := Evaluate([]*config.Rule{rule}, config.DirRequest, ctx, reg)
	if len(res.LogLines) != 1 {
		t.Fatalf("expected one log line from unconditional LOG rule")
	}
}
