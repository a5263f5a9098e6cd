package rules

import (
	"strings"

	"github.com/openrelayd/relayd/config"
	"github.com/openrelayd/relayd/ids"
	"github.com/openrelayd/relayd/relay/kv"
)

// MacroExpander expands a just-in-time macro (e.g. "$HOST", "$SERVER") using
// live session state. The session, not the rule engine, knows
// what those values are.
type MacroExpander interface {
	Expand(value string) string
}

// Context bundles everything the rule engine needs to evaluate one
// direction of one session: a kv-tree per key-type plus the session's macro
// expander.
type Context struct {
	Trees  map[config.KeyType]*kv.Tree
	Macros MacroExpander
}

// Result accumulates the side effects of evaluating a rule list: a possible
// early exit (PASS/BLOCK), bytes fed into the session hash, formatted log
// lines, and the table a MATCH rule bound.
type Result struct {
	Terminal   bool
	Blocked    bool
	BoundTable ids.ObjID
	HashBytes  []byte
	LogLines   []string
	Labels     []ids.ObjID
	Tags       []ids.ObjID
}

// Evaluate runs ruleList in order against ctx for the given direction:
// a matching rule with a terminal action (PASS/BLOCK) stops
// evaluation immediately, so later rules never apply even if they'd also
// match.
func Evaluate(ruleList []*config.Rule, dir config.Direction, ctx *Context, reg *Registry) Result {
	var res Result
	for _, rule := range ruleList {
		if rule.Direction != dir {
			continue
		}
		if !matches(rule, ctx) {
			continue
		}

		applyActions(rule, ctx, reg, &res)

		if rule.Action.Terminal() {
			res.Terminal = true
			res.Blocked = rule.Action == config.ActionBlock
			return res
		}
	}
	return res
}

// matches reports whether every populated key-type in rule matches the
// session's corresponding kv-tree; a rule matches iff every populated
// key-type matches. A Patterns entry with an empty Key is
// a carrier for a write target only (its real key/value lives under
// Children, see targetPattern) and is never itself a match condition, since
// requiring the write target to already exist would make APPEND/SET unable
// to create a new key.
func matches(rule *config.Rule, ctx *Context) bool {
	if len(rule.Patterns) == 0 {
		// A rule with no kv patterns at all (e.g. an unconditional LOG or
		// PASS) always matches.
		return true
	}
	for keyType, pattern := range rule.Patterns {
		if pattern.Key == "" {
			continue
		}
		tree := ctx.Trees[keyType]
		if tree == nil {
			return false
		}
		if !matchPattern(pattern, tree, rule.CaseSensitive) {
			return false
		}
	}
	return true
}

// matchPattern looks the pattern's key up in tree: an exact RB-tree-style
// find if it has no glob metacharacters, else a case-fold linear glob scan.
// For a key without glob metachars the two return the same nodes when the
// stored key's case matches; the exact find does not match a key that
// differs only in case.
func matchPattern(pattern *config.KvPattern, tree *kv.Tree, caseSensitive bool) bool {
	var nodeIDs []kv.NodeID
	if pattern.Flags&config.KvGlobbing != 0 {
		nodeIDs = tree.FindGlob(pattern.Key)
	} else {
		nodeIDs = tree.FindExact(pattern.Key)
	}
	if len(nodeIDs) == 0 {
		return false
	}
	if !pattern.HasValue {
		return true
	}
	for _, id := range nodeIDs {
		n := tree.Get(id)
		if n == nil {
			continue
		}
		if valueMatches(pattern, n.Value, caseSensitive) {
			return true
		}
	}
	return false
}

func valueMatches(pattern *config.KvPattern, value string, caseSensitive bool) bool {
	if pattern.Flags&config.KvGlobbing != 0 || strings.ContainsAny(pattern.Value, "*?[") {
		if caseSensitive {
			return kv.GlobMatch(pattern.Value, value)
		}
		return kv.GlobMatchFold(pattern.Value, value)
	}
	if caseSensitive {
		return pattern.Value == value
	}
	return strings.EqualFold(pattern.Value, value)
}

// applyActions mutates ctx's kv-trees and res according to rule.Action.
func applyActions(rule *config.Rule, ctx *Context, reg *Registry, res *Result) {
	p := targetPattern(rule)

	value := ""
	if p != nil {
		value = p.Value
		if p.Flags&config.KvMacro != 0 && ctx.Macros != nil {
			value = ctx.Macros.Expand(p.Value)
		}
	}

	switch rule.Action {
	case config.ActionAppend:
		if p != nil {
			if tree := ctx.Trees[rule.TargetType]; tree != nil {
				tree.Append(p.Key, value)
			}
		}
	case config.ActionSet:
		if p != nil {
			if tree := ctx.Trees[rule.TargetType]; tree != nil {
				tree.Set(p.Key, value)
			}
		}
	case config.ActionRemove:
		if p != nil {
			if tree := ctx.Trees[rule.TargetType]; tree != nil {
				tree.Remove(p.Key)
			}
		}
	case config.ActionHash:
		res.HashBytes = append(res.HashBytes, []byte(value)...)
	case config.ActionLog:
		res.LogLines = append(res.LogLines, formatLogLine(rule, value))
	case config.ActionMatch:
		if rule.TableID != 0 {
			res.BoundTable = rule.TableID
		}
	}

	if rule.Label != "" {
		res.Labels = append(res.Labels, reg.Inherit(rule.Label))
	}
	if rule.Tag != "" {
		res.Tags = append(res.Tags, reg.Inherit(rule.Tag))
	}
}

// targetPattern resolves the write target for an APPEND/SET/REMOVE action:
// rule.Patterns[rule.TargetType]'s first Children entry if it has one (the
// match condition and the write target name different keys), else the
// pattern itself (the condition and the target are the same key, or the
// rule is an unconditional write carrying only a target). Returns nil for
// any rule with nothing populated at TargetType.
func targetPattern(rule *config.Rule) *config.KvPattern {
	p, ok := rule.Patterns[rule.TargetType]
	if !ok || p == nil {
		return nil
	}
	if len(p.Children) > 0 {
		return p.Children[0]
	}
	return p
}

func formatLogLine(rule *config.Rule, value string) string {
	if value == "" {
		return string(rule.Action) + " " + string(rule.Direction)
	}
	return string(rule.Action) + " " + string(rule.Direction) + ": " + value
}
