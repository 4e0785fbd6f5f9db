// internal/tags/evaluator.go
package tags

import (
	"encoding/json"
	"reflect"
	"sort"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

// Input is everything the evaluator looks at for one document.
type Input struct {
	Document     []byte
	Labels       []string
	Components   []string
	WorkItemType string
	Rules        []Rule
	CustomFields []CustomField
}

// Evaluate derives the tag set for a document. Missing paths and unknown
// mapping types never fail; they only mean the rule does not fire. The result
// is sorted and free of duplicates.
func Evaluate(in Input) []string {
	set := make(map[string]struct{})
	add := func(tag string) {
		tag = strings.TrimSpace(tag)
		if tag != "" {
			set[tag] = struct{}{}
		}
	}

	for _, l := range in.Labels {
		add(l)
	}
	if t := strings.TrimSpace(in.WorkItemType); t != "" && !IsCanonicalType(t) {
		add(PrefixCustomType + t)
	}
	for _, c := range in.Components {
		if strings.TrimSpace(c) != "" {
			add(PrefixComponent + c)
		}
	}

	for _, rule := range in.Rules {
		for _, tag := range evaluateRule(in, rule) {
			add(tag)
		}
	}

	out := make([]string, 0, len(set))
	for t := range set {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func evaluateRule(in Input, rule Rule) []string {
	switch rule.normalizedType() {
	case PathSelector:
		if r := selectPath(in.Document, rule.Selector); r.Exists() && r.Type != gjson.Null {
			return ruleTag(rule)
		}
	case PathSelectorTrue:
		if selectPath(in.Document, rule.Selector).Type == gjson.True {
			return ruleTag(rule)
		}
	case PathSelectorFalse:
		if selectPath(in.Document, rule.Selector).Type == gjson.False {
			return ruleTag(rule)
		}
	case PathSelectorValueEquals:
		r := selectPath(in.Document, rule.Selector)
		if r.Exists() && sameValue(r.Value(), rule.Value) {
			return ruleTag(rule)
		}
	case PathSelectorValueIn:
		r := selectPath(in.Document, rule.Selector)
		if !r.Exists() {
			return nil
		}
		got := r.Value()
		for _, v := range rule.Values {
			if sameValue(got, v) {
				return ruleTag(rule)
			}
		}
	case CustomFieldPopulated:
		if r, ok := customFieldValue(in, rule.FieldName); ok && r.Type != gjson.Null {
			if strings.TrimSpace(rule.Name) == "" {
				rule.Name = rule.FieldName
			}
			return ruleTag(rule)
		}
	case CustomFieldValue:
		r, ok := customFieldValue(in, rule.FieldName)
		if !ok || r.Type == gjson.Null {
			return nil
		}
		var tags []string
		for _, v := range resolvedValues(r) {
			tags = append(tags, PrefixCustomTag+v)
		}
		return tags
	}
	return nil
}

func ruleTag(rule Rule) []string {
	if strings.TrimSpace(rule.Name) == "" {
		return nil
	}
	return []string{PrefixCustomTag + rule.Name}
}

func selectPath(doc []byte, selector string) gjson.Result {
	if strings.TrimSpace(selector) == "" || !gjson.ValidBytes(doc) {
		return gjson.Result{}
	}
	return gjson.GetBytes(doc, selector)
}

// customFieldValue looks a named custom field up under "fields.<id>" and then
// at the document root.
func customFieldValue(in Input, name string) (gjson.Result, bool) {
	id, ok := FieldID(in.CustomFields, name)
	if !ok || !gjson.ValidBytes(in.Document) {
		return gjson.Result{}, false
	}
	escaped := gjson.Escape(id)
	if r := gjson.GetBytes(in.Document, "fields."+escaped); r.Exists() {
		return r, true
	}
	if r := gjson.GetBytes(in.Document, escaped); r.Exists() {
		return r, true
	}
	return gjson.Result{}, false
}

// resolvedValues flattens a custom field value into tag suffixes. Objects
// contribute their "value" or "name" key; arrays contribute each element.
func resolvedValues(r gjson.Result) []string {
	switch {
	case r.IsArray():
		var out []string
		for _, el := range r.Array() {
			out = append(out, resolvedValues(el)...)
		}
		return out
	case r.IsObject():
		for _, key := range []string{"value", "name"} {
			if v := r.Get(key); v.Exists() && v.Type != gjson.Null {
				return resolvedValues(v)
			}
		}
		return nil
	case r.Type == gjson.Null:
		return nil
	case r.Type == gjson.Number:
		return []string{strconv.FormatFloat(r.Float(), 'f', -1, 64)}
	default:
		if s := strings.TrimSpace(r.String()); s != "" {
			return []string{s}
		}
		return nil
	}
}

// sameValue compares two JSON-shaped values after normalizing them through
// encoding/json, so 3 and 3.0 and "x" configured in Go or in JSON compare equal.
func sameValue(a, b any) bool {
	return reflect.DeepEqual(normalize(a), normalize(b))
}

func normalize(v any) any {
	raw, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return v
	}
	return out
}
