// Package sqltpl renders MyBatis-style dynamic SQL fragments. A template is
// literal SQL text interleaved with structural tags (<if>, <where>, <set>,
// <choose>/<when>/<otherwise>, <trim>, <foreach>) and #{name} placeholders.
// Rendering produces the final SQL string plus an ordered list of bound
// values, one per surviving placeholder, so values are never spliced into
// the statement text.
package sqltpl

import (
	"encoding/json"
	"encoding/xml"
	"io"
	"regexp"
	"strconv"
	"strings"

	"github.com/openmcp/forge/pkg/errmodel"
)

// Placeholder yields the driver placeholder for the i-th bound value
// (1-based).
type Placeholder func(i int) string

// Question is the placeholder style for sqlite and mysql drivers.
func Question(int) string { return "?" }

// Dollar is the placeholder style for postgres drivers.
func Dollar(i int) string { return "$" + strconv.Itoa(i) }

// Template is a parsed fragment, safe for reuse across renders.
type Template struct {
	root []node
}

type node interface{}

type textNode string

type tagNode struct {
	name     string
	attrs    map[string]string
	children []node
}

// Parse parses a fragment into a tagged node tree. The fragment is wrapped
// in a synthetic root element for parsing, as fragments are not documents.
func Parse(fragment string) (*Template, error) {
	dec := xml.NewDecoder(strings.NewReader("<root>" + fragment + "</root>"))
	dec.Strict = false
	root, err := parseChildren(dec)
	if err != nil {
		return nil, errmodel.Validation("sql template does not parse", map[string]any{"field": "code", "error": err.Error()})
	}
	return &Template{root: root}, nil
}

func parseChildren(dec *xml.Decoder) ([]node, error) {
	var out []node
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case xml.CharData:
			out = append(out, textNode(string(t)))
		case xml.StartElement:
			attrs := make(map[string]string, len(t.Attr))
			for _, a := range t.Attr {
				attrs[a.Name.Local] = a.Value
			}
			children, err := parseChildren(dec)
			if err != nil {
				return nil, err
			}
			out = append(out, tagNode{name: t.Name.Local, attrs: attrs, children: children})
		case xml.EndElement:
			return out, nil
		}
	}
}

// Render evaluates the template against params and returns the cleaned SQL
// with its bound values in placeholder order.
func (t *Template) Render(params map[string]any, ph Placeholder) (string, []any, error) {
	if ph == nil {
		ph = Question
	}
	r := &renderer{params: params, ph: ph}
	sql, err := r.renderNodes(t.root, params)
	if err != nil {
		return "", nil, err
	}
	return cleanSQL(sql), r.args, nil
}

type renderer struct {
	params map[string]any
	ph     Placeholder
	args   []any
}

func (r *renderer) renderNodes(nodes []node, scope map[string]any) (string, error) {
	var b strings.Builder
	for _, n := range nodes {
		s, err := r.renderNode(n, scope)
		if err != nil {
			return "", err
		}
		b.WriteString(s)
	}
	return b.String(), nil
}

func (r *renderer) renderNode(n node, scope map[string]any) (string, error) {
	switch t := n.(type) {
	case textNode:
		return r.substitute(string(t), scope), nil
	case tagNode:
		switch t.name {
		case "if":
			return r.renderIf(t, scope)
		case "where":
			return r.renderWhere(t, scope)
		case "set":
			return r.renderSet(t, scope)
		case "trim":
			return r.renderTrim(t, scope)
		case "choose":
			return r.renderChoose(t, scope)
		case "foreach":
			return r.renderForeach(t, scope)
		default:
			// Unknown structural tags render their children transparently.
			return r.renderNodes(t.children, scope)
		}
	}
	return "", nil
}

var placeholderRe = regexp.MustCompile(`#\{(\w+)\}`)

// substitute replaces each #{name} with a driver placeholder and records the
// bound value. A fragment referencing an absent or nil parameter renders
// empty, matching conditional-fragment semantics.
func (r *renderer) substitute(text string, scope map[string]any) string {
	if !strings.Contains(text, "#{") {
		return text
	}
	for _, m := range placeholderRe.FindAllStringSubmatch(text, -1) {
		if v, ok := scope[m[1]]; !ok || v == nil {
			return ""
		}
	}
	return placeholderRe.ReplaceAllStringFunc(text, func(m string) string {
		key := placeholderRe.FindStringSubmatch(m)[1]
		r.args = append(r.args, scope[key])
		return r.ph(len(r.args))
	})
}

func (r *renderer) renderIf(t tagNode, scope map[string]any) (string, error) {
	test := t.attrs["test"]
	ok, err := evalTest(test, scope)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", nil
	}
	out, err := r.renderNodes(t.children, scope)
	if err != nil {
		return "", err
	}
	return pad(out), nil
}

// pad surrounds a non-empty fragment with single spaces so adjacent sibling
// fragments cannot fuse into one token. cleanSQL collapses the doubles.
func pad(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	return " " + s + " "
}

var leadingAndOr = regexp.MustCompile(`(?i)^\s*(AND|OR)\s+`)

// renderWhere prefixes WHERE only if any child produced non-empty output,
// stripping a leading AND/OR from the rendered children.
func (r *renderer) renderWhere(t tagNode, scope map[string]any) (string, error) {
	inner, err := r.renderNodes(t.children, scope)
	if err != nil {
		return "", err
	}
	sql := strings.TrimSpace(inner)
	if sql == "" {
		return "", nil
	}
	sql = leadingAndOr.ReplaceAllString(sql, "")
	return " WHERE " + sql, nil
}

// renderSet strips leading/trailing commas and prefixes SET when non-empty.
func (r *renderer) renderSet(t tagNode, scope map[string]any) (string, error) {
	inner, err := r.renderNodes(t.children, scope)
	if err != nil {
		return "", err
	}
	sql := strings.TrimSpace(inner)
	sql = strings.Trim(sql, ",")
	sql = strings.TrimSpace(sql)
	if sql == "" {
		return "", nil
	}
	return " SET " + sql, nil
}

func (r *renderer) renderTrim(t tagNode, scope map[string]any) (string, error) {
	inner, err := r.renderNodes(t.children, scope)
	if err != nil {
		return "", err
	}
	sql := strings.TrimSpace(inner)
	if sql == "" {
		return "", nil
	}
	for _, override := range strings.Split(t.attrs["prefixOverrides"], "|") {
		if override == "" {
			continue
		}
		re := regexp.MustCompile(`(?i)^` + regexp.QuoteMeta(override) + `\s+`)
		sql = re.ReplaceAllString(sql, "")
	}
	for _, override := range strings.Split(t.attrs["suffixOverrides"], "|") {
		if override == "" {
			continue
		}
		re := regexp.MustCompile(`(?i)\s*` + regexp.QuoteMeta(override) + `$`)
		sql = re.ReplaceAllString(sql, "")
	}
	if p := t.attrs["prefix"]; p != "" {
		sql = p + " " + sql
	}
	if s := t.attrs["suffix"]; s != "" {
		sql = sql + " " + s
	}
	return " " + sql, nil
}

// renderChoose renders the first <when> whose test holds, or <otherwise>.
func (r *renderer) renderChoose(t tagNode, scope map[string]any) (string, error) {
	var otherwise *tagNode
	for i := range t.children {
		tag, ok := t.children[i].(tagNode)
		if !ok {
			continue
		}
		switch tag.name {
		case "when":
			hold, err := evalTest(tag.attrs["test"], scope)
			if err != nil {
				return "", err
			}
			if hold {
				s, err := r.renderNodes(tag.children, scope)
				if err != nil {
					return "", err
				}
				return pad(s), nil
			}
		case "otherwise":
			otherwise = &tag
		}
	}
	if otherwise != nil {
		s, err := r.renderNodes(otherwise.children, scope)
		if err != nil {
			return "", err
		}
		return pad(s), nil
	}
	return "", nil
}

// renderForeach iterates a named array parameter, rendering its body once
// per item with the loop variable bound, joined by the separator.
func (r *renderer) renderForeach(t tagNode, scope map[string]any) (string, error) {
	collection := t.attrs["collection"]
	item := t.attrs["item"]
	sep := t.attrs["separator"]
	if sep == "" {
		sep = ","
	}
	raw, ok := scope[collection]
	if !ok || raw == nil {
		return "", nil
	}
	items, ok := raw.([]any)
	if !ok {
		return "", errmodel.Validation("foreach collection is not an array", map[string]any{"field": collection})
	}
	if len(items) == 0 {
		return "", nil
	}
	parts := make([]string, 0, len(items))
	for _, v := range items {
		inner := make(map[string]any, len(scope)+1)
		for k, val := range scope {
			inner[k] = val
		}
		inner[item] = v
		s, err := r.renderNodes(t.children, inner)
		if err != nil {
			return "", err
		}
		parts = append(parts, strings.TrimSpace(s))
	}
	return t.attrs["open"] + strings.Join(parts, sep+" ") + t.attrs["close"], nil
}

var (
	spaceRe      = regexp.MustCompile(`\s+`)
	openParenRe  = regexp.MustCompile(`\(\s+`)
	closeParenRe = regexp.MustCompile(`\s+\)`)
)

func cleanSQL(sql string) string {
	sql = spaceRe.ReplaceAllString(sql, " ")
	sql = openParenRe.ReplaceAllString(sql, "(")
	sql = closeParenRe.ReplaceAllString(sql, ")")
	return strings.TrimSpace(sql)
}

// evalTest evaluates a restricted boolean test expression against the
// parameter map. Supported forms: `x != null`, `x == null`, `x == 'lit'`,
// `x != 'lit'`, numeric comparisons (==, !=, <, <=, >, >=), a bare
// identifier (holds when present, non-nil, non-false, non-empty), and `and`/`or`
// conjunctions of those. No general scripting.
func evalTest(expr string, scope map[string]any) (bool, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return false, errmodel.Validation("empty test expression", map[string]any{"field": "test"})
	}
	// Lowest precedence: or.
	if parts := splitTop(expr, " or ", " || "); len(parts) > 1 {
		for _, p := range parts {
			ok, err := evalTest(p, scope)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	}
	if parts := splitTop(expr, " and ", " && "); len(parts) > 1 {
		for _, p := range parts {
			ok, err := evalTest(p, scope)
			if err != nil {
				return false, err
			}
			if !ok {
				return false, nil
			}
		}
		return true, nil
	}
	return evalComparison(expr, scope)
}

// splitTop splits expr on any of the separators. Tests are flat, so no
// paren tracking is required.
func splitTop(expr string, seps ...string) []string {
	parts := []string{expr}
	for _, sep := range seps {
		var next []string
		for _, p := range parts {
			next = append(next, strings.Split(p, sep)...)
		}
		parts = next
	}
	if len(parts) == 1 {
		return parts
	}
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

var comparisonRe = regexp.MustCompile(`^\s*(\w+)\s*(==|!=|<=|>=|<|>)\s*(.+?)\s*$`)

func evalComparison(expr string, scope map[string]any) (bool, error) {
	m := comparisonRe.FindStringSubmatch(expr)
	if m == nil {
		// Bare identifier: truthy when present, non-nil, non-false, non-empty.
		if ident := strings.TrimSpace(expr); isIdent(ident) {
			return truthy(scope[ident]), nil
		}
		return false, errmodel.Validation("unsupported test expression", map[string]any{"field": "test", "value": expr})
	}
	left, op, rhs := scope[m[1]], m[2], m[3]

	// Null comparisons.
	if rhs == "null" {
		switch op {
		case "==":
			return left == nil, nil
		case "!=":
			return left != nil, nil
		default:
			return false, errmodel.Validation("null supports only == and !=", map[string]any{"field": "test", "value": expr})
		}
	}
	// String literal comparisons.
	if lit, ok := unquote(rhs); ok {
		ls, isStr := left.(string)
		switch op {
		case "==":
			return isStr && ls == lit, nil
		case "!=":
			return !isStr || ls != lit, nil
		default:
			return false, errmodel.Validation("string literals support only == and !=", map[string]any{"field": "test", "value": expr})
		}
	}
	// Boolean literals.
	if rhs == "true" || rhs == "false" {
		lb, isBool := left.(bool)
		want := rhs == "true"
		switch op {
		case "==":
			return isBool && lb == want, nil
		case "!=":
			return !isBool || lb != want, nil
		default:
			return false, errmodel.Validation("booleans support only == and !=", map[string]any{"field": "test", "value": expr})
		}
	}
	// Numeric comparisons; the right side may be a number or another
	// parameter name.
	rv, err := numericOperand(rhs, scope)
	if err != nil {
		return false, err
	}
	lv, ok := toFloat(left)
	if !ok {
		return false, nil
	}
	switch op {
	case "==":
		return lv == rv, nil
	case "!=":
		return lv != rv, nil
	case "<":
		return lv < rv, nil
	case "<=":
		return lv <= rv, nil
	case ">":
		return lv > rv, nil
	case ">=":
		return lv >= rv, nil
	}
	return false, errmodel.Validation("unsupported operator", map[string]any{"field": "test", "value": op})
}

func numericOperand(rhs string, scope map[string]any) (float64, error) {
	if f, err := strconv.ParseFloat(rhs, 64); err == nil {
		return f, nil
	}
	if isIdent(rhs) {
		if f, ok := toFloat(scope[rhs]); ok {
			return f, nil
		}
		return 0, errmodel.Validation("comparison operand is not numeric", map[string]any{"field": "test", "value": rhs})
	}
	return 0, errmodel.Validation("unsupported comparison operand", map[string]any{"field": "test", "value": rhs})
}

func unquote(s string) (string, bool) {
	if len(s) >= 2 && (s[0] == '\'' && s[len(s)-1] == '\'' || s[0] == '"' && s[len(s)-1] == '"') {
		return s[1 : len(s)-1], true
	}
	return "", false
}

func isIdent(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
			if i == 0 {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// truthy implements the bare-identifier test: absent or nil values are
// false, booleans are themselves, strings must be non-empty, and any other
// present value holds.
func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	}
	return true
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
