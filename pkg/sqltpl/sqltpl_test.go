package sqltpl

import (
	"reflect"
	"testing"
)

func render(t *testing.T, tpl string, params map[string]any) (string, []any) {
	t.Helper()
	parsed, err := Parse(tpl)
	if err != nil {
		t.Fatal(err)
	}
	sql, args, err := parsed.Render(params, Question)
	if err != nil {
		t.Fatal(err)
	}
	return sql, args
}

func TestWhereWithAbsentParameter(t *testing.T) {
	tpl := `SELECT * FROM t <where><if test="x != null">AND x=#{x}</if></where>`
	sql, args := render(t, tpl, map[string]any{})
	if sql != "SELECT * FROM t" {
		t.Fatalf("sql=%q", sql)
	}
	if len(args) != 0 {
		t.Fatalf("args=%v want none", args)
	}
}

func TestWhereWithPresentParameter(t *testing.T) {
	tpl := `SELECT * FROM t <where><if test="x != null">AND x=#{x}</if></where>`
	sql, args := render(t, tpl, map[string]any{"x": 5})
	if sql != "SELECT * FROM t WHERE x=?" {
		t.Fatalf("sql=%q", sql)
	}
	if !reflect.DeepEqual(args, []any{5}) {
		t.Fatalf("args=%v want [5]", args)
	}
}

func TestWhereStripsLeadingOr(t *testing.T) {
	tpl := `SELECT * FROM t <where><if test="a != null">OR a=#{a}</if><if test="b != null">AND b=#{b}</if></where>`
	sql, args := render(t, tpl, map[string]any{"a": 1, "b": 2})
	if sql != "SELECT * FROM t WHERE a=? AND b=?" {
		t.Fatalf("sql=%q", sql)
	}
	if len(args) != 2 || args[0] != 1 || args[1] != 2 {
		t.Fatalf("args=%v", args)
	}
}

func TestAdjacentConditionsStaySeparated(t *testing.T) {
	tpl := `SELECT * FROM t <where><if test="a != null">a=#{a}</if><if test="b != null">AND b=#{b}</if><if test="deep">AND c=1</if></where>`
	sql, args := render(t, tpl, map[string]any{"a": 1, "b": 2, "deep": true})
	if sql != "SELECT * FROM t WHERE a=? AND b=? AND c=1" {
		t.Fatalf("sql=%q", sql)
	}
	if len(args) != 2 {
		t.Fatalf("args=%v", args)
	}
}

func TestPlaceholderOrderMatchesArgs(t *testing.T) {
	tpl := `UPDATE t <set><if test="name != null">name=#{name},</if><if test="age != null">age=#{age},</if></set> WHERE id=#{id}`
	sql, args := render(t, tpl, map[string]any{"name": "ann", "age": 30, "id": 7})
	if sql != "UPDATE t SET name=?, age=? WHERE id=?" {
		t.Fatalf("sql=%q", sql)
	}
	if !reflect.DeepEqual(args, []any{"ann", 30, 7}) {
		t.Fatalf("args=%v", args)
	}
}

func TestDollarPlaceholders(t *testing.T) {
	tpl := `SELECT * FROM t WHERE a=#{a} AND b=#{b}`
	parsed, err := Parse(tpl)
	if err != nil {
		t.Fatal(err)
	}
	sql, args, err := parsed.Render(map[string]any{"a": 1, "b": 2}, Dollar)
	if err != nil {
		t.Fatal(err)
	}
	if sql != "SELECT * FROM t WHERE a=$1 AND b=$2" {
		t.Fatalf("sql=%q", sql)
	}
	if len(args) != 2 {
		t.Fatalf("args=%v", args)
	}
}

func TestChoose(t *testing.T) {
	tpl := `SELECT * FROM t <where><choose><when test="state == 'open'">AND state='open'</when><otherwise>AND state='closed'</otherwise></choose></where>`
	sql, _ := render(t, tpl, map[string]any{"state": "open"})
	if sql != "SELECT * FROM t WHERE state='open'" {
		t.Fatalf("sql=%q", sql)
	}
	sql, _ = render(t, tpl, map[string]any{"state": "other"})
	if sql != "SELECT * FROM t WHERE state='closed'" {
		t.Fatalf("sql=%q", sql)
	}
}

func TestForeach(t *testing.T) {
	tpl := `SELECT * FROM t WHERE id IN <foreach collection="ids" item="id" separator="," open="(" close=")">#{id}</foreach>`
	sql, args := render(t, tpl, map[string]any{"ids": []any{1, 2, 3}})
	if sql != "SELECT * FROM t WHERE id IN (?, ?, ?)" {
		t.Fatalf("sql=%q", sql)
	}
	if !reflect.DeepEqual(args, []any{1, 2, 3}) {
		t.Fatalf("args=%v", args)
	}
}

func TestForeachEmptyCollection(t *testing.T) {
	tpl := `SELECT * FROM t <where><foreach collection="ids" item="id" separator="," open="id IN (" close=")">#{id}</foreach></where>`
	sql, args := render(t, tpl, map[string]any{})
	if sql != "SELECT * FROM t" {
		t.Fatalf("sql=%q", sql)
	}
	if len(args) != 0 {
		t.Fatalf("args=%v", args)
	}
}

func TestTrimOverrides(t *testing.T) {
	tpl := `SELECT * FROM t <trim prefix="WHERE" prefixOverrides="AND|OR"><if test="a != null">AND a=#{a}</if></trim>`
	sql, args := render(t, tpl, map[string]any{"a": 9})
	if sql != "SELECT * FROM t WHERE a=?" {
		t.Fatalf("sql=%q", sql)
	}
	if len(args) != 1 || args[0] != 9 {
		t.Fatalf("args=%v", args)
	}
}

func TestNumericComparisons(t *testing.T) {
	cases := []struct {
		test   string
		params map[string]any
		want   bool
	}{
		{"n > 5", map[string]any{"n": 6}, true},
		{"n > 5", map[string]any{"n": 5}, false},
		{"n >= 5", map[string]any{"n": float64(5)}, true},
		{"n < 10", map[string]any{"n": 3}, true},
		{"n == 7", map[string]any{"n": 7}, true},
		{"n != 7", map[string]any{"n": 8}, true},
		{"n > 5", map[string]any{}, false},
		{"n > 5 and n < 10", map[string]any{"n": 7}, true},
		{"n < 5 or n > 10", map[string]any{"n": 12}, true},
		{"n < 5 or n > 10", map[string]any{"n": 7}, false},
		{"s == 'ok'", map[string]any{"s": "ok"}, true},
		{"s != 'ok'", map[string]any{"s": "nope"}, true},
		{"flag == true", map[string]any{"flag": true}, true},
		{"x == null", map[string]any{}, true},
		{"flag", map[string]any{"flag": true}, true},
		{"flag", map[string]any{"flag": false}, false},
		{"name", map[string]any{"name": ""}, false},
		{"name", map[string]any{"name": "x"}, true},
		{"n", map[string]any{"n": 0}, true},
		{"missing", map[string]any{}, false},
		{"flag and n > 5", map[string]any{"flag": true, "n": 6}, true},
	}
	for _, c := range cases {
		got, err := evalTest(c.test, c.params)
		if err != nil {
			t.Errorf("evalTest(%q): %v", c.test, err)
			continue
		}
		if got != c.want {
			t.Errorf("evalTest(%q, %v)=%v want %v", c.test, c.params, got, c.want)
		}
	}
}

func TestEvalRejectsGeneralExpressions(t *testing.T) {
	for _, expr := range []string{"__import__('os')", "a + b == 3", "len(x) > 0"} {
		if ok, err := evalTest(expr, map[string]any{}); err == nil && ok {
			t.Errorf("expression %q unexpectedly evaluated true", expr)
		}
	}
}

func TestParseErrorOnBrokenMarkup(t *testing.T) {
	// Unterminated attribute quote cannot be tokenized even leniently.
	if _, err := Parse(`<if test="x != null>AND x=#{x}</if>`); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestTemplateReuse(t *testing.T) {
	tpl, err := Parse(`SELECT * FROM t <where><if test="x != null">AND x=#{x}</if></where>`)
	if err != nil {
		t.Fatal(err)
	}
	// A parsed template carries no render state between calls.
	if _, args, _ := tpl.Render(map[string]any{"x": 1}, Question); len(args) != 1 {
		t.Fatalf("first render args=%v", args)
	}
	if _, args, _ := tpl.Render(map[string]any{}, Question); len(args) != 0 {
		t.Fatalf("second render args=%v", args)
	}
}
