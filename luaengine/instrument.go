package luaengine

import (
	"strconv"
	"strings"

	lua "github.com/yuin/gopher-lua"
	"github.com/yuin/gopher-lua/ast"
	"github.com/yuin/gopher-lua/parse"
)

// hookGlobal is the name of the per-line hook installed in the EVAL state
// while a debugging session is active. The instrumented chunk calls it
// before every executable line.
const hookGlobal = "__ldb_line_hook"

// parseAndCompile compiles source into a function prototype without
// running it.
func parseAndCompile(source, name string) (*lua.FunctionProto, error) {
	chunk, err := parse.Parse(strings.NewReader(source), name)
	if err != nil {
		return nil, err
	}
	return lua.Compile(chunk, name)
}

// instrument compiles source with a hook call injected before each
// executable line, recursing into every nested block and function literal.
// gopher-lua has no interpreter-level line hooks, so the line-stepping
// contract is met at the AST level instead.
func instrument(source, name string) (*lua.FunctionProto, error) {
	chunk, err := parse.Parse(strings.NewReader(source), name)
	if err != nil {
		return nil, err
	}
	chunk = instrumentBlock(chunk)
	return lua.Compile(chunk, name)
}

// instrumentBlock rewrites one statement list. Consecutive statements on
// the same source line share a single hook call, matching per-line hook
// granularity.
func instrumentBlock(stmts []ast.Stmt) []ast.Stmt {
	out := make([]ast.Stmt, 0, len(stmts)*2)
	lastLine := -1
	for _, st := range stmts {
		line := st.Line()
		if line > 0 && line != lastLine {
			out = append(out, hookStmt(line))
			lastLine = line
		}
		instrumentStmt(st)
		out = append(out, st)
	}
	return out
}

func hookStmt(line int) ast.Stmt {
	arg := &ast.NumberExpr{Value: strconv.Itoa(line)}
	arg.SetLine(line)
	ident := &ast.IdentExpr{Value: hookGlobal}
	ident.SetLine(line)
	call := &ast.FuncCallExpr{Func: ident, Args: []ast.Expr{arg}}
	call.SetLine(line)
	st := &ast.FuncCallStmt{Expr: call}
	st.SetLine(line)
	return st
}

// instrumentStmt recurses into the blocks and expressions of a statement.
func instrumentStmt(st ast.Stmt) {
	switch s := st.(type) {
	case *ast.AssignStmt:
		instrumentExprs(s.Lhs)
		instrumentExprs(s.Rhs)
	case *ast.LocalAssignStmt:
		instrumentExprs(s.Exprs)
	case *ast.FuncCallStmt:
		instrumentExpr(s.Expr)
	case *ast.DoBlockStmt:
		s.Stmts = instrumentBlock(s.Stmts)
	case *ast.WhileStmt:
		instrumentExpr(s.Condition)
		s.Stmts = instrumentBlock(s.Stmts)
	case *ast.RepeatStmt:
		instrumentExpr(s.Condition)
		s.Stmts = instrumentBlock(s.Stmts)
	case *ast.IfStmt:
		instrumentExpr(s.Condition)
		s.Then = instrumentBlock(s.Then)
		s.Else = instrumentBlock(s.Else)
	case *ast.NumberForStmt:
		instrumentExpr(s.Init)
		instrumentExpr(s.Limit)
		instrumentExpr(s.Step)
		s.Stmts = instrumentBlock(s.Stmts)
	case *ast.GenericForStmt:
		instrumentExprs(s.Exprs)
		s.Stmts = instrumentBlock(s.Stmts)
	case *ast.FuncDefStmt:
		instrumentExpr(s.Func)
	case *ast.ReturnStmt:
		instrumentExprs(s.Exprs)
	}
}

func instrumentExprs(exprs []ast.Expr) {
	for _, ex := range exprs {
		instrumentExpr(ex)
	}
}

// instrumentExpr recurses into expressions looking for function literals,
// whose bodies also need per-line hooks.
func instrumentExpr(ex ast.Expr) {
	switch e := ex.(type) {
	case *ast.FunctionExpr:
		e.Stmts = instrumentBlock(e.Stmts)
	case *ast.FuncCallExpr:
		if e.Func != nil {
			instrumentExpr(e.Func)
		}
		if e.Receiver != nil {
			instrumentExpr(e.Receiver)
		}
		instrumentExprs(e.Args)
	case *ast.AttrGetExpr:
		instrumentExpr(e.Object)
		instrumentExpr(e.Key)
	case *ast.TableExpr:
		for _, f := range e.Fields {
			if f.Key != nil {
				instrumentExpr(f.Key)
			}
			instrumentExpr(f.Value)
		}
	case *ast.LogicalOpExpr:
		instrumentExpr(e.Lhs)
		instrumentExpr(e.Rhs)
	case *ast.RelationalOpExpr:
		instrumentExpr(e.Lhs)
		instrumentExpr(e.Rhs)
	case *ast.StringConcatOpExpr:
		instrumentExpr(e.Lhs)
		instrumentExpr(e.Rhs)
	case *ast.ArithmeticOpExpr:
		instrumentExpr(e.Lhs)
		instrumentExpr(e.Rhs)
	case *ast.UnaryMinusOpExpr:
		instrumentExpr(e.Expr)
	case *ast.UnaryNotOpExpr:
		instrumentExpr(e.Expr)
	case *ast.UnaryLenOpExpr:
		instrumentExpr(e.Expr)
	}
}
