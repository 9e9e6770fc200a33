package formula

import (
	"github.com/alecthomas/participle/v2"
	"github.com/alecthomas/participle/v2/lexer"
)

// The grammar, lowest precedence first:
//
//	or  →  and  →  not  →  comparison  →  + -  →  * / %  →  unary -  →  ^  →  primary
//
//nolint:govet // participle grammar tags are not standard struct tags
type orExpr struct {
	Pos   lexer.Position
	Left  *andExpr   `@@`
	Right []*andExpr `( ( "or" | "||" ) @@ )*`
}

//nolint:govet
type andExpr struct {
	Left  *notExpr   `@@`
	Right []*notExpr `( ( "and" | "&&" ) @@ )*`
}

//nolint:govet
type notExpr struct {
	Not bool     `@( "not" | "!" )?`
	Cmp *cmpExpr `@@`
}

//nolint:govet
type cmpExpr struct {
	Left  *addExpr `@@`
	Op    string   `( @( "==" | "!=" | "<=" | ">=" | "<" | ">" )`
	Right *addExpr `  @@ )?`
}

//nolint:govet
type addExpr struct {
	Left *mulExpr `@@`
	Rest []*addOp `@@*`
}

//nolint:govet
type addOp struct {
	Op    string   `@( "+" | "-" )`
	Right *mulExpr `@@`
}

//nolint:govet
type mulExpr struct {
	Left *unaryExpr `@@`
	Rest []*mulOp   `@@*`
}

//nolint:govet
type mulOp struct {
	Op    string     `@( "*" | "/" | "%" )`
	Right *unaryExpr `@@`
}

//nolint:govet
type unaryExpr struct {
	Neg bool     `@"-"?`
	Pow *powExpr `@@`
}

//nolint:govet
type powExpr struct {
	Base *primary   `@@`
	Exp  *unaryExpr `( "^" @@ )?`
}

//nolint:govet
type primary struct {
	Pos    lexer.Position
	Number *float64 `  @Number`
	String *string  `| @String`
	True   bool     `| @"true"`
	False  bool     `| @"false"`
	Null   bool     `| @"null"`
	Call   *call    `| @@`
	Column *string  `| @( Ident | Quoted )`
	Sub    *orExpr  `| "(" @@ ")"`
}

//nolint:govet
type call struct {
	Pos  lexer.Position
	Name string    `@Ident "("`
	Args []*orExpr `( @@ ( "," @@ )* )? ")"`
}

var formulaLexer = lexer.MustSimple([]lexer.SimpleRule{
	{Name: "Number", Pattern: `(?:\d+\.?\d*|\.\d+)(?:[eE][-+]?\d+)?`},
	{Name: "String", Pattern: `"(?:\\.|[^"\\])*"`},
	{Name: "Quoted", Pattern: "`[^`]+`"},
	{Name: "Ident", Pattern: `[A-Za-z_][A-Za-z0-9_]*`},
	{Name: "Op", Pattern: `==|!=|<=|>=|&&|\|\||[-+*/%^<>!(),]`},
	{Name: "Whitespace", Pattern: `\s+`},
})

var formulaParser = participle.MustBuild[orExpr](
	participle.Lexer(formulaLexer),
	participle.Elide("Whitespace"),
	participle.Unquote("String", "Quoted"),
	participle.UseLookahead(2),
)
