// Package policy implements the name-matching rules that select which units
// are instrumented.
//
// # Rule Forms
//
//	*  **  ...            match everything
//	a.b.**  a.b.*  a.b.   everything in a.b and below (explicit prefix)
//	a/b/...               same, slash separated
//	*.Name  .Name  */name units whose last segment is Name (suffix)
//	a.b.Name              exactly a.b.Name (last segment upper-case)
//	Name                  bare upper-case name, same as *.Name
//	a.b  a/b              any other qualified name is an implicit prefix
//	!rule                 exclusion
//
// Rules are separated by whitespace, ',' or ';'. '#' and '//' start a
// comment. Unit names are matched after dropping a '#file' or '$inner'
// suffix, so "github.com/acme/app#main.go" is matched as
// "github.com/acme/app".
//
// # Evaluation
//
// The last declared rule that matches a name decides. When no rule
// matches, the verdict is the inverse of the polarity of the last declared
// rule: a list ending in an exclusion includes everything else, a list
// ending in an inclusion excludes everything else. An empty list excludes
// everything.
package policy
