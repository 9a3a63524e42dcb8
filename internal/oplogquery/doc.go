// Package oplogquery implements the search language of the public oplog
// view.
//
// A query is a boolean combination of terms:
//
//	invoke                      word, matched anywhere in the entry
//	"out of fuel"               phrase, matched as a whole
//	/^golem::rdbms/             regular expression
//	function:add                any term scoped to one field
//	a b                         both (implicit AND)
//	a AND b, a OR b             explicit operators, OR binds looser
//	NOT a, -a                   negation
//	(a OR b) kind:Error         grouping
//
// Words and phrases match case-insensitively as substrings; regular
// expressions use RE2 syntax and are case-sensitive unless they say
// otherwise with (?i).
//
// SEALED INTERFACES:
//
// Query is sealed with a marker method, as is the AST of the other query
// layers in this module, so evaluators can switch over it exhaustively.
// Parse returns validated queries; ASTs built by hand should pass through
// Validate before they are evaluated.
package oplogquery
