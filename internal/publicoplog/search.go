package publicoplog

import (
	"context"
	"fmt"

	"github.com/roach88/golemexec/internal/oplog"
	"github.com/roach88/golemexec/internal/oplogquery"
)

// Searchable fields. Unscoped terms search all of them.
const (
	FieldIndex       = "index"
	FieldKind        = "kind"
	FieldWorker      = "worker"
	FieldFunction    = "function"
	FieldKey         = "key"
	FieldRequest     = "request"
	FieldResponse    = "response"
	FieldError       = "error"
	FieldMessage     = "message"
	FieldLevel       = "level"
	FieldContext     = "context"
	FieldArgs        = "args"
	FieldEnv         = "env"
	FieldPlugin      = "plugin"
	FieldResource    = "resource"
	FieldSpan        = "span"
	FieldAttribute   = "attribute"
	FieldTransaction = "transaction"
	FieldAgent       = "agent"
)

// SearchFields lists the field names a query term may be scoped to.
var SearchFields = []string{
	FieldIndex, FieldKind, FieldWorker, FieldFunction, FieldKey, FieldRequest,
	FieldResponse, FieldError, FieldMessage, FieldLevel, FieldContext, FieldArgs,
	FieldEnv, FieldPlugin, FieldResource, FieldSpan, FieldAttribute,
	FieldTransaction, FieldAgent,
}

// ParseQuery parses a query against the public entry fields.
func ParseQuery(input string) (oplogquery.Query, error) {
	return oplogquery.Parse(input, SearchFields...)
}

// document adapts an Entry to oplogquery.Document.
type document struct {
	byField map[string][]string
	all     []string
}

func newDocument(e Entry) *document {
	d := &document{byField: make(map[string][]string)}
	d.add(FieldIndex, e.Index.String())
	d.add(FieldKind, e.Kind)
	if e.Details != nil {
		e.Details.fields(d.add)
	}
	return d
}

func (d *document) add(field, value string) {
	if value == "" {
		return
	}
	d.byField[field] = append(d.byField[field], value)
	d.all = append(d.all, value)
}

func (d *document) FieldValues(field string) []string { return d.byField[field] }

func (d *document) AllValues() []string { return d.all }

// Matches reports whether the entry satisfies q.
func (e Entry) Matches(q oplogquery.Query) bool {
	return oplogquery.Matches(q, newDocument(e))
}

// Source is an oplog that can be read and projected. *oplog.Oplog
// implements it.
type Source interface {
	PayloadReader
	ReadMany(ctx context.Context, from oplog.Index, n int) ([]oplog.Record, error)
}

// searchPage is the number of records projected per read.
const searchPage = 256

// Search projects the oplog from its first retained entry and returns the
// entries matching q, in index order. limit caps the result; zero means no
// limit.
func Search(ctx context.Context, src Source, q oplogquery.Query, limit int) ([]Entry, error) {
	var matches []Entry
	err := Walk(ctx, src, oplog.None, func(e Entry) (bool, error) {
		if e.Matches(q) {
			matches = append(matches, e)
		}
		return limit == 0 || len(matches) < limit, nil
	})
	return matches, err
}

// Walk projects entries after the index `after` in order, calling fn for
// each until fn returns false or an error, or the oplog ends.
func Walk(ctx context.Context, src Source, after oplog.Index, fn func(Entry) (bool, error)) error {
	from := after.Next()
	for {
		records, err := src.ReadMany(ctx, from, searchPage)
		if err != nil {
			return fmt.Errorf("read oplog from %d: %w", from, err)
		}
		if len(records) == 0 {
			return nil
		}
		for _, rec := range records {
			e, err := Project(ctx, src, rec)
			if err != nil {
				return err
			}
			more, err := fn(e)
			if err != nil || !more {
				return err
			}
		}
		from = records[len(records)-1].Index.Next()
	}
}
