package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Client executes RPCs and table reads against the backend. Results decode
// into dest as JSON; a nil dest discards the result, which callers must use
// for functions declared to return void.
type Client interface {
	Call(ctx context.Context, call Call, dest any) error
	Select(ctx context.Context, query Query, dest any) error
	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

// Params holds RPC arguments keyed by their p_-prefixed parameter names.
type Params map[string]any

// Call describes a single stored procedure invocation. Set marks functions
// that return a set of rows; their result always decodes as a JSON array.
type Call struct {
	Function string
	Params   Params
	Set      bool
}

// FilterOp is a comparison operator understood by both drivers.
type FilterOp string

const (
	OpEq  FilterOp = "eq"
	OpNeq FilterOp = "neq"
	OpGt  FilterOp = "gt"
	OpGte FilterOp = "gte"
	OpLt  FilterOp = "lt"
	OpLte FilterOp = "lte"
	OpIn  FilterOp = "in"
	OpIs  FilterOp = "is"
)

// Filter restricts a table read. OpIn expects a []string value and OpIs
// expects nil, true or false.
type Filter struct {
	Column string
	Op     FilterOp
	Value  any
}

// Order sorts a table read.
type Order struct {
	Column     string
	Descending bool
}

// Query describes a read of a single table. When Single is set the result
// decodes as one object and an empty result yields ErrNotFound.
type Query struct {
	Table   string
	Columns []string
	Filters []Filter
	Order   []Order
	Limit   int
	Single  bool
}

// Eq is shorthand for an equality filter.
func Eq(column string, value any) Filter {
	return Filter{Column: column, Op: OpEq, Value: value}
}

var (
	// ErrNotFound is returned by single-row reads that match nothing.
	ErrNotFound = errors.New("backend: row not found")
	// ErrUnavailable is returned when the backend is unconfigured or the
	// circuit breaker is open.
	ErrUnavailable = errors.New("backend unavailable")
)

// Error is a failure reported by the database itself. Its message is the
// database message, unmodified.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Detail  string `json:"details,omitempty"`
	Hint    string `json:"hint,omitempty"`
}

func (e *Error) Error() string {
	return e.Message
}

// TransportError is a failure to reach the backend or to read its reply.
type TransportError struct {
	Op     string
	Status int
	Err    error
}

func (e *TransportError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("backend %s: upstream status %d", e.Op, e.Status)
	}
	return fmt.Sprintf("backend %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsDatabaseError reports whether err carries a database-reported *Error.
func IsDatabaseError(err error) bool {
	var dbErr *Error
	return errors.As(err, &dbErr)
}

var identifierPattern = regexp.MustCompile(`^[a-z_][a-z0-9_]{0,62}$`)

func validateIdentifier(kind, name string) error {
	if !identifierPattern.MatchString(name) {
		return fmt.Errorf("invalid %s name %q", kind, name)
	}
	return nil
}

func (c Call) validate() error {
	if err := validateIdentifier("function", c.Function); err != nil {
		return err
	}
	for key := range c.Params {
		if err := validateIdentifier("parameter", key); err != nil {
			return err
		}
	}
	return nil
}

func (c Call) sortedParamNames() []string {
	names := make([]string, 0, len(c.Params))
	for name := range c.Params {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (q Query) validate() error {
	if err := validateIdentifier("table", q.Table); err != nil {
		return err
	}
	for _, column := range q.Columns {
		if err := validateIdentifier("column", column); err != nil {
			return err
		}
	}
	for _, filter := range q.Filters {
		if err := validateIdentifier("column", filter.Column); err != nil {
			return err
		}
		switch filter.Op {
		case OpEq, OpNeq, OpGt, OpGte, OpLt, OpLte:
		case OpIn:
			if _, ok := filter.Value.([]string); !ok {
				return fmt.Errorf("filter %s: in expects []string, got %T", filter.Column, filter.Value)
			}
		case OpIs:
			switch filter.Value.(type) {
			case nil, bool:
			default:
				return fmt.Errorf("filter %s: is expects nil or bool, got %T", filter.Column, filter.Value)
			}
		default:
			return fmt.Errorf("filter %s: unsupported operator %q", filter.Column, filter.Op)
		}
	}
	for _, order := range q.Order {
		if err := validateIdentifier("column", order.Column); err != nil {
			return err
		}
	}
	if q.Limit < 0 {
		return fmt.Errorf("limit must not be negative")
	}
	return nil
}

func (q Query) effectiveLimit() int {
	if q.Single {
		return 1
	}
	return q.Limit
}

// selectsOrderColumns reports whether every ORDER BY column is also selected.
func (q Query) selectsOrderColumns() bool {
	if len(q.Columns) == 0 {
		return true
	}
	selected := make(map[string]bool, len(q.Columns))
	for _, column := range q.Columns {
		selected[column] = true
	}
	for _, order := range q.Order {
		if !selected[order.Column] {
			return false
		}
	}
	return true
}

func (q Query) columnList() string {
	if len(q.Columns) == 0 {
		return "*"
	}
	return strings.Join(q.Columns, ",")
}

// decodeResult unmarshals a JSON document into dest. A nil dest, an empty
// document or JSON null leave dest untouched.
func decodeResult(raw []byte, dest any) error {
	if dest == nil || len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return fmt.Errorf("decode backend result: %w", err)
	}
	return nil
}

// decodeRows decodes a JSON array of rows, honouring Query.Single.
func decodeRows(raw []byte, query Query, dest any) error {
	if !query.Single {
		if len(raw) == 0 || string(raw) == "null" {
			raw = []byte("[]")
		}
		return decodeResult(raw, dest)
	}
	var rows []json.RawMessage
	if err := decodeResult(raw, &rows); err != nil {
		return err
	}
	if len(rows) == 0 {
		return ErrNotFound
	}
	return decodeResult(rows[0], dest)
}
