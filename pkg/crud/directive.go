package crud

import (
	"github.com/relquery/relquery/pkg/schema"
)

// DirectiveKind identifies one of the nine relation write operations.
type DirectiveKind uint8

const (
	KindCreate DirectiveKind = iota
	KindConnect
	KindConnectOrCreate
	KindUpdate
	KindUpsert
	KindDelete
	KindDisconnect
	KindSet
	KindUpdateMany
	KindDeleteMany
)

func (k DirectiveKind) String() string {
	switch k {
	case KindCreate:
		return "create"
	case KindConnect:
		return "connect"
	case KindConnectOrCreate:
		return "connectOrCreate"
	case KindUpdate:
		return "update"
	case KindUpsert:
		return "upsert"
	case KindDelete:
		return "delete"
	case KindDisconnect:
		return "disconnect"
	case KindSet:
		return "set"
	case KindUpdateMany:
		return "updateMany"
	case KindDeleteMany:
		return "deleteMany"
	default:
		return "unknown"
	}
}

// Data is the payload of a create or update. Values carries scalar field
// assignments; Relations carries the write directives attached to relation
// fields, recursing to unbounded depth. For a single-valued relation the
// directive list must hold exactly one entry; for list relations, entries
// execute in list order.
type Data struct {
	Values    map[string]any
	Relations map[string][]Directive
}

// Directive is one relation write operation. It is a closed tagged union:
// the planner switches exhaustively over Kind and rejects anything else at
// plan-construction time.
type Directive interface {
	Kind() DirectiveKind

	// shape checks the directive's own well-formedness, independent of the
	// schema. Schema-dependent validation happens in the planner.
	shape() error
}

// Create creates a related row from the given payload and links it.
type Create struct {
	Data *Data
}

// Connect links an existing row addressed by a unique selector. A selector
// matching no row fails the plan with UniqueTargetNotFoundError.
type Connect struct {
	Selector schema.UniqueSelector
}

// ConnectOrCreate links the row addressed by the selector if it exists, and
// otherwise creates one from the payload. The lookup and branch run inside
// the plan's transaction; a uniqueness conflict on the insert is retried
// exactly once as a connect.
type ConnectOrCreate struct {
	Selector schema.UniqueSelector
	Create   *Data
}

// Update applies the payload to a related row. The selector is required on
// list relations and defaults to the currently linked row on single-valued
// relations.
type Update struct {
	Selector schema.UniqueSelector
	Data     *Data
}

// Upsert updates the row addressed by the selector if it exists, and
// otherwise creates one from the create payload.
type Upsert struct {
	Selector schema.UniqueSelector
	Create   *Data
	Update   *Data
}

// Delete removes a related row entirely. The selector is required on list
// relations and defaults to the currently linked row otherwise.
type Delete struct {
	Selector schema.UniqueSelector
}

// Disconnect removes the link only: the foreign key is nulled or the join
// row removed; the related row itself is untouched.
type Disconnect struct {
	Selector schema.UniqueSelector
}

// Set replaces the full membership of a list relation with the rows
// addressed by the selectors, in order.
type Set struct {
	Selectors []schema.UniqueSelector
}

// UpdateMany applies the scalar payload to every currently linked row
// matching the filter.
type UpdateMany struct {
	Where Filter
	Data  map[string]any
}

// DeleteMany deletes every currently linked row matching the filter.
type DeleteMany struct {
	Where Filter
}

func (Create) Kind() DirectiveKind          { return KindCreate }
func (Connect) Kind() DirectiveKind         { return KindConnect }
func (ConnectOrCreate) Kind() DirectiveKind { return KindConnectOrCreate }
func (Update) Kind() DirectiveKind          { return KindUpdate }
func (Upsert) Kind() DirectiveKind          { return KindUpsert }
func (Delete) Kind() DirectiveKind          { return KindDelete }
func (Disconnect) Kind() DirectiveKind      { return KindDisconnect }
func (Set) Kind() DirectiveKind             { return KindSet }
func (UpdateMany) Kind() DirectiveKind      { return KindUpdateMany }
func (DeleteMany) Kind() DirectiveKind      { return KindDeleteMany }

func (d Create) shape() error {
	if d.Data == nil {
		return errShape("create requires a payload")
	}
	return nil
}

func (d Connect) shape() error {
	if len(d.Selector) == 0 {
		return errShape("connect requires a selector")
	}
	return nil
}

func (d ConnectOrCreate) shape() error {
	if len(d.Selector) == 0 {
		return errShape("connectOrCreate requires a selector")
	}
	if d.Create == nil {
		return errShape("connectOrCreate requires a create payload")
	}
	return nil
}

func (d Update) shape() error {
	if d.Data == nil {
		return errShape("update requires a payload")
	}
	return nil
}

func (d Upsert) shape() error {
	if d.Create == nil || d.Update == nil {
		return errShape("upsert requires both create and update payloads")
	}
	return nil
}

func (Delete) shape() error     { return nil }
func (Disconnect) shape() error { return nil }

func (d Set) shape() error {
	for _, sel := range d.Selectors {
		if len(sel) == 0 {
			return errShape("set requires non-empty selectors")
		}
	}
	return nil
}

func (d UpdateMany) shape() error {
	if len(d.Data) == 0 {
		return errShape("updateMany requires a scalar payload")
	}
	return nil
}

func (DeleteMany) shape() error { return nil }

type shapeError struct{ reason string }

func (e shapeError) Error() string { return e.reason }

func errShape(reason string) error { return shapeError{reason: reason} }

// CheckShape validates a directive's own well-formedness. Malformed shapes
// are rejected at plan-construction time, before any storage call.
func CheckShape(d Directive, path Path) error {
	if d == nil {
		return NewInvalidDirectiveError(path, "nil directive")
	}
	if err := d.shape(); err != nil {
		return NewInvalidDirectiveError(path, err.Error())
	}
	return nil
}
