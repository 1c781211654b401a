// Package audit keeps a field-level, append-only history of mutations to
// tracked entities. Callers invoke the Observer explicitly at fixed points
// inside their own transaction, so a rollback discards the history too.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"time"

	"github.com/safar/go-order-ledger/internal/database"
	"github.com/safar/go-order-ledger/internal/models"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var ErrUnhandledField = errors.New("audit: unhandled field value")

// Entity is a tracked model. AuditFields must return plain values; anything
// the recorder cannot normalize is handled by the FieldPolicy.
type Entity interface {
	AuditName() string
	AuditPK() string
	AuditFields() map[string]any
}

// Observer is the entity change observer called by mutating code paths.
// Every method writes through q, which should be the caller's transaction.
type Observer interface {
	// BeforeMutation records an update entry for the fields that differ
	// between prior and next. Nothing is written when they are equal.
	BeforeMutation(ctx context.Context, q database.Querier, prior, next Entity) error
	AfterCreate(ctx context.Context, q database.Querier, e Entity) error
	AfterDelete(ctx context.Context, q database.Querier, e Entity) error
}

type FieldPolicy string

const (
	// PolicyStringify renders unknown values with fmt.
	PolicyStringify FieldPolicy = "stringify"
	// PolicyOmit drops unknown values and logs a warning.
	PolicyOmit FieldPolicy = "omit"
	// PolicyFail returns ErrUnhandledField, aborting the caller's transaction.
	PolicyFail FieldPolicy = "fail"
)

func ParseFieldPolicy(s string) (FieldPolicy, error) {
	switch p := FieldPolicy(s); p {
	case PolicyStringify, PolicyOmit, PolicyFail:
		return p, nil
	case "":
		return PolicyStringify, nil
	}
	return "", fmt.Errorf("unknown audit field policy %q", s)
}

type Recorder struct {
	policy FieldPolicy
	logger *zap.Logger
	now    func() time.Time
}

func NewRecorder(policy FieldPolicy, logger *zap.Logger) *Recorder {
	if policy == "" {
		policy = PolicyStringify
	}
	return &Recorder{
		policy: policy,
		logger: logger.Named("audit"),
		now:    time.Now,
	}
}

var _ Observer = (*Recorder)(nil)

func (r *Recorder) BeforeMutation(ctx context.Context, q database.Querier, prior, next Entity) error {
	if prior == nil {
		return r.AfterCreate(ctx, q, next)
	}

	before, err := r.snapshot(prior)
	if err != nil {
		return err
	}
	after, err := r.snapshot(next)
	if err != nil {
		return err
	}

	changes := diff(before, after)
	if len(changes) == 0 {
		return nil
	}

	return r.write(ctx, q, models.AuditUpdate, next, changes)
}

func (r *Recorder) AfterCreate(ctx context.Context, q database.Querier, e Entity) error {
	fields, err := r.snapshot(e)
	if err != nil {
		return err
	}

	changes := make(map[string][2]any, len(fields))
	for name, v := range fields {
		changes[name] = [2]any{nil, v}
	}

	return r.write(ctx, q, models.AuditCreate, e, changes)
}

func (r *Recorder) AfterDelete(ctx context.Context, q database.Querier, e Entity) error {
	fields, err := r.snapshot(e)
	if err != nil {
		return err
	}

	changes := make(map[string][2]any, len(fields))
	for name, v := range fields {
		changes[name] = [2]any{v, nil}
	}

	return r.write(ctx, q, models.AuditDelete, e, changes)
}

func (r *Recorder) write(ctx context.Context, q database.Querier, action models.AuditAction, e Entity, changes map[string][2]any) error {
	payload, err := json.Marshal(changes)
	if err != nil {
		return fmt.Errorf("encode audit changes: %w", err)
	}

	_, err = q.ExecContext(ctx,
		`INSERT INTO audit_trail (actor, action, model_name, object_pk, changes, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		ActorFrom(ctx), action, e.AuditName(), e.AuditPK(), payload, r.now().UTC())
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}

	return nil
}

// snapshot normalizes every field of e into a JSON-friendly value.
func (r *Recorder) snapshot(e Entity) (map[string]any, error) {
	raw := e.AuditFields()
	out := make(map[string]any, len(raw))

	for _, name := range sortedKeys(raw) {
		v, ok := normalize(raw[name])
		if ok {
			out[name] = v
			continue
		}

		switch r.policy {
		case PolicyOmit:
			r.logger.Warn("omitting unhandled audit field",
				zap.String("model", e.AuditName()),
				zap.String("field", name),
				zap.String("type", fmt.Sprintf("%T", raw[name])),
			)
		case PolicyFail:
			return nil, fmt.Errorf("%w: %s.%s has type %T", ErrUnhandledField, e.AuditName(), name, raw[name])
		default:
			out[name] = fmt.Sprintf("%v", raw[name])
		}
	}

	return out, nil
}

// normalize maps v onto a value that survives a JSON round trip unchanged.
// The second result is false for kinds the recorder does not understand.
func normalize(v any) (any, bool) {
	switch val := v.(type) {
	case nil:
		return nil, true
	case decimal.Decimal:
		return val.String(), true
	case time.Time:
		return val.UTC().Format(time.RFC3339Nano), true
	}

	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return nil, true
		}
		return normalize(rv.Elem().Interface())
	}

	switch rv.Kind() {
	case reflect.String:
		return rv.String(), true
	case reflect.Bool:
		return rv.Bool(), true
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int(), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return rv.Uint(), true
	case reflect.Float32, reflect.Float64:
		return rv.Float(), true
	}

	return nil, false
}

// diff returns {field: [old, new]} for every field whose value changed,
// including fields present on only one side.
func diff(before, after map[string]any) map[string][2]any {
	changes := make(map[string][2]any)

	for name, old := range before {
		updated, ok := after[name]
		if !ok || !reflect.DeepEqual(old, updated) {
			changes[name] = [2]any{old, updated}
		}
	}
	for name, updated := range after {
		if _, ok := before[name]; !ok {
			changes[name] = [2]any{nil, updated}
		}
	}

	return changes
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
