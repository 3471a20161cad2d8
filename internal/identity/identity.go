// Package identity derives stable unique IDs for imported rows.
//
// IDs are namespaced by dataset and tagged with the strategy that produced
// them: {datasetID}:ext:{value}, {datasetID}:comp:{hash16},
// {datasetID}:auto:{millis}:{hex8}. Two rows with the same ID in a dataset are
// duplicates.
package identity

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jonathan/event-importer/internal/fieldpath"
	"github.com/jonathan/event-importer/internal/types"
)

// Strategy tags embedded in generated IDs.
const (
	TagExternal = "ext"
	TagComputed = "comp"
	TagAuto     = "auto"
	TagError    = "error"
)

// StrategyError is the Strategy reported when generation failed and a fallback ID was issued.
const StrategyError = "error"

// MaxExternalIDLength bounds sanitized external IDs.
const MaxExternalIDLength = 255

var externalIDPattern = regexp.MustCompile(`^[A-Za-z0-9_.:-]+$`)

// Result is a generated ID.
type Result struct {
	UniqueID string `json:"uniqueId"`
	Strategy string `json:"strategy"`
	// ContentHash is set by the auto strategy for content-based duplicate matching.
	ContentHash string `json:"contentHash,omitempty"`
}

// Generator produces unique IDs. The zero value is not usable; call New.
type Generator struct {
	now    func() time.Time
	random io.Reader
}

// Option configures a Generator.
type Option func(*Generator)

// WithClock overrides the time source used by the auto strategy and fallback IDs.
func WithClock(now func() time.Time) Option {
	return func(g *Generator) { g.now = now }
}

// WithRandom overrides the randomness source used by the auto strategy.
func WithRandom(r io.Reader) Option {
	return func(g *Generator) { g.random = r }
}

// New creates a Generator.
func New(opts ...Option) *Generator {
	g := &Generator{now: time.Now, random: rand.Reader}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Generate derives the unique ID for row under the dataset's idStrategy.
//
// A missing idStrategy returns ErrStrategyRequired and an empty Result. Any
// other failure returns a fallback Result ({datasetID}:error:{millis}, strategy
// "error") together with the error describing what went wrong.
func (g *Generator) Generate(row types.Row, datasetID string, strategy *types.IDStrategy) (Result, error) {
	if strategy == nil {
		return Result{}, ErrStrategyRequired
	}

	result, err := g.generate(row, datasetID, strategy)
	if err != nil {
		return Result{
			UniqueID: fmt.Sprintf("%s:%s:%d", datasetID, TagError, g.now().UnixMilli()),
			Strategy: StrategyError,
		}, err
	}
	return result, nil
}

func (g *Generator) generate(row types.Row, datasetID string, strategy *types.IDStrategy) (Result, error) {
	switch strategy.Type {
	case types.IDStrategyExternal:
		return External(row, datasetID, strategy.ExternalIDPath)
	case types.IDStrategyComputed:
		return Computed(row, datasetID, strategy.ComputedIDFields)
	case types.IDStrategyAuto:
		return g.Auto(row, datasetID)
	case types.IDStrategyHybrid:
		return Hybrid(row, datasetID, strategy)
	default:
		return Result{}, &Error{
			Strategy: string(strategy.Type),
			Message:  fmt.Sprintf("unknown ID strategy: %q", strategy.Type),
		}
	}
}

// External reads the value at path and uses it, sanitized, as the ID.
func External(row types.Row, datasetID, path string) (Result, error) {
	value, found := fieldpath.Get(row, path)
	if !found || fieldpath.IsEmpty(value) {
		return Result{}, &Error{
			Strategy: string(types.IDStrategyExternal),
			Message:  fmt.Sprintf("missing external ID at path: %s", path),
		}
	}

	raw, err := scalarString(value)
	if err != nil {
		return Result{}, &Error{Strategy: string(types.IDStrategyExternal), Message: err.Error()}
	}

	sanitized, err := SanitizeID(raw)
	if err != nil {
		return Result{}, &Error{
			Strategy: string(types.IDStrategyExternal),
			Message:  fmt.Sprintf("external ID at path %s is not usable", path),
			Cause:    err,
		}
	}

	return Result{
		UniqueID: fmt.Sprintf("%s:%s:%s", datasetID, TagExternal, sanitized),
		Strategy: string(types.IDStrategyExternal),
	}, nil
}

// SanitizeID trims value and checks it is 1-255 characters of [A-Za-z0-9_.:-].
// Violations are errors; the value is never truncated or rewritten.
func SanitizeID(value string) (string, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "", &SanitizeError{Value: value, Reason: "must not be empty"}
	}
	if len(trimmed) > MaxExternalIDLength {
		return "", &SanitizeError{
			Value:  trimmed[:32] + "...",
			Reason: fmt.Sprintf("length %d exceeds maximum of %d characters", len(trimmed), MaxExternalIDLength),
		}
	}
	if !externalIDPattern.MatchString(trimmed) {
		return "", &SanitizeError{Value: trimmed, Reason: "contains characters outside [A-Za-z0-9_.:-]"}
	}
	return trimmed, nil
}

// Computed hashes the values of fields into a deterministic ID.
func Computed(row types.Row, datasetID string, fields []types.ComputedField) (Result, error) {
	hash, err := ComputedHash(row, datasetID, fields)
	if err != nil {
		return Result{}, err
	}
	return Result{
		UniqueID: fmt.Sprintf("%s:%s:%s", datasetID, TagComputed, hash),
		Strategy: string(types.IDStrategyComputed),
	}, nil
}

// ComputedHash returns the first 16 hex characters of the SHA-256 over the
// dataset ID and the sorted field:value pairs. Field order in the
// configuration, key order in the row, and extra row fields do not affect it.
func ComputedHash(row types.Row, datasetID string, fields []types.ComputedField) (string, error) {
	if len(fields) == 0 {
		return "", &Error{
			Strategy: string(types.IDStrategyComputed),
			Message:  "no computedIdFields configured",
		}
	}

	type pair struct {
		path  string
		value any
	}
	pairs := make([]pair, 0, len(fields))
	var missing []string

	for _, f := range fields {
		v, found := fieldpath.Get(row, f.FieldPath)
		if !found || v == nil {
			missing = append(missing, f.FieldPath)
			continue
		}
		pairs = append(pairs, pair{path: f.FieldPath, value: v})
	}

	if len(missing) > 0 {
		return "", &Error{
			Strategy: string(types.IDStrategyComputed),
			Message:  fmt.Sprintf("missing required fields for computed ID: %s", strings.Join(missing, ", ")),
		}
	}

	sort.Slice(pairs, func(i, j int) bool { return pairs[i].path < pairs[j].path })

	parts := make([]string, 0, len(pairs))
	for _, p := range pairs {
		encoded, err := json.Marshal(p.value)
		if err != nil {
			return "", &Error{
				Strategy: string(types.IDStrategyComputed),
				Message:  fmt.Sprintf("cannot encode field %s", p.path),
				Cause:    err,
			}
		}
		parts = append(parts, p.path+":"+string(encoded))
	}

	sum := sha256.Sum256([]byte(datasetID + ":" + strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])[:16], nil
}

// Auto issues a time-and-random ID plus a content hash of the full row.
// The ID is not derived from content; duplicate detection uses ContentHash.
func (g *Generator) Auto(row types.Row, datasetID string) (Result, error) {
	buf := make([]byte, 4)
	if _, err := io.ReadFull(g.random, buf); err != nil {
		return Result{}, &Error{Strategy: string(types.IDStrategyAuto), Message: "read random bytes", Cause: err}
	}

	hash, err := ContentHash(row)
	if err != nil {
		return Result{}, err
	}

	return Result{
		UniqueID:    fmt.Sprintf("%s:%s:%d:%s", datasetID, TagAuto, g.now().UnixMilli(), hex.EncodeToString(buf)),
		Strategy:    string(types.IDStrategyAuto),
		ContentHash: hash,
	}, nil
}

// ContentHash returns the hex SHA-256 of the row's JSON encoding.
// encoding/json writes map keys in sorted order at every level, so the hash
// is independent of key order.
func ContentHash(row types.Row) (string, error) {
	encoded, err := json.Marshal(map[string]any(row))
	if err != nil {
		return "", &Error{Strategy: string(types.IDStrategyAuto), Message: "encode row", Cause: err}
	}
	sum := sha256.Sum256(encoded)
	return hex.EncodeToString(sum[:]), nil
}

// Hybrid tries the external strategy, then the computed one.
func Hybrid(row types.Row, datasetID string, strategy *types.IDStrategy) (Result, error) {
	result, extErr := External(row, datasetID, strategy.ExternalIDPath)
	if extErr == nil {
		return result, nil
	}

	result, compErr := Computed(row, datasetID, strategy.ComputedIDFields)
	if compErr == nil {
		return result, nil
	}

	return Result{}, &Error{
		Strategy: string(types.IDStrategyHybrid),
		Message:  fmt.Sprintf("both strategies failed: external: %v; computed: %v", extErr, compErr),
	}
}

func scalarString(v any) (string, error) {
	switch val := v.(type) {
	case string:
		return val, nil
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64), nil
	case float32:
		return strconv.FormatFloat(float64(val), 'f', -1, 32), nil
	case int:
		return strconv.Itoa(val), nil
	case int64:
		return strconv.FormatInt(val, 10), nil
	case json.Number:
		return val.String(), nil
	case bool:
		return strconv.FormatBool(val), nil
	default:
		return "", fmt.Errorf("external ID must be a scalar value, got %T", v)
	}
}
