package server

import (
	"encoding/json"
	"errors"
	"strings"
)

// ResetRequiredClaim is the reserved bare claim gating the forced password
// reset. It is matched literally, outside the configured namespace.
const ResetRequiredClaim = "prp"

// ClaimKind discriminates the closed set of claim value types.
type ClaimKind int

const (
	ClaimNull ClaimKind = iota
	ClaimString
	ClaimNumber
	ClaimBool
	ClaimObject
	ClaimList
)

// ClaimValue is a tagged claim value. Token payloads are open-ended JSON,
// but everything the policy layer touches goes through this closed type so
// an unexpected shape can never panic a request.
type ClaimValue struct {
	Kind   ClaimKind
	Str    string
	Num    float64
	Bool   bool
	Object map[string]ClaimValue
	List   []ClaimValue
}

func claimValueOf(raw any) ClaimValue {
	switch v := raw.(type) {
	case nil:
		return ClaimValue{Kind: ClaimNull}
	case bool:
		return ClaimValue{Kind: ClaimBool, Bool: v}
	case string:
		return ClaimValue{Kind: ClaimString, Str: v}
	case float64:
		return ClaimValue{Kind: ClaimNumber, Num: v}
	case int:
		return ClaimValue{Kind: ClaimNumber, Num: float64(v)}
	case int64:
		return ClaimValue{Kind: ClaimNumber, Num: float64(v)}
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return ClaimValue{Kind: ClaimNull}
		}
		return ClaimValue{Kind: ClaimNumber, Num: f}
	case map[string]any:
		obj := make(map[string]ClaimValue, len(v))
		for key, val := range v {
			obj[key] = claimValueOf(val)
		}
		return ClaimValue{Kind: ClaimObject, Object: obj}
	case []any:
		list := make([]ClaimValue, 0, len(v))
		for _, val := range v {
			list = append(list, claimValueOf(val))
		}
		return ClaimValue{Kind: ClaimList, List: list}
	default:
		// Unknown dynamic types degrade to null rather than leaking
		// through the policy layer.
		return ClaimValue{Kind: ClaimNull}
	}
}

// Interface converts the value back to plain JSON-shaped data for responses.
func (v ClaimValue) Interface() any {
	switch v.Kind {
	case ClaimString:
		return v.Str
	case ClaimNumber:
		return v.Num
	case ClaimBool:
		return v.Bool
	case ClaimObject:
		out := make(map[string]any, len(v.Object))
		for key, val := range v.Object {
			out[key] = val.Interface()
		}
		return out
	case ClaimList:
		out := make([]any, 0, len(v.List))
		for _, val := range v.List {
			out = append(out, val.Interface())
		}
		return out
	default:
		return nil
	}
}

// ClaimsView is the flat projection of a token's custom claims after
// namespace stripping. Derived per request, never persisted.
type ClaimsView map[string]ClaimValue

// Interface flattens the view into plain JSON-shaped data.
func (cv ClaimsView) Interface() map[string]any {
	out := make(map[string]any, len(cv))
	for name, val := range cv {
		out[name] = val.Interface()
	}
	return out
}

// ClaimsEvaluator derives the reset policy from decoded claims. Stateless;
// construct one per configured namespace, no ambient singletons.
type ClaimsEvaluator struct {
	namespace string
}

// NewClaimsEvaluator normalises the namespace to a trailing slash.
func NewClaimsEvaluator(namespace string) (*ClaimsEvaluator, error) {
	if namespace == "" {
		return nil, errors.New("claims namespace required")
	}
	if !strings.HasSuffix(namespace, "/") {
		namespace += "/"
	}
	return &ClaimsEvaluator{namespace: namespace}, nil
}

// Namespace returns the normalised namespace prefix.
func (e *ClaimsEvaluator) Namespace() string {
	return e.namespace
}

// ExtractCustomClaims projects the namespaced custom claims into a bare
// view. The reserved reset claim is matched literally; bare keys that are
// neither namespaced nor reserved are dropped so unrelated standard claims
// never leak into the policy layer.
func (e *ClaimsEvaluator) ExtractCustomClaims(decoded DecodedClaims) ClaimsView {
	view := ClaimsView{}
	for key, raw := range decoded {
		switch {
		case strings.HasPrefix(key, e.namespace):
			name := strings.TrimPrefix(key, e.namespace)
			if name == "" {
				continue
			}
			view[name] = claimValueOf(raw)
		case key == ResetRequiredClaim:
			view[key] = claimValueOf(raw)
		}
	}
	return view
}

// IsResetRequired reports whether the forced-reset policy is triggered.
// Strict equality: only the boolean literal true triggers it. A string
// "true", a number, null, or an absent claim all mean no reset.
func (e *ClaimsEvaluator) IsResetRequired(view ClaimsView) bool {
	v, ok := view[ResetRequiredClaim]
	return ok && v.Kind == ClaimBool && v.Bool
}

// ValidateRequiredClaims reports whether every named claim is present and
// meaningful. Missing, null, boolean false, and empty string all count as
// absent.
func (e *ClaimsEvaluator) ValidateRequiredClaims(view ClaimsView, required []string) bool {
	for _, name := range required {
		v, ok := view[name]
		if !ok {
			return false
		}
		switch v.Kind {
		case ClaimNull:
			return false
		case ClaimBool:
			if !v.Bool {
				return false
			}
		case ClaimString:
			if v.Str == "" {
				return false
			}
		}
	}
	return true
}

// CustomClaim returns a single claim from the projected view.
func (e *ClaimsEvaluator) CustomClaim(decoded DecodedClaims, name string) (ClaimValue, bool) {
	v, ok := e.ExtractCustomClaims(decoded)[name]
	return v, ok
}
