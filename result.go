package ability

import "net/http"

// ============================================================================
// DECISIONS
// ============================================================================

// AuthDecision is either Allowed or Denied.
type AuthDecision interface {
	IsAllowed() bool
	decision()
}

// Allowed carries the permitted update fields (nil when unrestricted) and,
// in BOTH mode, the partial verdict.
type Allowed struct {
	Fields  []string
	Partial *bool
}

// Denied carries the internal reason (never shown to callers) and, in BOTH
// mode, the partial verdict.
type Denied struct {
	Reason  string
	Partial *bool
}

func (Allowed) IsAllowed() bool { return true }
func (Allowed) decision()       {}
func (Denied) IsAllowed() bool  { return false }
func (Denied) decision()        {}

// Result is the uniform shape every service receives from CanUser.
type Result struct {
	OK     bool         `json:"ok"`
	Status int          `json:"status"`
	Data   *ResultData  `json:"data,omitempty"`
	Error  *ResultError `json:"error,omitempty"`
}

type ResultData struct {
	Ability bool     `json:"ability"`
	Fields  []string `json:"fields,omitempty"`
	Partial *bool    `json:"partial,omitempty"`
}

type ResultError struct {
	Message string `json:"message"`
	Kind    Kind   `json:"kind"`
}

// ResultFrom maps a decision or an error onto Result. Denials and forbidden
// errors get the generic message; other errors keep theirs.
func ResultFrom(d AuthDecision, err error) *Result {
	if err != nil {
		kind := KindOf(err)
		msg := err.Error()
		if kind == KindForbidden {
			msg = UnauthorizedMessage
		}
		return &Result{Status: kind.Status(), Error: &ResultError{Message: msg, Kind: kind}}
	}
	switch v := d.(type) {
	case Allowed:
		return &Result{OK: true, Status: http.StatusOK, Data: &ResultData{Ability: true, Fields: v.Fields, Partial: v.Partial}}
	case Denied:
		res := &Result{Status: http.StatusForbidden, Error: &ResultError{Message: UnauthorizedMessage, Kind: KindForbidden}}
		if v.Partial != nil {
			res.Data = &ResultData{Ability: false, Partial: v.Partial}
		}
		return res
	}
	return &Result{Status: http.StatusInternalServerError, Error: &ResultError{Message: "no decision", Kind: KindInternal}}
}
