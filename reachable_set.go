package main

import "fmt"

// PolicyKind selects how an access rule compares the caller's credentials.
type PolicyKind uint32

const (
	PolicyInvalid PolicyKind = iota
	PolicyOther
	PolicyGID
	PolicyNotUID
	PolicyUID
	PolicyNotGID
	PolicyUIDOrGID
)

var policyNames = [...]string{
	PolicyInvalid:  "invalid",
	PolicyOther:    "other",
	PolicyGID:      "gid",
	PolicyNotUID:   "not_uid",
	PolicyUID:      "uid",
	PolicyNotGID:   "not_gid",
	PolicyUIDOrGID: "uid_or_gid",
}

func (p PolicyKind) String() string {
	if int(p) < len(policyNames) {
		return policyNames[p]
	}
	return fmt.Sprintf("policy(%d)", uint32(p))
}

// ParsePolicyKind maps a policy name back to its kind.
func ParsePolicyKind(name string) (PolicyKind, bool) {
	for i, n := range policyNames {
		if n == name {
			return PolicyKind(i), true
		}
	}
	return 0, false
}

// Credentials are the caller's effective identifiers.
type Credentials struct {
	UID uint32
	GID uint32
}

// UnpackCredentials splits a register value holding uid in the high 32 bits
// and gid in the low 32 bits.
func UnpackCredentials(v uint64) Credentials {
	return Credentials{UID: uint32(v >> 32), GID: uint32(v)}
}

// Pack is the inverse of UnpackCredentials.
func (c Credentials) Pack() uint64 {
	return uint64(c.UID)<<32 | uint64(c.GID)
}

// AccessRule is one entry of a reachable set.
type AccessRule struct {
	Kind PolicyKind
	UID  uint32
	GID  uint32
}

// Denies reports whether the rule refuses access to c. Unrecognized kinds
// never deny.
func (r AccessRule) Denies(c Credentials) bool {
	switch r.Kind {
	case PolicyInvalid:
		return true
	case PolicyOther:
		return c.UID == r.UID || c.GID == r.GID
	case PolicyGID:
		return c.GID != r.GID
	case PolicyNotUID:
		return c.UID == r.UID
	case PolicyUID:
		return c.UID != r.UID
	case PolicyNotGID:
		return c.GID != r.GID
	case PolicyUIDOrGID:
		return c.UID != r.UID && c.GID != r.GID
	default:
		return false
	}
}

// EvaluateRules folds every rule over c without stopping at the first denial.
// It returns true when access is granted.
func EvaluateRules(rules []AccessRule, c Credentials) bool {
	granted := true
	for _, r := range rules {
		if r.Denies(c) {
			granted = false
		}
	}
	return granted
}
