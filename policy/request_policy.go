package policy

import "github.com/warp/circulation-engine/circulation"

// =============================================================================
// REQUEST POLICY - Which request types a patron may place on an item
// =============================================================================

type RequestPolicy struct {
	ID           string
	Name         string
	Description  string
	RequestTypes []circulation.RequestType
}

// Allows reports whether the policy permits the request type.
func (p RequestPolicy) Allows(t circulation.RequestType) bool {
	for _, allowed := range p.RequestTypes {
		if allowed == t {
			return true
		}
	}
	return false
}
