package config

import (
	"github.com/ethereum/go-ethereum/common"
)

// EscrowPolicy is the parsed form of EscrowConfig.
type EscrowPolicy struct {
	Vault                common.Address
	Arbiter              common.Address
	MaxMilestones        int
	MaxDescriptionLength int
	DeniedRecipients     map[common.Address]struct{}
}

// Policy parses the configured addresses. Empty vault and arbiter values stay
// as the zero address.
func (e EscrowConfig) Policy() (EscrowPolicy, error) {
	policy := EscrowPolicy{
		MaxMilestones:        e.MaxMilestones,
		MaxDescriptionLength: e.MaxDescriptionLength,
		DeniedRecipients:     make(map[common.Address]struct{}, len(e.DeniedRecipients)),
	}
	var err error
	if policy.Vault, err = parseAddress("vault", e.Vault); err != nil {
		return policy, err
	}
	if policy.Arbiter, err = parseAddress("arbiter", e.Arbiter); err != nil {
		return policy, err
	}
	for _, raw := range e.DeniedRecipients {
		addr, err := parseAddress("denied recipient", raw)
		if err != nil {
			return policy, err
		}
		if addr != (common.Address{}) {
			policy.DeniedRecipients[addr] = struct{}{}
		}
	}
	return policy, nil
}

// Denies reports whether payouts to addr are refused.
func (p EscrowPolicy) Denies(addr common.Address) bool {
	_, denied := p.DeniedRecipients[addr]
	return denied
}
