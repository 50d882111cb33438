// package staticpolicy provides an implementation of the policy.Oracle
// interface driven by a fixed rule table, typically taken from the
// configuration file.
package staticpolicy

import (
	"context"
	"strings"

	"github.com/getlantern/errors"

	"github.com/getlantern/slotd/identity"
	"github.com/getlantern/slotd/policy"
)

const (
	// RuleAll admits every requester.
	RuleAll = "all"
	// RuleLocal admits requesters whose domain equals the logical host.
	RuleLocal = "local"
	// RuleNone admits nobody.
	RuleNone = "none"
)

type oracle struct {
	rules map[string][]string
}

// NewOracle builds an Oracle from a table mapping rule names to lists of
// entries. An entry is one of the built-in rule names, a bare domain prefixed
// with "@" (admitting everyone at that domain), or a full requester address.
// A rule admits a requester when any of its entries does. The built-in rules
// are always available, also under names absent from the table.
func NewOracle(rules map[string][]string) policy.Oracle {
	return &oracle{rules: rules}
}

func (o *oracle) Allowed(ctx context.Context, host string, rule string, requester identity.Requester) (bool, error) {
	entries, found := o.rules[rule]
	if !found {
		switch rule {
		case RuleAll:
			return true, nil
		case RuleNone:
			return false, nil
		case RuleLocal:
			return requester.Domain() == host, nil
		default:
			return false, errors.New("unknown access rule %v", rule)
		}
	}
	for _, entry := range entries {
		allowed, err := o.matches(entry, host, requester)
		if err != nil {
			return false, err
		}
		if allowed {
			return true, nil
		}
	}
	return false, nil
}

func (o *oracle) matches(entry string, host string, requester identity.Requester) (bool, error) {
	switch {
	case entry == RuleAll:
		return true, nil
	case entry == RuleNone:
		return false, nil
	case entry == RuleLocal:
		return requester.Domain() == host, nil
	case strings.HasPrefix(entry, "@"):
		return requester.Domain() == entry[1:], nil
	case strings.Contains(entry, "@"):
		return requester.String() == entry, nil
	default:
		return false, errors.New("unintelligible access rule entry %v", entry)
	}
}
