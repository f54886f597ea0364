// Package filter provides acceptance filters that keep unwanted mail away
// from an account's processor.
package filter

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/tracyhatemice/mailintake/internal/config"
	"github.com/tracyhatemice/mailintake/internal/receiver"
)

// All accepts a message only when every filter accepts it.
func All(filters ...receiver.Filter) receiver.Filter {
	return receiver.FilterFunc(func(msg *receiver.Message) bool {
		for _, f := range filters {
			if !f.Accept(msg) {
				return false
			}
		}
		return true
	})
}

// SenderFilter matches the resolved sender against address patterns. A
// pattern is either a full address or "@domain".
type SenderFilter struct {
	Allow []string
	Deny  []string
}

// Accept rejects denied senders, and when Allow is set, every sender not
// on it. Messages without a sender only pass an empty allow list.
func (f SenderFilter) Accept(msg *receiver.Message) bool {
	sender := strings.ToLower(receiver.Sender(msg))
	if sender != "" && matchAny(sender, f.Deny) {
		return false
	}
	if len(f.Allow) == 0 {
		return true
	}
	return sender != "" && matchAny(sender, f.Allow)
}

func matchAny(addr string, patterns []string) bool {
	for _, p := range patterns {
		p = strings.ToLower(strings.TrimSpace(p))
		if p == "" {
			continue
		}
		if strings.HasPrefix(p, "@") {
			if strings.HasSuffix(addr, p) {
				return true
			}
			continue
		}
		if addr == p {
			return true
		}
	}
	return false
}

// SubjectFilter rejects messages whose subject matches any expression.
type SubjectFilter struct {
	Deny []*regexp.Regexp
}

func (f SubjectFilter) Accept(msg *receiver.Message) bool {
	for _, re := range f.Deny {
		if re.MatchString(msg.Subject) {
			return false
		}
	}
	return true
}

// SizeFilter rejects messages larger than MaxBytes raw bytes.
type SizeFilter struct {
	MaxBytes int
}

func (f SizeFilter) Accept(msg *receiver.Message) bool {
	return f.MaxBytes <= 0 || len(msg.Raw) <= f.MaxBytes
}

// FromConfig builds the filter described by cfg. It returns nil when cfg
// configures nothing, so the receiver runs without a filter.
func FromConfig(cfg config.Filter) (receiver.Filter, error) {
	var filters []receiver.Filter

	if len(cfg.AllowSenders) > 0 || len(cfg.DenySenders) > 0 {
		filters = append(filters, SenderFilter{Allow: cfg.AllowSenders, Deny: cfg.DenySenders})
	}

	if len(cfg.DenySubjects) > 0 {
		sf := SubjectFilter{}
		for _, expr := range cfg.DenySubjects {
			re, err := regexp.Compile(expr)
			if err != nil {
				return nil, fmt.Errorf("deny_subjects %q: %w", expr, err)
			}
			sf.Deny = append(sf.Deny, re)
		}
		filters = append(filters, sf)
	}

	if cfg.MaxSizeBytes > 0 {
		filters = append(filters, SizeFilter{MaxBytes: cfg.MaxSizeBytes})
	}

	switch len(filters) {
	case 0:
		return nil, nil
	case 1:
		return filters[0], nil
	default:
		return All(filters...), nil
	}
}
