package core

import (
	"fmt"
	"strings"
	"time"
)

const DefaultCurrency = "USD"

type (
	// User holds identity and preferences. PasswordHash is empty for
	// accounts created through an external identity provider; such
	// accounts cannot log in locally.
	User struct {
		ID           int64
		Username     string
		PasswordHash string
		Currency     string
		Budget       Money
		ExternalID   string
		CreatedAt    time.Time
	}

	// Expense is a ledger record. Every expense has exactly one owner
	// and is only reachable through that owner's authenticated context.
	Expense struct {
		ID             int64
		OwnerID        int64
		Title          string
		Amount         Money
		Category       string
		Date           time.Time
		Tags           []string
		Note           string
		Attachment     string
		Currency       string
		Recurring      bool
		NextOccurrence *time.Time
	}
)

// SplitTags turns a comma-delimited string into an ordered set:
// trimmed, empties dropped, duplicates removed preserving first position.
func SplitTags(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	seen := make(map[string]struct{})
	var tags []string
	for _, raw := range strings.Split(s, ",") {
		tag := strings.TrimSpace(raw)
		if tag == "" {
			continue
		}
		if _, ok := seen[tag]; ok {
			continue
		}
		seen[tag] = struct{}{}
		tags = append(tags, tag)
	}
	return tags
}

func (u User) CanLoginLocally() bool {
	return u.PasswordHash != ""
}

func (e Expense) Validate() error {
	if strings.TrimSpace(e.Title) == "" {
		return fmt.Errorf("%w: empty title", ErrValidation)
	}
	if e.Amount.Cents < 0 {
		return fmt.Errorf("%w: negative amount", ErrValidation)
	}
	if e.Recurring && e.NextOccurrence == nil {
		return fmt.Errorf("%w: recurring expense requires next occurrence", ErrValidation)
	}
	return nil
}
