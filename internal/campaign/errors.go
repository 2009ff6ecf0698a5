package campaign

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidRecipients  = errors.New("campaign: invalid recipients")
	ErrNoContent          = errors.New("campaign: no text or media supplied")
	ErrNoRecipients       = errors.New("campaign: recipient list is empty")
	ErrCampaignInProgress = errors.New("campaign: another campaign is queued or running")
	ErrMediaUnavailable   = errors.New("campaign: media unavailable")
)

// InvalidRecipient is one rejected entry of a submission.
type InvalidRecipient struct {
	Index  int    `json:"index"`
	Phone  string `json:"phone"`
	Reason string `json:"reason"`
}

type InvalidRecipientsError struct {
	Entries []InvalidRecipient
}

func (e *InvalidRecipientsError) Error() string {
	parts := make([]string, 0, len(e.Entries))
	for _, r := range e.Entries {
		parts = append(parts, fmt.Sprintf("#%d %q: %s", r.Index, r.Phone, r.Reason))
	}
	return fmt.Sprintf("%s: %s", ErrInvalidRecipients, strings.Join(parts, "; "))
}

func (e *InvalidRecipientsError) Is(target error) bool { return target == ErrInvalidRecipients }

// SendError is a failed delivery to one recipient.
type SendError struct {
	Phone     string
	Permanent bool
	Err       error
}

func (e *SendError) Error() string {
	kind := "transient"
	if e.Permanent {
		kind = "permanent"
	}
	return fmt.Sprintf("%s send failure to %s: %v", kind, e.Phone, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }
