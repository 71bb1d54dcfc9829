package evidence

import (
	"fmt"

	"github.com/containrrr/shoutrrr"
)

// Alerter notifies operators that evidence could not be produced.
type Alerter interface {
	Alert(title, message string) error
}

// ShoutrrrAlerter sends alerts to any shoutrrr service URL.
type ShoutrrrAlerter struct {
	URL string
}

func (a ShoutrrrAlerter) Alert(title, message string) error {
	if a.URL == "" {
		return nil
	}
	if err := shoutrrr.Send(a.URL, fmt.Sprintf("%s\n\n%s", title, message)); err != nil {
		return fmt.Errorf("send alert: %w", err)
	}
	return nil
}
